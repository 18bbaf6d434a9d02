// Package approval drives synthetic traffic against the POST /approve endpoint.
package approval

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Fixed payload values sent with every request.
const (
	DefaultPhoneNumber = "010-1234-5678"
	DefaultMessage     = "load-test"
)

// DefaultAmount is the approval amount sent with every request.
var DefaultAmount = NewAmount(decimal.NewFromInt(100))

// Request is the JSON body accepted by POST /approve.
type Request struct {
	ApprovalID  string `json:"approvalId"`
	Amount      Amount `json:"amount"`
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

// NewRequest builds the payload for one iteration of one virtual user.
func NewRequest(vu int, iteration int64, now time.Time) Request {
	return Request{
		ApprovalID:  NewApprovalID(vu, iteration, now),
		Amount:      DefaultAmount,
		PhoneNumber: DefaultPhoneNumber,
		Message:     DefaultMessage,
	}
}

// NewApprovalID returns "APP-<vu>-<iteration>-<unixMillis>". VU ids are
// never reused and iterations count up per VU, so ids are unique within a
// run; the timestamp separates runs.
func NewApprovalID(vu int, iteration int64, now time.Time) string {
	return fmt.Sprintf("APP-%d-%d-%d", vu, iteration, now.UnixMilli())
}

// Amount is a two-decimal money value encoded as a bare JSON number.
type Amount struct {
	decimal.Decimal
}

// NewAmount rounds d to two decimal places.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{d.Round(2)}
}

// MarshalJSON writes the amount as a JSON number with exactly two decimals.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.StringFixed(2)), nil
}

// UnmarshalJSON accepts a JSON number or a quoted number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	a.Decimal = d
	return nil
}
