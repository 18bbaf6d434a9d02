package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wesleyorama2/approveload/internal/loadtest"
)

// Path is the endpoint every iteration posts to.
const Path = "/approve"

// CheckName labels the status check in results.
const CheckName = "status is 200/500"

// StatusCheck passes when a response arrived with status 200 or 500.
// Transport errors and every other status fail it.
var StatusCheck = loadtest.Check{
	Name: CheckName,
	Assert: func(r *loadtest.Response) bool {
		if r == nil || r.Err != nil {
			return false
		}
		return r.StatusCode == http.StatusOK || r.StatusCode == http.StatusInternalServerError
	},
}

// Endpoint joins baseURL and Path. baseURL must be an absolute http(s) URL.
func Endpoint(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q: missing host", baseURL)
	}
	return strings.TrimSuffix(u.String(), "/") + Path, nil
}

// NewScenario returns the approval traffic scenario: one JSON POST per
// iteration, checked with StatusCheck.
func NewScenario(baseURL string) (*loadtest.Scenario, error) {
	endpoint, err := Endpoint(baseURL)
	if err != nil {
		return nil, err
	}

	return &loadtest.Scenario{
		Name: "approve",
		Build: func(ctx context.Context, it loadtest.Iteration) (*http.Request, error) {
			return BuildRequest(ctx, endpoint, NewRequest(it.VUID, it.Number, time.Now()))
		},
		Checks: []loadtest.Check{StatusCheck},
	}, nil
}

// BuildRequest encodes body and prepares the POST to endpoint.
func BuildRequest(ctx context.Context, endpoint string, body Request) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal approval request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
