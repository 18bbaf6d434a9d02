// Package loadtest provides the virtual-user runtime that drives a scenario
// against a target under staged concurrency.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

// VUState represents the lifecycle state of a virtual user.
type VUState int32

const (
	VUStateIdle VUState = iota
	VUStateRunning
	VUStateStopping
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrVUStopped is returned by RunIteration once the VU has been asked to stop.
var ErrVUStopped = errors.New("virtual user is stopping")

// Iteration identifies one execution of a scenario by one virtual user.
type Iteration struct {
	// VUID is the 1-based virtual user id. Ids are never reused within a run.
	VUID int

	// Number counts the VU's iterations starting at 0.
	Number int64
}

// Response is what checks are evaluated against. Err is set, and the other
// fields are zero, when no response was received.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	Err        error
}

// Check is a named boolean assertion recorded for every response.
type Check struct {
	Name   string
	Assert func(*Response) bool
}

// Scenario defines what a VU does in each iteration.
type Scenario struct {
	// Name is used as the request name in per-request metrics.
	Name string

	// Build creates the request for one iteration.
	Build func(ctx context.Context, it Iteration) (*http.Request, error)

	// Checks run against every response, including failed ones.
	Checks []Check
}

// VirtualUser is one simulated client executing scenario iterations in a loop.
type VirtualUser struct {
	ID int

	Scenario   *Scenario
	HTTPClient *http.Client
	Metrics    *metrics.Engine

	logger *zap.Logger

	state     atomic.Int32
	iteration atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewVirtualUser creates an idle virtual user.
func NewVirtualUser(id int, scenario *Scenario, client *http.Client, metricsEngine *metrics.Engine, logger *zap.Logger) *VirtualUser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VirtualUser{
		ID:         id,
		Scenario:   scenario,
		HTTPClient: client,
		Metrics:    metricsEngine,
		logger:     logger.With(zap.Int("vu", id)),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// GetState returns the current lifecycle state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns how many iterations the VU has started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// RunIteration executes the scenario once: build, send, record, check.
//
// Request-level failures are recorded in metrics and never returned; the
// returned error is reserved for cancellation, a stopped VU, or a
// scenario that cannot build its request.
func (vu *VirtualUser) RunIteration(ctx context.Context) error {
	state := vu.GetState()
	if state == VUStateStopping || state == VUStateStopped {
		return ErrVUStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	defer vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))

	it := Iteration{VUID: vu.ID, Number: vu.iteration.Add(1) - 1}

	req, err := vu.Scenario.Build(ctx, it)
	if err != nil {
		return fmt.Errorf("vu %d iteration %d: build request: %w", vu.ID, it.Number, err)
	}

	resp := vu.execute(req)

	// A request cut short by the end of the run is not a sample.
	if resp.Err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	vu.Metrics.Record(metrics.Sample{
		Name:       vu.Scenario.Name,
		Duration:   resp.Duration,
		StatusCode: resp.StatusCode,
		Bytes:      int64(len(resp.Body)),
		Err:        resp.Err,
	})

	if resp.Err != nil {
		vu.logger.Debug("request failed",
			zap.Int64("iteration", it.Number),
			zap.Duration("duration", resp.Duration),
			zap.Error(resp.Err))
	}

	for _, check := range vu.Scenario.Checks {
		vu.Metrics.RecordCheck(check.Name, check.Assert(resp))
	}

	return nil
}

func (vu *VirtualUser) execute(req *http.Request) *Response {
	start := time.Now()

	httpResp, err := vu.HTTPClient.Do(req)
	if err != nil {
		return &Response{Duration: time.Since(start), Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}
	if err != nil {
		// The status arrived but the body did not; treat it as a transport failure.
		resp.StatusCode = 0
		resp.Err = fmt.Errorf("read response body: %w", err)
	}
	return resp
}

// RequestStop asks the VU to stop after its current iteration.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// Stopping returns a channel closed once RequestStop has been called.
func (vu *VirtualUser) Stopping() <-chan struct{} {
	return vu.stopCh
}

// MarkStopped marks the VU as fully stopped. Called when its goroutine exits.
func (vu *VirtualUser) MarkStopped() {
	prev := VUState(vu.state.Swap(int32(VUStateStopped)))
	if prev == VUStateIdle || prev == VUStateRunning {
		close(vu.stopCh)
	}
	select {
	case <-vu.doneCh:
	default:
		close(vu.doneCh)
	}
}

// WaitForStop waits up to timeout for the VU to stop.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	select {
	case <-vu.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}
