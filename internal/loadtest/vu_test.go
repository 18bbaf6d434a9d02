package loadtest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

func newStatusServer(status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("OK"))
	}))
}

func newTestScenario(url string, seen *[]Iteration) *Scenario {
	return &Scenario{
		Name: "test",
		Build: func(ctx context.Context, it Iteration) (*http.Request, error) {
			if seen != nil {
				*seen = append(*seen, it)
			}
			return http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
		},
		Checks: []Check{{
			Name:   "status is 200",
			Assert: func(r *Response) bool { return r.Err == nil && r.StatusCode == http.StatusOK },
		}},
	}
}

func TestVUState_String(t *testing.T) {
	assert.Equal(t, "idle", VUStateIdle.String())
	assert.Equal(t, "running", VUStateRunning.String())
	assert.Equal(t, "stopping", VUStateStopping.String())
	assert.Equal(t, "stopped", VUStateStopped.String())
	assert.Equal(t, "unknown", VUState(42).String())
}

func TestVirtualUser_RunIteration(t *testing.T) {
	server := newStatusServer(http.StatusOK)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	var seen []Iteration
	vu := NewVirtualUser(3, newTestScenario(server.URL, &seen), server.Client(), engine, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, vu.RunIteration(context.Background()))
	}

	assert.Equal(t, []Iteration{{3, 0}, {3, 1}, {3, 2}}, seen)
	assert.Equal(t, int64(3), vu.GetIteration())
	assert.Equal(t, VUStateIdle, vu.GetState())

	snapshot := engine.GetSnapshot()
	assert.Equal(t, int64(3), snapshot.TotalRequests)
	assert.Equal(t, int64(0), snapshot.FailedRequests)
	assert.Equal(t, int64(6), snapshot.TotalBytes)
	assert.Equal(t, int64(3), snapshot.ChecksPassed)
}

func TestVirtualUser_RunIteration_TransportError(t *testing.T) {
	server := newStatusServer(http.StatusOK)
	url := server.URL
	server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	vu := NewVirtualUser(1, newTestScenario(url, nil), http.DefaultClient, engine, nil)
	require.NoError(t, vu.RunIteration(context.Background()))

	snapshot := engine.GetSnapshot()
	assert.Equal(t, int64(1), snapshot.FailedRequests)
	assert.Equal(t, int64(1), snapshot.TransportErrors)
	assert.Equal(t, int64(1), snapshot.ChecksFailed)
}

func TestVirtualUser_RunIteration_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	client := NewHTTPClient(HTTPClientConfig{Timeout: 50 * time.Millisecond})
	vu := NewVirtualUser(1, newTestScenario(server.URL, nil), client, engine, nil)

	start := time.Now()
	require.NoError(t, vu.RunIteration(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	snapshot := engine.GetSnapshot()
	assert.Equal(t, int64(1), snapshot.TransportErrors)
	assert.Equal(t, int64(1), snapshot.ChecksFailed)
}

func TestVirtualUser_RunIteration_BuildError(t *testing.T) {
	engine := metrics.NewEngine()
	defer engine.Stop()

	buildErr := errors.New("bad request")
	scenario := &Scenario{
		Name: "broken",
		Build: func(ctx context.Context, it Iteration) (*http.Request, error) {
			return nil, buildErr
		},
	}
	vu := NewVirtualUser(1, scenario, http.DefaultClient, engine, nil)

	err := vu.RunIteration(context.Background())
	require.ErrorIs(t, err, buildErr)
	assert.Equal(t, int64(0), engine.GetSnapshot().TotalRequests)
}

func TestVirtualUser_RunIteration_CancelledContext(t *testing.T) {
	engine := metrics.NewEngine()
	defer engine.Stop()

	var calls atomic.Int32
	scenario := &Scenario{
		Build: func(ctx context.Context, it Iteration) (*http.Request, error) {
			calls.Add(1)
			return nil, nil
		},
	}
	vu := NewVirtualUser(1, scenario, http.DefaultClient, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, vu.RunIteration(ctx), context.Canceled)
	assert.Equal(t, int32(0), calls.Load())
}

func TestVirtualUser_StopLifecycle(t *testing.T) {
	engine := metrics.NewEngine()
	defer engine.Stop()

	vu := NewVirtualUser(1, newTestScenario("http://127.0.0.1:1", nil), http.DefaultClient, engine, nil)

	vu.RequestStop()
	assert.Equal(t, VUStateStopping, vu.GetState())
	select {
	case <-vu.Stopping():
	default:
		t.Fatal("Stopping() channel not closed after RequestStop")
	}

	require.ErrorIs(t, vu.RunIteration(context.Background()), ErrVUStopped)

	// A second stop request must not panic on the closed channel.
	vu.RequestStop()

	assert.False(t, vu.WaitForStop(10*time.Millisecond))
	vu.MarkStopped()
	vu.MarkStopped()
	assert.True(t, vu.WaitForStop(10*time.Millisecond))
	assert.Equal(t, VUStateStopped, vu.GetState())
}

func TestVirtualUser_MarkStoppedWithoutRequest(t *testing.T) {
	vu := NewVirtualUser(1, &Scenario{}, http.DefaultClient, nil, nil)
	vu.MarkStopped()

	select {
	case <-vu.Stopping():
	default:
		t.Fatal("Stopping() channel not closed after MarkStopped")
	}
	vu.RequestStop()
}
