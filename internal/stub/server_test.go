package stub_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/approveload/internal/approval"
	"github.com/wesleyorama2/approveload/internal/loadtest"
	"github.com/wesleyorama2/approveload/internal/loadtest/engine"
	"github.com/wesleyorama2/approveload/internal/loadtest/executor"
	"github.com/wesleyorama2/approveload/internal/stub"
)

func newStub(t *testing.T, mix string, latency time.Duration) (*stub.Server, *httptest.Server) {
	t.Helper()
	statuses, err := stub.ParseMix(mix)
	require.NoError(t, err)

	srv, err := stub.New(stub.Config{Statuses: statuses, Latency: latency})
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url+approval.Path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func validBody(t *testing.T, vu int, it int64) string {
	t.Helper()
	b, err := json.Marshal(approval.NewRequest(vu, it, time.Now()))
	require.NoError(t, err)
	return string(b)
}

func TestServer_Approve(t *testing.T) {
	srv, ts := newStub(t, "", 0)

	status, body := post(t, ts.URL, validBody(t, 1, 0))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	stats := srv.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Unique)
	assert.Equal(t, int64(0), stats.Duplicates)
	assert.Equal(t, int64(1), stats.ByStatus[http.StatusOK])
}

func TestServer_Approve_Duplicates(t *testing.T) {
	srv, ts := newStub(t, "", 0)

	body := `{"approvalId":"APP-1-0-1","amount":100.00,"phoneNumber":"010-1234-5678","message":"load-test"}`
	post(t, ts.URL, body)
	post(t, ts.URL, body)

	stats := srv.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(1), stats.Unique)
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.True(t, srv.Seen("APP-1-0-1"))
	assert.False(t, srv.Seen("APP-2-0-1"))
}

func TestServer_Approve_InvalidBody(t *testing.T) {
	srv, ts := newStub(t, "", 0)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"approvalId":`},
		{"missing fields", `{"approvalId":"x"}`},
		{"string amount", `{"approvalId":"x","amount":"1","phoneNumber":"p","message":"m"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := post(t, ts.URL, tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}

	stats := srv.Stats()
	assert.Equal(t, int64(len(tests)), stats.Invalid)
	assert.Equal(t, int64(0), stats.Unique)
}

func TestServer_Approve_StatusMix(t *testing.T) {
	srv, ts := newStub(t, "200:3,500:1", 0)

	got := map[int]int{}
	for i := 0; i < 8; i++ {
		status, _ := post(t, ts.URL, validBody(t, 1, int64(i)))
		got[status]++
	}
	assert.Equal(t, map[int]int{200: 6, 500: 2}, got)
	assert.Equal(t, int64(2), srv.Stats().ByStatus[500])
}

func TestServer_Approve_Latency(t *testing.T) {
	_, ts := newStub(t, "", 50*time.Millisecond)

	start := time.Now()
	status, _ := post(t, ts.URL, validBody(t, 1, 0))
	assert.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestServer_Routes(t *testing.T) {
	_, ts := newStub(t, "", 0)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + approval.Path)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Serve_Shutdown(t *testing.T) {
	srv, err := stub.New(stub.Config{})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

// runAgainst drives the approval scenario at the stub with a compressed schedule.
func runAgainst(t *testing.T, url string, vus int) *engine.TestResult {
	t.Helper()
	scenario, err := approval.NewScenario(url)
	require.NoError(t, err)

	eng, err := engine.New(engine.Options{
		Name:     "approve-e2e",
		Scenario: scenario,
		Executor: &executor.Config{
			Type: executor.TypeRampingVUs,
			Stages: []executor.Stage{
				{Duration: 200 * time.Millisecond, Target: min(2, vus)},
				{Duration: 200 * time.Millisecond, Target: vus},
				{Duration: 600 * time.Millisecond, Target: vus},
				{Duration: 200 * time.Millisecond, Target: 0},
			},
			GracefulStop: 2 * time.Second,
			Pacing:       &executor.PacingConfig{Type: executor.PacingConstant, Duration: 10 * time.Millisecond},
		},
		HTTP:       loadtest.DefaultHTTPClientConfig(),
		Thresholds: engine.Thresholds{HTTPReqFailed: []string{"rate<0.2"}},
	})
	require.NoError(t, err)

	result, err := eng.Run(context.Background())
	require.NoError(t, err)
	return result
}

func TestEndToEnd_AllOK(t *testing.T) {
	srv, ts := newStub(t, "200", 0)

	result := runAgainst(t, ts.URL, 5)

	assert.True(t, result.Passed)
	assert.Equal(t, 0.0, result.Metrics.ErrorRate)
	assert.Equal(t, int64(0), result.Metrics.ChecksFailed)

	stats := srv.Stats()
	assert.Positive(t, stats.Received)
	assert.Equal(t, int64(0), stats.Invalid, "every generated body matches the schema")
	assert.Equal(t, int64(0), stats.Duplicates, "approvalIds are unique across the run")
	assert.Equal(t, stats.Received, stats.Unique)
	// Requests still in flight at the schedule deadline reach the stub but are not samples.
	assert.GreaterOrEqual(t, stats.Received, result.Metrics.TotalRequests)
	assert.LessOrEqual(t, stats.Received-result.Metrics.TotalRequests, int64(5))
}

func TestEndToEnd_AllUnavailable(t *testing.T) {
	_, ts := newStub(t, "503", 0)

	result := runAgainst(t, ts.URL, 5)

	assert.False(t, result.Passed)
	assert.Equal(t, 1.0, result.Metrics.ErrorRate)
	assert.Equal(t, int64(0), result.Metrics.ChecksPassed)
	require.Len(t, result.Thresholds, 1)
	assert.False(t, result.Thresholds[0].Passed)
}

func TestEndToEnd_MostlyOKWithServerErrors(t *testing.T) {
	srv, ts := newStub(t, "200:85,500:15", 0)

	result := runAgainst(t, ts.URL, 5)

	assert.True(t, result.Passed, "15 percent failures stay under the 0.2 threshold")
	assert.Equal(t, 1.0, result.Metrics.CheckRate, "500 satisfies the status check")
	assert.Less(t, result.Metrics.ErrorRate, 0.2)
	assert.Positive(t, srv.Stats().ByStatus[500])
}

func TestEndToEnd_ServerErrorsAboveThreshold(t *testing.T) {
	srv, ts := newStub(t, "200:70,500:30", 0)

	result := runAgainst(t, ts.URL, 5)

	assert.False(t, result.Passed, "500s count as failed requests")
	assert.Equal(t, 1.0, result.Metrics.CheckRate, "500 still satisfies the status check")
	assert.Equal(t, int64(0), result.Metrics.ChecksFailed)
	assert.InDelta(t, 0.3, result.Metrics.ErrorRate, 0.05)
	require.Len(t, result.Thresholds, 1)
	assert.False(t, result.Thresholds[0].Passed)
	assert.Positive(t, srv.Stats().ByStatus[500])
}
