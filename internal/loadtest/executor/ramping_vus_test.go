package executor_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesleyorama2/approveload/internal/loadtest"
	"github.com/wesleyorama2/approveload/internal/loadtest/executor"
	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

// newCountingServer returns a server that tracks in-flight and peak requests.
func newCountingServer(delay time.Duration, inFlight, peak *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	}))
}

func newScenario(url string) *loadtest.Scenario {
	return &loadtest.Scenario{
		Name: "ramping-vus-test",
		Build: func(ctx context.Context, it loadtest.Iteration) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
		},
		Checks: []loadtest.Check{{
			Name:   "status is 200",
			Assert: func(r *loadtest.Response) bool { return r.StatusCode == http.StatusOK },
		}},
	}
}

func TestRampingVUs_Type(t *testing.T) {
	e := executor.NewRampingVUs()
	if e.Type() != executor.TypeRampingVUs {
		t.Errorf("Type() = %v, want %v", e.Type(), executor.TypeRampingVUs)
	}
}

func TestRampingVUs_Init(t *testing.T) {
	tests := []struct {
		name    string
		config  *executor.Config
		wantErr bool
	}{
		{
			name: "valid",
			config: &executor.Config{
				Type: executor.TypeRampingVUs,
				Stages: []executor.Stage{
					{Duration: 10 * time.Second, Target: 20},
					{Duration: 20 * time.Second, Target: 60},
					{Duration: 60 * time.Second, Target: 60},
					{Duration: 10 * time.Second, Target: 0},
				},
				Pacing: &executor.PacingConfig{Type: executor.PacingConstant, Duration: 100 * time.Millisecond},
			},
		},
		{
			name:    "wrong type",
			config:  &executor.Config{Type: "constant-vus", Stages: []executor.Stage{{Duration: time.Second, Target: 1}}},
			wantErr: true,
		},
		{
			name:    "no stages",
			config:  &executor.Config{Type: executor.TypeRampingVUs},
			wantErr: true,
		},
		{
			name:    "zero duration",
			config:  &executor.Config{Type: executor.TypeRampingVUs, Stages: []executor.Stage{{Duration: 0, Target: 1}}},
			wantErr: true,
		},
		{
			name:    "negative target",
			config:  &executor.Config{Type: executor.TypeRampingVUs, Stages: []executor.Stage{{Duration: time.Second, Target: -1}}},
			wantErr: true,
		},
		{
			name: "bad random pacing",
			config: &executor.Config{
				Type:   executor.TypeRampingVUs,
				Stages: []executor.Stage{{Duration: time.Second, Target: 1}},
				Pacing: &executor.PacingConfig{Type: executor.PacingRandom, Min: time.Second, Max: time.Millisecond},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executor.NewRampingVUs().Init(context.Background(), tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Init() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidationError(t *testing.T) {
	cfg := &executor.Config{Type: executor.TypeRampingVUs}
	err := cfg.Validate()

	var verr *executor.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error = %T, want *ValidationError", err)
	}
	if verr.Field != "stages" {
		t.Errorf("Field = %q, want %q", verr.Field, "stages")
	}
}

func TestConfig_TargetAt(t *testing.T) {
	cfg := &executor.Config{
		Type: executor.TypeRampingVUs,
		Stages: []executor.Stage{
			{Duration: 10 * time.Second, Target: 20},
			{Duration: 20 * time.Second, Target: 60},
			{Duration: 60 * time.Second, Target: 60},
			{Duration: 10 * time.Second, Target: 0},
		},
	}

	tests := []struct {
		elapsed    time.Duration
		wantTarget int
		wantStage  int
	}{
		{0, 0, 0},
		{5 * time.Second, 10, 0},
		{10 * time.Second, 20, 1},
		{20 * time.Second, 40, 1},
		{30 * time.Second, 60, 2},
		{89 * time.Second, 60, 2},
		{95 * time.Second, 30, 3},
		{100 * time.Second, 0, 3},
		{time.Hour, 0, 3},
	}

	for _, tt := range tests {
		target, stage := cfg.TargetAt(tt.elapsed)
		if target != tt.wantTarget || stage != tt.wantStage {
			t.Errorf("TargetAt(%v) = (%d, %d), want (%d, %d)", tt.elapsed, target, stage, tt.wantTarget, tt.wantStage)
		}
	}

	if got := cfg.TotalDuration(); got != 100*time.Second {
		t.Errorf("TotalDuration() = %v, want 100s", got)
	}
	if got := cfg.MaxTarget(); got != 60 {
		t.Errorf("MaxTarget() = %d, want 60", got)
	}
}

func TestConfig_TargetAt_Monotonic(t *testing.T) {
	cfg := &executor.Config{
		Type: executor.TypeRampingVUs,
		Stages: []executor.Stage{
			{Duration: 10 * time.Second, Target: 20},
			{Duration: 20 * time.Second, Target: 60},
			{Duration: 60 * time.Second, Target: 60},
			{Duration: 10 * time.Second, Target: 0},
		},
	}

	prev := 0
	for elapsed := time.Duration(0); elapsed < 90*time.Second; elapsed += 100 * time.Millisecond {
		target, _ := cfg.TargetAt(elapsed)
		if target < prev {
			t.Fatalf("target decreased during ramp-up/steady at %v: %d -> %d", elapsed, prev, target)
		}
		if target > 60 {
			t.Fatalf("target %d exceeds max at %v", target, elapsed)
		}
		prev = target
	}

	for elapsed := 90 * time.Second; elapsed <= 100*time.Second; elapsed += 100 * time.Millisecond {
		target, _ := cfg.TargetAt(elapsed)
		if target > prev {
			t.Fatalf("target increased during ramp-down at %v: %d -> %d", elapsed, prev, target)
		}
		prev = target
	}
}

func TestRampingVUs_Run(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := newCountingServer(5*time.Millisecond, &inFlight, &peak)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	scheduler := loadtest.NewVUScheduler(newScenario(server.URL), engine, loadtest.DefaultHTTPClientConfig(), nil)
	defer scheduler.Shutdown(time.Second)

	e := executor.NewRampingVUs()
	config := &executor.Config{
		Type: executor.TypeRampingVUs,
		Stages: []executor.Stage{
			{Duration: 200 * time.Millisecond, Target: 3},
			{Duration: 200 * time.Millisecond, Target: 5},
			{Duration: 400 * time.Millisecond, Target: 5},
			{Duration: 200 * time.Millisecond, Target: 0},
		},
		GracefulStop: time.Second,
		Pacing:       &executor.PacingConfig{Type: executor.PacingConstant, Duration: 10 * time.Millisecond},
	}
	if err := e.Init(context.Background(), config); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	start := time.Now()
	if err := e.Run(context.Background(), scheduler, engine); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 900*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("Run() took %v, want about 1s", elapsed)
	}

	stats := e.GetStats()
	if stats.PeakVUs > 5 {
		t.Errorf("PeakVUs = %d, want <= 5", stats.PeakVUs)
	}
	if stats.PeakVUs < 3 {
		t.Errorf("PeakVUs = %d, want ramp to reach at least 3", stats.PeakVUs)
	}
	if p := peak.Load(); p > 5 {
		t.Errorf("server saw %d concurrent requests, want <= 5", p)
	}
	if stats.Iterations == 0 {
		t.Error("no iterations completed")
	}
	if e.GetActiveVUs() != 0 {
		t.Errorf("GetActiveVUs() = %d after Run, want 0", e.GetActiveVUs())
	}
	if e.GetProgress() != 1.0 {
		t.Errorf("GetProgress() = %v after Run, want 1.0", e.GetProgress())
	}

	snapshot := engine.GetSnapshot()
	if snapshot.TotalRequests != stats.Iterations {
		t.Errorf("TotalRequests = %d, want %d", snapshot.TotalRequests, stats.Iterations)
	}
	if engine.GetPhase() != metrics.PhaseDone {
		t.Errorf("phase = %v, want %v", engine.GetPhase(), metrics.PhaseDone)
	}

	var sawSteady, sawRampDown bool
	for _, change := range engine.GetPhaseHistory() {
		switch change.Phase {
		case metrics.PhaseSteady:
			sawSteady = true
		case metrics.PhaseRampDown:
			sawRampDown = true
		}
	}
	if !sawSteady || !sawRampDown {
		t.Errorf("phase history missing steady or ramp-down: %+v", engine.GetPhaseHistory())
	}
}

func TestRampingVUs_Pacing(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := newCountingServer(0, &inFlight, &peak)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	scheduler := loadtest.NewVUScheduler(newScenario(server.URL), engine, loadtest.DefaultHTTPClientConfig(), nil)
	defer scheduler.Shutdown(time.Second)

	e := executor.NewRampingVUs()
	config := &executor.Config{
		Type:         executor.TypeRampingVUs,
		Stages:       []executor.Stage{{Duration: 500 * time.Millisecond, Target: 1}},
		GracefulStop: time.Second,
		Pacing:       &executor.PacingConfig{Type: executor.PacingConstant, Duration: 100 * time.Millisecond},
	}
	if err := e.Init(context.Background(), config); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := e.Run(context.Background(), scheduler, engine); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// A single VU with a 100ms pause cannot exceed ~5 iterations in 500ms.
	if got := e.GetStats().Iterations; got > 6 {
		t.Errorf("Iterations = %d, want <= 6 with 100ms pacing", got)
	}
}

func TestRampingVUs_ContextCancel(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := newCountingServer(0, &inFlight, &peak)
	defer server.Close()

	engine := metrics.NewEngine()
	defer engine.Stop()

	scheduler := loadtest.NewVUScheduler(newScenario(server.URL), engine, loadtest.DefaultHTTPClientConfig(), nil)
	defer scheduler.Shutdown(time.Second)

	e := executor.NewRampingVUs()
	config := &executor.Config{
		Type:         executor.TypeRampingVUs,
		Stages:       []executor.Stage{{Duration: time.Minute, Target: 2}},
		GracefulStop: time.Second,
	}
	if err := e.Init(context.Background(), config); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := e.Run(ctx, scheduler, engine); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run() took %v after cancel, want prompt return", elapsed)
	}
}

func TestRampingVUs_BuildErrorStopsRun(t *testing.T) {
	engine := metrics.NewEngine()
	defer engine.Stop()

	buildErr := errors.New("cannot build request")
	scenario := &loadtest.Scenario{
		Name: "broken",
		Build: func(ctx context.Context, it loadtest.Iteration) (*http.Request, error) {
			return nil, buildErr
		},
	}
	scheduler := loadtest.NewVUScheduler(scenario, engine, loadtest.DefaultHTTPClientConfig(), nil)
	defer scheduler.Shutdown(time.Second)

	e := executor.NewRampingVUs()
	config := &executor.Config{
		Type:         executor.TypeRampingVUs,
		Stages:       []executor.Stage{{Duration: time.Minute, Target: 1}},
		GracefulStop: time.Second,
	}
	if err := e.Init(context.Background(), config); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	err := e.Run(context.Background(), scheduler, engine)
	if !errors.Is(err, buildErr) {
		t.Errorf("Run() error = %v, want %v", err, buildErr)
	}
}

func TestRampingVUs_RunWithoutInit(t *testing.T) {
	engine := metrics.NewEngine()
	defer engine.Stop()

	err := executor.NewRampingVUs().Run(context.Background(), nil, engine)
	if err == nil {
		t.Error("Run() without Init should fail")
	}
}
