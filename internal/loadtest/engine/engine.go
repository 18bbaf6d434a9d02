// Package engine runs one load test from start to verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wesleyorama2/approveload/internal/loadtest"
	"github.com/wesleyorama2/approveload/internal/loadtest/executor"
	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

// ErrAborted is returned by Run when its context was cancelled before the
// schedule completed.
var ErrAborted = errors.New("run aborted")

// Engine coordinates a single run:
//   - a VU scheduler sharing one HTTP client
//   - the ramping executor driving the scheduler
//   - metrics collection and threshold evaluation
//
// Example usage:
//
//	eng, _ := engine.New(engine.Options{Scenario: s, Executor: cfg})
//	result, _ := eng.Run(ctx)
//	fmt.Println(result.Passed)
type Engine struct {
	opts Options

	logger        *zap.Logger
	metricsEngine *metrics.Engine
	executor      executor.Executor

	mu        sync.RWMutex
	startTime time.Time
	running   bool
}

// Options configures an Engine.
type Options struct {
	Name        string
	Description string

	Scenario *loadtest.Scenario
	Executor *executor.Config
	HTTP     loadtest.HTTPClientConfig

	Thresholds Thresholds

	// Registerer receives the live Prometheus metrics. Nil disables them.
	Registerer prometheus.Registerer

	Logger *zap.Logger
}

// TestResult is the outcome of a run.
type TestResult struct {
	RunID       string        `json:"runId" yaml:"runId"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	StartTime   time.Time     `json:"startTime" yaml:"startTime"`
	EndTime     time.Time     `json:"endTime" yaml:"endTime"`
	Duration    time.Duration `json:"duration" yaml:"duration"`

	Metrics      *metrics.Snapshot               `json:"metrics" yaml:"metrics"`
	TimeSeries   []*metrics.TimeBucket           `json:"timeSeries,omitempty" yaml:"timeSeries,omitempty"`
	RequestStats map[string]metrics.LatencyStats `json:"requestStats,omitempty" yaml:"requestStats,omitempty"`
	Checks       []metrics.CheckStats            `json:"checks,omitempty" yaml:"checks,omitempty"`
	Executor     *executor.Stats                 `json:"executor,omitempty" yaml:"executor,omitempty"`

	Passed     bool              `json:"passed" yaml:"passed"`
	Thresholds []ThresholdResult `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Error is set when the run was aborted rather than completed.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// New validates the options and creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Scenario == nil || opts.Scenario.Build == nil {
		return nil, errors.New("invalid configuration: scenario with a request builder is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("invalid configuration: executor config is required")
	}
	if err := opts.Executor.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if opts.Name == "" {
		opts.Name = opts.Scenario.Name
	}
	if opts.HTTP.Timeout == 0 {
		opts.HTTP = loadtest.DefaultHTTPClientConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	exec := executor.NewRampingVUs()
	if err := exec.Init(context.Background(), opts.Executor); err != nil {
		return nil, fmt.Errorf("init executor: %w", err)
	}

	return &Engine{
		opts:     opts,
		logger:   opts.Logger,
		executor: exec,
	}, nil
}

// Run executes the schedule and evaluates thresholds. It may be called once.
// A cancelled ctx ends the run early: the partial result is still evaluated
// but never passes, and the returned error wraps ErrAborted.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, errors.New("engine is already running")
	}
	if e.metricsEngine != nil {
		e.mu.Unlock()
		return nil, errors.New("engine has already run")
	}
	e.running = true
	e.startTime = time.Now()

	mcfg := metrics.DefaultEngineConfig()
	mcfg.Registerer = e.opts.Registerer
	e.metricsEngine = metrics.NewEngineWithConfig(mcfg)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	runID := uuid.New().String()
	log := e.logger.With(zap.String("run_id", runID), zap.String("name", e.opts.Name))

	e.metricsEngine.SetPhase(metrics.PhaseInit)

	scheduler := loadtest.NewVUScheduler(e.opts.Scenario, e.metricsEngine, e.opts.HTTP, log)

	log.Info("load test started",
		zap.Int("max_vus", e.opts.Executor.MaxTarget()),
		zap.Duration("duration", e.opts.Executor.TotalDuration()))

	runErr := e.executor.Run(ctx, scheduler, e.metricsEngine)
	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
	}

	gracefulStop := e.opts.Executor.GracefulStop
	if gracefulStop == 0 {
		gracefulStop = 30 * time.Second
	}
	scheduler.Shutdown(gracefulStop)
	e.metricsEngine.Stop()

	snapshot := e.metricsEngine.GetSnapshot()
	thresholds := e.opts.Thresholds.Evaluate(snapshot)

	passed := runErr == nil
	for _, tr := range thresholds {
		if !tr.Passed {
			passed = false
			log.Warn("threshold failed",
				zap.String("metric", tr.Metric),
				zap.String("expression", tr.Expression),
				zap.String("value", tr.Value))
		}
	}

	end := time.Now()
	result := &TestResult{
		RunID:        runID,
		Name:         e.opts.Name,
		Description:  e.opts.Description,
		StartTime:    e.startTime,
		EndTime:      end,
		Duration:     end.Sub(e.startTime),
		Metrics:      snapshot,
		TimeSeries:   e.metricsEngine.GetTimeSeries(),
		RequestStats: e.metricsEngine.GetRequestStats(),
		Checks:       e.metricsEngine.GetCheckStats(),
		Executor:     e.executor.GetStats(),
		Passed:       passed,
		Thresholds:   thresholds,
	}
	if runErr != nil {
		result.Error = runErr.Error()
		log.Error("load test aborted", zap.Error(runErr))
		return result, fmt.Errorf("run %s: %w", runID, runErr)
	}

	log.Info("load test finished",
		zap.Bool("passed", passed),
		zap.Int64("requests", snapshot.TotalRequests),
		zap.Float64("error_rate", snapshot.ErrorRate))

	return result, nil
}

// GetMetrics returns the live snapshot, or nil before Run.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	e.mu.RLock()
	m := e.metricsEngine
	e.mu.RUnlock()

	if m == nil {
		return nil
	}
	return m.GetSnapshot()
}

// GetStats returns live executor stats.
func (e *Engine) GetStats() *executor.Stats {
	return e.executor.GetStats()
}

// GetProgress returns the elapsed share of the schedule (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	return e.executor.GetProgress()
}

// TotalDuration is the length of the configured schedule.
func (e *Engine) TotalDuration() time.Duration {
	return e.opts.Executor.TotalDuration()
}

// Name returns the run name.
func (e *Engine) Name() string {
	return e.opts.Name
}

// IsRunning reports whether Run is in progress.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop ends a running test early.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.IsRunning() {
		return nil
	}
	return e.executor.Stop(ctx)
}
