package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/approveload/internal/loadtest"
	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

// controllerInterval is how often the VU target is re-evaluated.
const controllerInterval = 100 * time.Millisecond

// RampingVUs moves the VU count between stage targets by linear
// interpolation, re-evaluated every 100ms.
//
//	stages:
//	  - duration: 10s
//	    target: 20     # 0 -> 20 VUs over 10s
//	  - duration: 20s
//	    target: 60     # 20 -> 60 VUs over 20s
//	  - duration: 60s
//	    target: 60     # hold
//	  - duration: 10s
//	    target: 0      # 60 -> 0 VUs over 10s
type RampingVUs struct {
	config    *Config
	scheduler *loadtest.VUScheduler
	metrics   *metrics.Engine

	startTime    time.Time
	activeVUs    atomic.Int32
	peakVUs      atomic.Int32
	targetVUs    atomic.Int32
	iterations   atomic.Int64
	currentStage atomic.Int32
	running      atomic.Bool

	cancelMu   sync.Mutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	vus   []*loadtest.VirtualUser
	vusMu sync.Mutex

	// errOnce keeps the first fatal iteration error.
	errOnce sync.Once
	runErr  error

	mu sync.RWMutex
}

// NewRampingVUs creates an uninitialized ramping-VUs executor.
func NewRampingVUs() *RampingVUs {
	return &RampingVUs{}
}

// Type returns TypeRampingVUs.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Init validates and stores the configuration.
func (e *RampingVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeRampingVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeRampingVUs, config.Type)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	return nil
}

// Run executes the stage schedule and blocks until it completes, ctx is
// cancelled, or Stop is called.
func (e *RampingVUs) Run(ctx context.Context, scheduler *loadtest.VUScheduler, metricsEngine *metrics.Engine) error {
	if e.config == nil {
		return fmt.Errorf("executor not initialized")
	}

	e.mu.Lock()
	e.scheduler = scheduler
	e.metrics = metricsEngine
	e.startTime = time.Now()
	e.mu.Unlock()
	e.running.Store(true)

	runCtx, cancel := context.WithTimeout(ctx, e.config.TotalDuration())
	e.cancelMu.Lock()
	e.cancelFunc = cancel
	e.cancelMu.Unlock()
	defer cancel()

	controllerDone := make(chan struct{})
	go func() {
		e.vuController(runCtx)
		close(controllerDone)
	}()

	<-runCtx.Done()
	<-controllerDone

	e.gracefulShutdown()

	e.metrics.SetActiveVUs(0)
	e.metrics.SetPhase(metrics.PhaseDone)
	e.running.Store(false)

	return e.runErr
}

func (e *RampingVUs) vuController(ctx context.Context) {
	// Apply the first target immediately instead of waiting a full tick.
	e.tick(ctx)

	ticker := time.NewTicker(controllerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *RampingVUs) tick(ctx context.Context) {
	target, stage := e.config.TargetAt(time.Since(e.startTime))
	e.currentStage.Store(int32(stage))
	e.targetVUs.Store(int32(target))
	e.adjustVUs(ctx, target)
	e.updatePhase(stage)
}

// adjustVUs spawns or stops VUs until the scheduled count equals target.
// Stopped VUs finish their in-flight iteration before exiting.
func (e *RampingVUs) adjustVUs(ctx context.Context, target int) {
	e.vusMu.Lock()
	defer e.vusMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	current := len(e.vus)
	switch {
	case target > current:
		for i := current; i < target; i++ {
			vu := e.scheduler.SpawnVU()
			e.vus = append(e.vus, vu)
			e.wg.Add(1)
			go e.runVU(ctx, vu)
		}
	case target < current:
		for i := current - 1; i >= target; i-- {
			e.vus[i].RequestStop()
		}
		e.vus = e.vus[:target]
	}

	e.metrics.SetActiveVUs(target)
}

func (e *RampingVUs) updatePhase(stageIdx int) {
	stage := e.config.Stages[stageIdx]
	prevTarget := 0
	if stageIdx > 0 {
		prevTarget = e.config.Stages[stageIdx-1].Target
	}

	switch {
	case stage.Target > prevTarget:
		e.metrics.SetPhase(metrics.PhaseRampUp)
	case stage.Target < prevTarget:
		e.metrics.SetPhase(metrics.PhaseRampDown)
	default:
		e.metrics.SetPhase(metrics.PhaseSteady)
	}
}

func (e *RampingVUs) runVU(ctx context.Context, vu *loadtest.VirtualUser) {
	defer e.wg.Done()
	defer vu.MarkStopped()

	active := e.activeVUs.Add(1)
	defer e.activeVUs.Add(-1)
	for {
		peak := e.peakVUs.Load()
		if active <= peak || e.peakVUs.CompareAndSwap(peak, active) {
			break
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		err := vu.RunIteration(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, loadtest.ErrVUStopped) {
				// The scenario itself is broken; stop the whole run.
				e.errOnce.Do(func() { e.runErr = err })
				e.cancel()
			}
			return
		}

		e.iterations.Add(1)

		if !e.applyPacing(ctx, vu) {
			return
		}
	}
}

// applyPacing waits between iterations. It returns false if the VU should
// exit instead of starting another iteration.
func (e *RampingVUs) applyPacing(ctx context.Context, vu *loadtest.VirtualUser) bool {
	wait := e.pacingDelay()
	if wait <= 0 {
		return vu.GetState() != loadtest.VUStateStopping
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-vu.Stopping():
		return false
	case <-timer.C:
		return true
	}
}

func (e *RampingVUs) pacingDelay() time.Duration {
	p := e.config.Pacing
	if p == nil {
		return 0
	}

	switch p.Type {
	case PacingConstant:
		return p.Duration
	case PacingRandom:
		if diff := p.Max - p.Min; diff > 0 {
			return p.Min + time.Duration(rand.Int63n(int64(diff)))
		}
		return p.Min
	default:
		return 0
	}
}

// gracefulShutdown stops all VUs and waits up to GracefulStop for them.
func (e *RampingVUs) gracefulShutdown() {
	e.vusMu.Lock()
	for _, vu := range e.vus {
		vu.RequestStop()
	}
	e.vus = nil
	e.vusMu.Unlock()

	graceful := e.config.GracefulStop
	if graceful == 0 {
		graceful = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(graceful)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	}
}

func (e *RampingVUs) cancel() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
}

// GetProgress returns the elapsed share of the schedule.
func (e *RampingVUs) GetProgress() float64 {
	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	if !e.running.Load() {
		if start.IsZero() {
			return 0.0
		}
		return 1.0
	}

	total := e.config.TotalDuration()
	if total == 0 {
		return 1.0
	}

	progress := float64(time.Since(start)) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns the number of VU goroutines currently running.
func (e *RampingVUs) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

// GetStats returns a snapshot of executor progress.
func (e *RampingVUs) GetStats() *Stats {
	e.mu.RLock()
	start := e.startTime
	e.mu.RUnlock()

	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}

	stageIdx := int(e.currentStage.Load())
	stageName := ""
	if e.config != nil && stageIdx < len(e.config.Stages) {
		stageName = e.config.Stages[stageIdx].Name
	}

	var total time.Duration
	var stages int
	if e.config != nil {
		total = e.config.TotalDuration()
		stages = len(e.config.Stages)
	}

	return &Stats{
		StartTime:        start,
		Elapsed:          elapsed,
		TotalDuration:    total,
		ActiveVUs:        int(e.activeVUs.Load()),
		TargetVUs:        int(e.targetVUs.Load()),
		PeakVUs:          int(e.peakVUs.Load()),
		Iterations:       e.iterations.Load(),
		CurrentStage:     stageIdx,
		CurrentStageName: stageName,
		TotalStages:      stages,
	}
}

// Stop cancels the schedule and waits for VUs to wind down.
func (e *RampingVUs) Stop(ctx context.Context) error {
	e.cancel()
	e.gracefulShutdown()
	return nil
}

var _ Executor = (*RampingVUs)(nil)
