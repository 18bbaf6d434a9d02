// Package metrics aggregates request samples and check outcomes for a load run.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine collects request latencies, failure counts and check outcomes.
//
// Counters are atomic; HDR histograms are not safe for concurrent writes
// and are guarded by their own mutexes. A background emitter closes a
// time bucket every BucketInterval until Stop is called.
type Engine struct {
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	requestHists   map[string]*hdrhistogram.Histogram
	requestHistsMu sync.Mutex

	totalRequests   atomic.Int64
	successRequests atomic.Int64
	failedRequests  atomic.Int64
	transportErrors atomic.Int64
	totalBytes      atomic.Int64

	checksPassed atomic.Int64
	checksFailed atomic.Int64
	checks       map[string]*CheckStats
	checksMu     sync.Mutex

	activeVUs atomic.Int32

	bucketStore *TimeBucketStore

	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange

	startTime time.Time

	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	prom   *prometheusMirror
	config EngineConfig
}

// EngineConfig configures the metrics engine.
type EngineConfig struct {
	// BucketInterval is the time-series resolution (default: 1s).
	BucketInterval time.Duration

	// MaxBuckets bounds the retained time series (default: 3600).
	MaxBuckets int

	// Histogram range in microseconds and precision.
	HistogramMin     int64
	HistogramMax     int64
	HistogramSigFigs int

	// Registerer, when set, receives a Prometheus mirror of the run metrics.
	Registerer prometheus.Registerer
}

// DefaultEngineConfig returns 1s buckets, an hour of retention and a
// 1µs-1h histogram with 3 significant figures.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// NewEngine creates a metrics engine with the default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a metrics engine and starts its emitter.
func NewEngineWithConfig(config EngineConfig) *Engine {
	defaults := DefaultEngineConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = defaults.BucketInterval
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = defaults.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = defaults.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = defaults.HistogramSigFigs
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		latencyHist:   hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		requestHists:  make(map[string]*hdrhistogram.Histogram),
		checks:        make(map[string]*CheckStats),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		currentPhase:  PhaseInit,
		startTime:     time.Now(),
		emitterCancel: cancel,
		config:        config,
	}

	if config.Registerer != nil {
		e.prom = newPrometheusMirror(config.Registerer)
	}

	e.emitterWg.Add(1)
	go e.runEmitter(ctx)

	return e
}

// Record adds one request sample.
func (e *Engine) Record(s Sample) {
	micros := s.Duration.Microseconds()
	if micros < e.config.HistogramMin {
		micros = e.config.HistogramMin
	}
	if micros > e.config.HistogramMax {
		micros = e.config.HistogramMax
	}

	e.latencyHistMu.Lock()
	_ = e.latencyHist.RecordValue(micros)
	e.latencyHistMu.Unlock()

	if s.Name != "" {
		e.requestHistsMu.Lock()
		hist, ok := e.requestHists[s.Name]
		if !ok {
			hist = hdrhistogram.New(e.config.HistogramMin, e.config.HistogramMax, e.config.HistogramSigFigs)
			e.requestHists[s.Name] = hist
		}
		_ = hist.RecordValue(micros)
		e.requestHistsMu.Unlock()
	}

	failed := s.Failed()

	e.totalRequests.Add(1)
	e.totalBytes.Add(s.Bytes)
	if failed {
		e.failedRequests.Add(1)
	} else {
		e.successRequests.Add(1)
	}
	if s.Err != nil {
		e.transportErrors.Add(1)
	}

	e.bucketStore.RecordRequest(failed)

	if e.prom != nil {
		e.prom.observeRequest(s, failed)
	}
}

// RecordCheck records the outcome of a named check.
func (e *Engine) RecordCheck(name string, passed bool) {
	if passed {
		e.checksPassed.Add(1)
	} else {
		e.checksFailed.Add(1)
	}

	e.checksMu.Lock()
	cs, ok := e.checks[name]
	if !ok {
		cs = &CheckStats{Name: name}
		e.checks[name] = cs
	}
	if passed {
		cs.Passes++
	} else {
		cs.Fails++
	}
	e.checksMu.Unlock()

	if e.prom != nil {
		e.prom.observeCheck(name, passed)
	}
}

// SetPhase marks a phase transition. Repeated calls with the current phase
// are ignored.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}

	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  e.totalRequests.Load(),
	})
}

// GetPhase returns the current phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// GetPhaseHistory returns a copy of the phase transitions so far.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// SetActiveVUs updates the active VU gauge.
func (e *Engine) SetActiveVUs(count int) {
	e.activeVUs.Store(int32(count))
	if e.prom != nil {
		e.prom.vus.Set(float64(count))
	}
}

// GetActiveVUs returns the active VU gauge.
func (e *Engine) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

func (e *Engine) runEmitter(ctx context.Context) {
	defer e.emitterWg.Done()

	ticker := time.NewTicker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emitBucket()
		}
	}
}

func (e *Engine) emitBucket() {
	e.bucketStore.CreateBucket(
		e.totalRequests.Load(),
		e.successRequests.Load(),
		e.failedRequests.Load(),
		e.totalBytes.Load(),
		e.GetLatencyPercentiles(),
		e.GetActiveVUs(),
		e.GetPhase(),
	)
}

// GetLatencyPercentiles returns the overall latency percentiles.
func (e *Engine) GetLatencyPercentiles() LatencyPercentiles {
	e.latencyHistMu.Lock()
	defer e.latencyHistMu.Unlock()

	return LatencyPercentiles{
		Min: micros(e.latencyHist.Min()),
		Max: micros(e.latencyHist.Max()),
		P50: micros(e.latencyHist.ValueAtQuantile(50)),
		P90: micros(e.latencyHist.ValueAtQuantile(90)),
		P95: micros(e.latencyHist.ValueAtQuantile(95)),
		P99: micros(e.latencyHist.ValueAtQuantile(99)),
	}
}

// GetSnapshot returns the aggregated metrics at this instant.
func (e *Engine) GetSnapshot() *Snapshot {
	e.latencyHistMu.Lock()
	latency := latencyStats(e.latencyHist)
	e.latencyHistMu.Unlock()

	elapsed := time.Since(e.startTime)
	total := e.totalRequests.Load()
	failed := e.failedRequests.Load()

	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(total) / elapsed.Seconds()
	}
	steadyRPS, steadyBuckets := e.bucketStore.CalculateSteadyStateRPS()
	if steadyBuckets > 0 {
		rps = steadyRPS
	}

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	passed := e.checksPassed.Load()
	failedChecks := e.checksFailed.Load()
	checkRate := 0.0
	if passed+failedChecks > 0 {
		checkRate = float64(passed) / float64(passed+failedChecks)
	}

	return &Snapshot{
		TotalRequests:   total,
		SuccessRequests: e.successRequests.Load(),
		FailedRequests:  failed,
		TransportErrors: e.transportErrors.Load(),
		TotalBytes:      e.totalBytes.Load(),
		Latency:         latency,
		RPS:             rps,
		SteadyStateRPS:  steadyRPS,
		ErrorRate:       errorRate,
		ChecksPassed:    passed,
		ChecksFailed:    failedChecks,
		CheckRate:       checkRate,
		ActiveVUs:       e.GetActiveVUs(),
		CurrentPhase:    e.GetPhase(),
		Elapsed:         elapsed,
		StartTime:       e.startTime,
		Timestamp:       time.Now(),
	}
}

// GetTimeSeries returns all retained time buckets.
func (e *Engine) GetTimeSeries() []*TimeBucket {
	return e.bucketStore.GetBuckets()
}

// GetRequestStats returns latency statistics per request name.
func (e *Engine) GetRequestStats() map[string]LatencyStats {
	e.requestHistsMu.Lock()
	defer e.requestHistsMu.Unlock()

	result := make(map[string]LatencyStats, len(e.requestHists))
	for name, hist := range e.requestHists {
		result[name] = latencyStats(hist)
	}
	return result
}

// GetCheckStats returns per-check outcome counts sorted by name.
func (e *Engine) GetCheckStats() []CheckStats {
	e.checksMu.Lock()
	result := make([]CheckStats, 0, len(e.checks))
	for _, cs := range e.checks {
		result = append(result, *cs)
	}
	e.checksMu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Stop stops the emitter and closes a final bucket. It is safe to call
// more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()
		e.emitBucket()
	})
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    micros(h.Min()),
		Max:    micros(h.Max()),
		Mean:   time.Duration(h.Mean() * float64(time.Microsecond)),
		StdDev: time.Duration(h.StdDev() * float64(time.Microsecond)),
		P50:    micros(h.ValueAtQuantile(50)),
		P90:    micros(h.ValueAtQuantile(90)),
		P95:    micros(h.ValueAtQuantile(95)),
		P99:    micros(h.ValueAtQuantile(99)),
		Count:  h.TotalCount(),
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}
