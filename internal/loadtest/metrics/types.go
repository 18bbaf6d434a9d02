package metrics

import "time"

// Phase labels the ramp segment a sample was taken in.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDone     Phase = "done"
)

// Sample is one completed HTTP request as seen by a virtual user.
type Sample struct {
	// Name groups samples for the per-request latency breakdown.
	Name string

	Duration   time.Duration
	StatusCode int
	Bytes      int64

	// Err is set when no response was received (timeout, refused, reset).
	Err error
}

// Failed reports whether the sample counts toward http_req_failed.
//
// A request fails when the transport failed or the status is outside
// 200-399, which is the expected-response rule load tools default to.
// A 500 therefore passes the "status is 200/500" check but still counts
// as a failed request.
func (s Sample) Failed() bool {
	if s.Err != nil {
		return true
	}
	return s.StatusCode < 200 || s.StatusCode >= 400
}

// Snapshot is a point-in-time view of the aggregated run metrics.
type Snapshot struct {
	TotalRequests   int64 `json:"totalRequests" yaml:"totalRequests"`
	SuccessRequests int64 `json:"successRequests" yaml:"successRequests"`
	FailedRequests  int64 `json:"failedRequests" yaml:"failedRequests"`

	// TransportErrors is the subset of FailedRequests that never got a response.
	TransportErrors int64 `json:"transportErrors" yaml:"transportErrors"`

	TotalBytes int64        `json:"totalBytes" yaml:"totalBytes"`
	Latency    LatencyStats `json:"latency" yaml:"latency"`

	RPS            float64 `json:"rps" yaml:"rps"`
	SteadyStateRPS float64 `json:"steadyStateRps" yaml:"steadyStateRps"`

	// ErrorRate is FailedRequests / TotalRequests (the http_req_failed rate).
	ErrorRate float64 `json:"errorRate" yaml:"errorRate"`

	ChecksPassed int64   `json:"checksPassed" yaml:"checksPassed"`
	ChecksFailed int64   `json:"checksFailed" yaml:"checksFailed"`
	CheckRate    float64 `json:"checkRate" yaml:"checkRate"`

	ActiveVUs    int           `json:"activeVUs" yaml:"activeVUs"`
	CurrentPhase Phase         `json:"currentPhase" yaml:"currentPhase"`
	Elapsed      time.Duration `json:"elapsed" yaml:"elapsed"`
	StartTime    time.Time     `json:"startTime" yaml:"startTime"`
	Timestamp    time.Time     `json:"timestamp" yaml:"timestamp"`
}

// LatencyStats summarizes a latency histogram.
type LatencyStats struct {
	Min    time.Duration `json:"min" yaml:"min"`
	Max    time.Duration `json:"max" yaml:"max"`
	Mean   time.Duration `json:"mean" yaml:"mean"`
	StdDev time.Duration `json:"stdDev" yaml:"stdDev"`
	P50    time.Duration `json:"p50" yaml:"p50"`
	P90    time.Duration `json:"p90" yaml:"p90"`
	P95    time.Duration `json:"p95" yaml:"p95"`
	P99    time.Duration `json:"p99" yaml:"p99"`
	Count  int64         `json:"count" yaml:"count"`
}

// LatencyPercentiles is the subset of LatencyStats stored in time buckets.
type LatencyPercentiles struct {
	Min time.Duration
	Max time.Duration
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// CheckStats counts the outcomes of one named check.
type CheckStats struct {
	Name   string `json:"name" yaml:"name"`
	Passes int64  `json:"passes" yaml:"passes"`
	Fails  int64  `json:"fails" yaml:"fails"`
}

// TimeBucket holds the metrics for one emitter interval.
//
// Totals are cumulative since the run started; Interval fields cover only
// the bucket's own interval.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	TotalRequests  int64 `json:"totalRequests" yaml:"totalRequests"`
	TotalSuccesses int64 `json:"totalSuccesses" yaml:"totalSuccesses"`
	TotalFailures  int64 `json:"totalFailures" yaml:"totalFailures"`
	TotalBytes     int64 `json:"totalBytes" yaml:"totalBytes"`

	IntervalRequests  int64   `json:"intervalRequests" yaml:"intervalRequests"`
	IntervalRPS       float64 `json:"intervalRPS" yaml:"intervalRPS"`
	IntervalErrorRate float64 `json:"intervalErrorRate" yaml:"intervalErrorRate"`

	LatencyP50 time.Duration `json:"latencyP50" yaml:"latencyP50"`
	LatencyP95 time.Duration `json:"latencyP95" yaml:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99" yaml:"latencyP99"`

	ActiveVUs int   `json:"activeVUs" yaml:"activeVUs"`
	Phase     Phase `json:"phase" yaml:"phase"`
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase
	Timestamp time.Time
	Requests  int64
}
