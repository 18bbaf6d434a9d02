// Package executor turns a stage schedule into running virtual users.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/wesleyorama2/approveload/internal/loadtest"
	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

// Type identifies an executor implementation.
type Type string

// TypeRampingVUs ramps the VU count between stage targets.
const TypeRampingVUs Type = "ramping-vus"

// Executor controls how many VUs run and for how long.
type Executor interface {
	Type() Type

	// Init validates and stores the configuration. Called once before Run.
	Init(ctx context.Context, config *Config) error

	// Run blocks until the schedule completes or ctx is cancelled.
	Run(ctx context.Context, scheduler *loadtest.VUScheduler, metrics *metrics.Engine) error

	// GetProgress returns the elapsed share of the schedule (0.0 to 1.0).
	GetProgress() float64

	GetActiveVUs() int
	GetStats() *Stats

	// Stop ends the run early, letting VUs finish their current iteration.
	Stop(ctx context.Context) error
}

// Config configures an executor.
type Config struct {
	Name string `json:"name" yaml:"name"`
	Type Type   `json:"type" yaml:"type"`

	Stages []Stage `json:"stages" yaml:"stages"`

	// GracefulStop bounds how long VUs may take to finish their iteration
	// once the schedule ends (default: 30s).
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Pacing is the wait a VU observes after each iteration.
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`
}

// Stage is one segment of the schedule. The VU count moves linearly from
// the previous stage's target (0 for the first stage) to Target.
type Stage struct {
	Duration time.Duration `json:"duration" yaml:"duration"`
	Target   int           `json:"target" yaml:"target"`
	Name     string        `json:"name,omitempty" yaml:"name,omitempty"`
}

// PacingType selects how the wait between iterations is computed.
type PacingType string

const (
	PacingNone     PacingType = "none"
	PacingConstant PacingType = "constant"
	PacingRandom   PacingType = "random"
)

// PacingConfig controls the wait between iterations of one VU.
type PacingConfig struct {
	Type     PacingType    `json:"type" yaml:"type"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Min      time.Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max      time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// Stats is a live view of executor progress.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	// PeakVUs is the highest number of VUs running at the same time.
	PeakVUs int `json:"peakVUs"`

	Iterations int64 `json:"iterations"`

	// CurrentStage is 0-based.
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}
	if c.Type != TypeRampingVUs {
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}
	if len(c.Stages) == 0 {
		return &ValidationError{Field: "stages", Message: "at least one stage is required"}
	}
	for i, stage := range c.Stages {
		if stage.Duration <= 0 {
			return &ValidationError{Field: fmt.Sprintf("stages[%d].duration", i), Message: "duration must be > 0"}
		}
		if stage.Target < 0 {
			return &ValidationError{Field: fmt.Sprintf("stages[%d].target", i), Message: "target must be >= 0"}
		}
	}
	if p := c.Pacing; p != nil {
		switch p.Type {
		case PacingNone, "":
		case PacingConstant:
			if p.Duration < 0 {
				return &ValidationError{Field: "pacing.duration", Message: "duration must be >= 0"}
			}
		case PacingRandom:
			if p.Min < 0 || p.Max < p.Min {
				return &ValidationError{Field: "pacing", Message: "random pacing requires 0 <= min <= max"}
			}
		default:
			return &ValidationError{Field: "pacing.type", Message: "unknown pacing type: " + string(p.Type)}
		}
	}
	return nil
}

// TotalDuration is the sum of all stage durations.
func (c *Config) TotalDuration() time.Duration {
	var total time.Duration
	for _, stage := range c.Stages {
		total += stage.Duration
	}
	return total
}

// MaxTarget is the highest stage target.
func (c *Config) MaxTarget() int {
	peak := 0
	for _, stage := range c.Stages {
		if stage.Target > peak {
			peak = stage.Target
		}
	}
	return peak
}

// TargetAt returns the interpolated VU target and the 0-based stage index
// at the given offset from the start of the schedule. Past the last stage
// it returns the last target.
func (c *Config) TargetAt(elapsed time.Duration) (target, stage int) {
	var stageStart time.Duration
	prevTarget := 0

	for i, s := range c.Stages {
		stageEnd := stageStart + s.Duration
		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(s.Duration)
			if progress < 0 {
				progress = 0
			}
			vus := float64(prevTarget) + float64(s.Target-prevTarget)*progress
			return int(vus + 0.5), i
		}
		prevTarget = s.Target
		stageStart = stageEnd
	}

	if len(c.Stages) == 0 {
		return 0, 0
	}
	return c.Stages[len(c.Stages)-1].Target, len(c.Stages) - 1
}

// ValidationError reports an invalid executor configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
