// Package config loads the run configuration from the environment.
package config

import (
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/approveload/internal/loadtest"
	"github.com/wesleyorama2/approveload/internal/loadtest/engine"
	"github.com/wesleyorama2/approveload/internal/loadtest/executor"
)

// Environment defaults.
const (
	DefaultBaseURL  = "http://host.docker.internal:8080"
	DefaultVUs      = 60
	DefaultDuration = 60 * time.Second
)

// Config is read once at startup and not modified afterwards.
type Config struct {
	// BaseURL is the target without the /approve path (env BASE_URL).
	BaseURL string `mapstructure:"base_url"`

	// VUs is the peak number of virtual users (env VUS).
	VUs int `mapstructure:"vus"`

	// Duration is the length of the sustain stage (env DURATION).
	Duration time.Duration `mapstructure:"duration"`

	// WarmupCap bounds the first stage target: min(WarmupCap, VUs).
	WarmupCap int `mapstructure:"-"`

	WarmupDuration   time.Duration `mapstructure:"-"`
	RampUpDuration   time.Duration `mapstructure:"-"`
	RampDownDuration time.Duration `mapstructure:"-"`

	// RequestTimeout bounds each request.
	RequestTimeout time.Duration `mapstructure:"-"`

	// Pause is the wait after every iteration of a VU.
	Pause time.Duration `mapstructure:"-"`

	// GracefulStop bounds how long in-flight iterations may run after the schedule ends.
	GracefulStop time.Duration `mapstructure:"-"`

	// FailedRateThreshold is the http_req_failed threshold expression.
	FailedRateThreshold string `mapstructure:"-"`
}

// DefaultConfig returns the standard schedule with the environment defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:             DefaultBaseURL,
		VUs:                 DefaultVUs,
		Duration:            DefaultDuration,
		WarmupCap:           20,
		WarmupDuration:      10 * time.Second,
		RampUpDuration:      20 * time.Second,
		RampDownDuration:    10 * time.Second,
		RequestTimeout:      5 * time.Second,
		Pause:               100 * time.Millisecond,
		GracefulStop:        30 * time.Second,
		FailedRateThreshold: "rate<0.2",
	}
}

// Load reads BASE_URL, VUS and DURATION from the environment.
func Load() (*Config, error) {
	return LoadWithFlags(nil)
}

// LoadWithFlags is Load with optional command-line overrides. Flags named
// base-url, vus and duration take precedence over the environment when set.
func LoadWithFlags(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("vus", DefaultVUs)
	v.SetDefault("duration", DefaultDuration.String())

	if flags != nil {
		for key, name := range map[string]string{"base_url": "base-url", "vus": "vus", "duration": "duration"} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return &ValidationError{Field: "BASE_URL", Value: c.BaseURL, Message: err.Error()}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "BASE_URL", Value: c.BaseURL, Message: "must be an absolute http(s) URL"}
	}
	if c.VUs <= 0 {
		return &ValidationError{Field: "VUS", Value: fmt.Sprint(c.VUs), Message: "must be > 0"}
	}
	if c.VUs > math.MaxInt32 {
		return &ValidationError{Field: "VUS", Value: fmt.Sprint(c.VUs), Message: fmt.Sprintf("must be <= %d", math.MaxInt32)}
	}
	if c.Duration <= 0 {
		return &ValidationError{Field: "DURATION", Value: c.Duration.String(), Message: "must be > 0"}
	}
	if c.RequestTimeout <= 0 {
		return &ValidationError{Field: "RequestTimeout", Value: c.RequestTimeout.String(), Message: "must be > 0"}
	}
	return nil
}

// Stages returns the ramp schedule:
//
//	WarmupDuration   -> min(WarmupCap, VUs)
//	RampUpDuration   -> VUs
//	Duration         -> VUs
//	RampDownDuration -> 0
func (c *Config) Stages() []executor.Stage {
	return []executor.Stage{
		{Duration: c.WarmupDuration, Target: min(c.WarmupCap, c.VUs), Name: "warm-up"},
		{Duration: c.RampUpDuration, Target: c.VUs, Name: "ramp-up"},
		{Duration: c.Duration, Target: c.VUs, Name: "sustain"},
		{Duration: c.RampDownDuration, Target: 0, Name: "ramp-down"},
	}
}

// ExecutorConfig returns the ramping-VUs configuration for the schedule.
func (c *Config) ExecutorConfig() *executor.Config {
	return &executor.Config{
		Name:         "approve",
		Type:         executor.TypeRampingVUs,
		Stages:       c.Stages(),
		GracefulStop: c.GracefulStop,
		Pacing: &executor.PacingConfig{
			Type:     executor.PacingConstant,
			Duration: c.Pause,
		},
	}
}

// HTTPClientConfig sizes the shared client for VUs concurrent requests.
func (c *Config) HTTPClientConfig() loadtest.HTTPClientConfig {
	cfg := loadtest.DefaultHTTPClientConfig()
	cfg.Timeout = c.RequestTimeout
	cfg.MaxIdleConnsPerHost = max(cfg.MaxIdleConnsPerHost, c.VUs)
	return cfg
}

// Thresholds returns the pass/fail criteria for the run.
func (c *Config) Thresholds() engine.Thresholds {
	return engine.Thresholds{HTTPReqFailed: []string{c.FailedRateThreshold}}
}

// ValidationError reports an invalid setting.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}
