package loadtest

import (
	"crypto/tls"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/approveload/internal/loadtest/metrics"
)

// HTTPClientConfig configures the client shared by all virtual users.
type HTTPClientConfig struct {
	// Timeout bounds each request, including reading the body.
	Timeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DisableKeepAlives   bool
	InsecureSkipVerify  bool
}

// DefaultHTTPClientConfig returns pooling defaults suited to load generation.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewHTTPClient builds a pooled client from the configuration.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test targets
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}

// VUScheduler creates virtual users for a scenario and tracks them until
// the run ends. All VUs share one HTTP client.
type VUScheduler struct {
	scenario *Scenario
	metrics  *metrics.Engine
	client   *http.Client
	logger   *zap.Logger

	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	nextVUID atomic.Int32
}

// NewVUScheduler creates a scheduler for the scenario.
func NewVUScheduler(scenario *Scenario, metricsEngine *metrics.Engine, httpConfig HTTPClientConfig, logger *zap.Logger) *VUScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VUScheduler{
		scenario: scenario,
		metrics:  metricsEngine,
		client:   NewHTTPClient(httpConfig),
		logger:   logger,
		vus:      make(map[int]*VirtualUser),
	}
}

// SpawnVU registers a new idle VU with the next free id. The caller runs it.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	id := int(s.nextVUID.Add(1))
	vu := NewVirtualUser(id, s.scenario, s.client, s.metrics, s.logger)

	s.vusMu.Lock()
	s.vus[id] = vu
	s.vusMu.Unlock()

	return vu
}

// GetVU returns a VU by id, or nil.
func (s *VUScheduler) GetVU(id int) *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.vus[id]
}

// GetActiveVUCount returns the number of VUs that have not fully stopped.
func (s *VUScheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			count++
		}
	}
	return count
}

// SpawnedVUs returns how many VUs were created over the scheduler's lifetime.
func (s *VUScheduler) SpawnedVUs() int {
	return int(s.nextVUID.Load())
}

// StopAllVUs asks every VU to stop after its current iteration.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// WaitForAllVUs waits until every VU stopped or the timeout elapsed, and
// returns how many were still running.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	s.vusMu.RLock()
	vus := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		vus = append(vus, vu)
	}
	s.vusMu.RUnlock()

	notStopped := 0
	for _, vu := range vus {
		remaining := time.Until(deadline)
		if remaining <= 0 || !vu.WaitForStop(remaining) {
			notStopped++
		}
	}
	return notStopped
}

// Shutdown stops all VUs, waits up to timeout, then releases idle connections.
func (s *VUScheduler) Shutdown(timeout time.Duration) {
	s.StopAllVUs()
	if left := s.WaitForAllVUs(timeout); left > 0 {
		s.logger.Warn("virtual users still running after graceful stop", zap.Int("count", left))
	}
	s.client.CloseIdleConnections()
}
