package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// prometheusMirror exposes the run metrics on a Prometheus registry so a
// long run can be scraped while it is in progress.
type prometheusMirror struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	checks   *prometheus.CounterVec
	vus      prometheus.Gauge
}

func newPrometheusMirror(reg prometheus.Registerer) *prometheusMirror {
	return &prometheusMirror{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approveload_http_reqs_total",
			Help: "Requests sent, split by whether the response was an expected one.",
		}, []string{"name", "expected"}),

		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approveload_http_req_duration_seconds",
			Help:    "Request latency as observed by virtual users.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"name", "status"}),

		checks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "approveload_checks_total",
			Help: "Check outcomes per check name.",
		}, []string{"check", "result"}),

		vus: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "approveload_vus",
			Help: "Currently scheduled virtual users.",
		}),
	}
}

func (m *prometheusMirror) observeRequest(s Sample, failed bool) {
	status := "error"
	if s.Err == nil {
		status = strconv.Itoa(s.StatusCode)
	}
	m.requests.WithLabelValues(s.Name, strconv.FormatBool(!failed)).Inc()
	m.duration.WithLabelValues(s.Name, status).Observe(s.Duration.Seconds())
}

func (m *prometheusMirror) observeCheck(name string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	m.checks.WithLabelValues(name, result).Inc()
}
