// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Event pipeline
	EventsPushed  prometheus.Counter
	EventsDropped prometheus.Counter
	HashFailures  prometheus.Counter

	// Control channel
	Requests *prometheus.CounterVec

	// HTTP API
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Detection
	RuleMatches *prometheus.CounterVec
}

// New creates the metrics on a dedicated registry that also carries the Go
// runtime and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		EventsPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "procmon_events_pushed_total",
			Help: "Process lifecycle events pushed into the event buffer",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "procmon_events_dropped_total",
			Help: "Buffered events overwritten before they were read",
		}),
		HashFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "procmon_hash_failures_total",
			Help: "Files that could not be hashed",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "procmon_requests_total",
			Help: "Control channel requests by code and result",
		}, []string{"code", "result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "procmon_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procmon_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "path"}),
		RuleMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "procmon_rule_matches_total",
			Help: "Detection rule matches by rule title",
		}, []string{"rule"}),
	}
}

// ObservePush records one buffer push
func (m *Metrics) ObservePush(overwrote bool) {
	if m == nil {
		return
	}
	m.EventsPushed.Inc()
	if overwrote {
		m.EventsDropped.Inc()
	}
}

// ObserveHashFailure records a file that could not be hashed
func (m *Metrics) ObserveHashFailure() {
	if m == nil {
		return
	}
	m.HashFailures.Inc()
}

// ObserveRequest records one control channel request outcome
func (m *Metrics) ObserveRequest(code, result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(code, result).Inc()
}

// ObserveRuleMatch records a detection rule hit
func (m *Metrics) ObserveRuleMatch(rule string) {
	if m == nil {
		return
	}
	m.RuleMatches.WithLabelValues(rule).Inc()
}

// TrackBuffered exports the current buffer occupancy through f
func (m *Metrics) TrackBuffered(f func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.Registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "procmon_events_buffered",
		Help: "Events currently held in the event buffer",
	}, f)
}

// Middleware creates a Gin middleware for HTTP metrics collection
func Middleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		if m == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequests.WithLabelValues(method, path, status).Inc()
		m.HTTPDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
