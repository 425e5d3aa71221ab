package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors for the sync pipeline and the admin
// HTTP surface.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	pushesSyncedTotal     prometheus.Counter
	pushesFailedTotal     *prometheus.CounterVec
	pushDuration          prometheus.Histogram
	pushInflight          prometheus.Gauge
	retriesScheduledTotal *prometheus.CounterVec
	queueDepth            prometheus.Gauge
	breakerOpen           prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncpipe",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "syncpipe",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		pushesSyncedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "syncpipe",
				Name:      "pushes_synced_total",
				Help:      "Total number of confirmations synced to the ERP.",
			},
		),
		pushesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncpipe",
				Name:      "pushes_failed_total",
				Help:      "Total number of confirmations that ended in failed state.",
			},
			[]string{"reason"},
		),
		pushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "syncpipe",
				Name:      "push_duration_seconds",
				Help:      "ERP push duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		pushInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "syncpipe",
				Name:      "pushes_inflight",
				Help:      "Current number of in-flight ERP pushes.",
			},
		),
		retriesScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syncpipe",
				Name:      "retries_scheduled_total",
				Help:      "Total number of pushes scheduled for retry by error kind.",
			},
			[]string{"error_kind"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "syncpipe",
				Name:      "queue_depth",
				Help:      "Number of pending sync jobs.",
			},
		),
		breakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "syncpipe",
				Name:      "breaker_open",
				Help:      "Whether the circuit breaker is currently open (1) or closed (0).",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.pushesSyncedTotal,
		m.pushesFailedTotal,
		m.pushDuration,
		m.pushInflight,
		m.retriesScheduledTotal,
		m.queueDepth,
		m.breakerOpen,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncPushSynced() {
	if m == nil {
		return
	}
	m.pushesSyncedTotal.Inc()
}

func (m *Metrics) IncPushFailed(reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.pushesFailedTotal.WithLabelValues(reasonLabel).Inc()
}

func (m *Metrics) ObservePushDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.pushDuration.Observe(seconds)
}

func (m *Metrics) IncPushInFlight() {
	if m == nil {
		return
	}
	m.pushInflight.Inc()
}

func (m *Metrics) DecPushInFlight() {
	if m == nil {
		return
	}
	m.pushInflight.Dec()
}

func (m *Metrics) IncRetryScheduled(errorKind string) {
	if m == nil {
		return
	}
	kindLabel := strings.TrimSpace(strings.ToLower(errorKind))
	if kindLabel == "" {
		kindLabel = "unknown"
	}
	m.retriesScheduledTotal.WithLabelValues(kindLabel).Inc()
}

func (m *Metrics) SetQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	m.breakerOpen.Set(value)
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}
