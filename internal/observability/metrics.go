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

const metricsNamespace = "hospital_bulk"

// Metrics stores Prometheus collectors used by the API and batch passes.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	rowsTotal                *prometheus.CounterVec
	createCallDuration       *prometheus.HistogramVec
	passesStartedTotal       *prometheus.CounterVec
	passesInflight           *prometheus.GaugeVec
	activationsTotal         *prometheus.CounterVec
	subscribers              prometheus.Gauge
	subscriberEvictionsTotal prometheus.Counter
	relayDroppedTotal        prometheus.Counter
	batchesEvictedTotal      prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		rowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rows_total",
				Help:      "Rows processed grouped by pass kind and resulting row status.",
			},
			[]string{"pass", "status"},
		),
		createCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "create_call_duration_seconds",
				Help:      "Hospital create call duration in seconds grouped by row status.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"status"},
		),
		passesStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "passes_started_total",
				Help:      "Processing passes started grouped by pass kind.",
			},
			[]string{"pass"},
		),
		passesInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "passes_inflight",
				Help:      "Processing passes currently running grouped by pass kind.",
			},
			[]string{"pass"},
		),
		activationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "activations_total",
				Help:      "Batch activation attempts grouped by result.",
			},
			[]string{"result"},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "event_subscribers",
				Help:      "Live event stream subscribers across all batches.",
			},
		),
		subscriberEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "event_subscriber_evictions_total",
				Help:      "Subscribers dropped because their buffer was full.",
			},
		),
		relayDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "event_relay_dropped_total",
				Help:      "Events not mirrored to the message broker.",
			},
		),
		batchesEvictedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batches_evicted_total",
				Help:      "Completed batches removed by the retention janitor.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.rowsTotal,
		m.createCallDuration,
		m.passesStartedTotal,
		m.passesInflight,
		m.activationsTotal,
		m.subscribers,
		m.subscriberEvictionsTotal,
		m.relayDroppedTotal,
		m.batchesEvictedTotal,
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

func (m *Metrics) IncRow(pass string, status string) {
	if m == nil {
		return
	}
	m.rowsTotal.WithLabelValues(normalizeLabel(pass), normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveCreateCall(status string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.createCallDuration.WithLabelValues(normalizeLabel(status)).Observe(seconds)
}

func (m *Metrics) IncPassStarted(pass string) {
	if m == nil {
		return
	}
	m.passesStartedTotal.WithLabelValues(normalizeLabel(pass)).Inc()
}

func (m *Metrics) IncPassInFlight(pass string) {
	if m == nil {
		return
	}
	m.passesInflight.WithLabelValues(normalizeLabel(pass)).Inc()
}

func (m *Metrics) DecPassInFlight(pass string) {
	if m == nil {
		return
	}
	m.passesInflight.WithLabelValues(normalizeLabel(pass)).Dec()
}

func (m *Metrics) IncActivation(success bool) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "success"
	}
	m.activationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSubscribers() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) DecSubscribers() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) IncSubscriberEvicted() {
	if m == nil {
		return
	}
	m.subscriberEvictionsTotal.Inc()
}

func (m *Metrics) IncRelayDropped() {
	if m == nil {
		return
	}
	m.relayDroppedTotal.Inc()
}

func (m *Metrics) AddBatchesEvicted(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchesEvictedTotal.Add(float64(count))
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

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
