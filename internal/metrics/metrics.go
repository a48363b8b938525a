package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	IngestOutcomes      *prometheus.CounterVec
	IngestDuration      prometheus.Histogram
	DeliveryLogFailures *prometheus.CounterVec

	OutboxProcessed *prometheus.CounterVec

	AnomalyActive *prometheus.GaugeVec
	AnomalyChecks prometheus.Counter

	RateLimitBlocks prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailslot_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailslot_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		IngestOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailslot_ingest_outcomes_total",
				Help: "Ingest attempts by outcome",
			},
			[]string{"source", "outcome"},
		),
		IngestDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailslot_ingest_duration_seconds",
				Help:    "Time spent running the ingest pipeline",
				Buckets: prometheus.DefBuckets,
			},
		),
		DeliveryLogFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailslot_delivery_log_write_failures_total",
				Help: "Delivery log writes that failed and were skipped",
			},
			[]string{"operation"},
		),

		OutboxProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailslot_outbox_events_total",
				Help: "Outbox events handled by result",
			},
			[]string{"kind", "result"},
		),

		AnomalyActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailslot_anomaly_active",
				Help: "1 when the anomaly type fired on the last check, by severity",
			},
			[]string{"type", "severity"},
		),
		AnomalyChecks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mailslot_anomaly_checks_total",
				Help: "Number of anomaly checks run",
			},
		),

		RateLimitBlocks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "mailslot_rate_limit_blocks_total",
				Help: "Requests rejected by the per-IP limiter",
			},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveIngest(source, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IngestOutcomes.WithLabelValues(source, outcome).Inc()
	m.IngestDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) DeliveryLogWriteFailed(operation string) {
	if m == nil {
		return
	}
	m.DeliveryLogFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) OutboxHandled(kind, result string) {
	if m == nil {
		return
	}
	m.OutboxProcessed.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitBlocks.Inc()
}

// SetAnomalies resets the anomaly gauges and raises one per active alert.
func (m *Metrics) SetAnomalies(active map[string]string) {
	if m == nil {
		return
	}
	m.AnomalyChecks.Inc()
	m.AnomalyActive.Reset()
	for kind, severity := range active {
		m.AnomalyActive.WithLabelValues(kind, severity).Set(1)
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
