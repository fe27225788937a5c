// Package metrics exposes Prometheus collectors for attendance, rate
// observation, signaling, and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"rollcall/cmd/internal/attendance"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rollcall"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	sessionsIssued prometheus.Counter
	redemptions    *prometheus.CounterVec
	manualMarks    *prometheus.CounterVec

	burstsFlagged        prometheus.Counter
	reviewPublishErrors  prometheus.Counter
	signalMessages       *prometheus.CounterVec
	signalDeliveries     *prometheus.CounterVec
	presenceConnections  prometheus.Gauge
	httpRequestDurations *prometheus.HistogramVec
}

// New registers every collector plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		sessionsIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_issued_total",
			Help:      "Attendance sessions issued.",
		}),
		redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome.",
		}, []string{"outcome"}),
		manualMarks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_marks_total",
			Help:      "Manual attendance overrides by status.",
		}, []string{"status"}),
		burstsFlagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_bursts_flagged_total",
			Help:      "Redemption bursts flagged for review.",
		}),
		reviewPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_publish_errors_total",
			Help:      "Failures publishing review flags to the monitoring sink.",
		}),
		signalMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_messages_total",
			Help:      "Signaling messages routed, by kind and whether any connection received them.",
		}, []string{"kind", "result"}),
		signalDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_deliveries_total",
			Help:      "Per-connection signaling deliveries, by kind.",
		}, []string{"kind"}),
		presenceConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_connections",
			Help:      "Live signaling connections.",
		}),
		httpRequestDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and status class.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "status_class"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) SessionIssued() { m.sessionsIssued.Inc() }

func (m *Metrics) Redeemed(outcome attendance.Outcome) {
	m.redemptions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) ManualMarked(status attendance.Status) {
	m.manualMarks.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) BurstFlagged() { m.burstsFlagged.Inc() }

func (m *Metrics) ReviewPublishFailed() { m.reviewPublishErrors.Inc() }

// Routed records one relay operation that reached deliveries connections.
func (m *Metrics) Routed(kind string, deliveries int) {
	result := "delivered"
	if deliveries == 0 {
		result = "dropped"
	}
	m.signalMessages.WithLabelValues(kind, result).Inc()
	if deliveries > 0 {
		m.signalDeliveries.WithLabelValues(kind).Add(float64(deliveries))
	}
}

func (m *Metrics) ConnectionOpened() { m.presenceConnections.Inc() }

func (m *Metrics) ConnectionClosed() { m.presenceConnections.Dec() }

// ObserveHTTP records one completed request.
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	m.httpRequestDurations.WithLabelValues(method, strconv.Itoa(status/100)+"xx").Observe(d.Seconds())
}
