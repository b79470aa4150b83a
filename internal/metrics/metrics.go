package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canteen"

// Ledger holds the order ledger collectors. A nil *Ledger is a valid no-op.
type Ledger struct {
	TokensAllocated   *prometheus.CounterVec
	AllocationRetries *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	Resets            *prometheus.CounterVec
}

func NewLedger(reg prometheus.Registerer) *Ledger {
	m := &Ledger{
		TokensAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "tokens_allocated_total",
			Help:      "Tokens handed out per category.",
		}, []string{"category"}),
		AllocationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "allocation_retries_total",
			Help:      "Allocation attempts retried, by reason.",
		}, []string{"reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "status_transitions_total",
			Help:      "Order status transition attempts.",
		}, []string{"to", "result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "notifications_total",
			Help:      "Ready notifications dispatched.",
		}, []string{"result"}),
		Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "resets_total",
			Help:      "Daily and manual resets.",
		}, []string{"kind", "applied"}),
	}
	reg.MustRegister(m.TokensAllocated, m.AllocationRetries, m.Transitions, m.Notifications, m.Resets)
	return m
}

func (m *Ledger) ObserveAllocation(category string, n int) {
	if m == nil {
		return
	}
	m.TokensAllocated.WithLabelValues(category).Add(float64(n))
}

func (m *Ledger) ObserveRetry(reason string) {
	if m == nil {
		return
	}
	m.AllocationRetries.WithLabelValues(reason).Inc()
}

// ObserveTransition records an attempt; result is "ok" or a short failure kind.
func (m *Ledger) ObserveTransition(to, result string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to, result).Inc()
}

func (m *Ledger) ObserveNotification(err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Ledger) ObserveReset(kind string, applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.Resets.WithLabelValues(kind, label).Inc()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
