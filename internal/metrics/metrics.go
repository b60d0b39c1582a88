// Package metrics exposes Prometheus counters for the session, realtime and contacts layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message sources for MessagesTotal.
const (
	SourceLive    = "live"
	SourceHistory = "history"
)

// Metrics holds the collectors registered on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	refresh           *prometheus.CounterVec
	logouts           prometheus.Counter
	reconnects        prometheus.Counter
	backfillFailures  prometheus.Counter
	messages          *prometheus.CounterVec
	connected         prometheus.Gauge
	contactsMutations *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tm_session_refresh_total",
			Help: "Access token refresh attempts by result.",
		}, []string{"result"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tm_session_logouts_total",
			Help: "Logouts, explicit or forced by a failed refresh.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tm_realtime_reconnects_total",
			Help: "Realtime reconnect attempts after a transport fault.",
		}),
		backfillFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tm_realtime_backfill_failures_total",
			Help: "History fetches that failed and were skipped.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tm_realtime_messages_total",
			Help: "Messages inserted into the timeline by source.",
		}, []string{"source"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tm_realtime_connected",
			Help: "1 while the realtime subscription is active.",
		}),
		contactsMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tm_contacts_mutations_total",
			Help: "Contact mutations by operation and result.",
		}, []string{"op", "result"}),
	}
	m.reg.MustRegister(m.refresh, m.logouts, m.reconnects, m.backfillFailures,
		m.messages, m.connected, m.contactsMutations)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (m *Metrics) Refresh(ok bool) {
	if m == nil {
		return
	}
	m.refresh.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Logout() {
	if m == nil {
		return
	}
	m.logouts.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) BackfillFailure() {
	if m == nil {
		return
	}
	m.backfillFailures.Inc()
}

func (m *Metrics) Messages(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messages.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) ContactMutation(op string, ok bool) {
	if m == nil {
		return
	}
	m.contactsMutations.WithLabelValues(op, result(ok)).Inc()
}
