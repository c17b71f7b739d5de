// Package metrics defines the Prometheus collectors exported by the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "companion"

// Compaction results.
const (
	CompactionOK     = "ok"
	CompactionFailed = "failed"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	turns              *prometheus.CounterVec
	compactions        *prometheus.CounterVec
	generationFailures *prometheus.CounterVec
	reminders          *prometheus.CounterVec
	loadedTenants      prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	m.reg = reg
	return m
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_appended_total",
			Help:      "Turns appended to sessions, by role.",
		}, []string{"role"}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compaction attempts, by result.",
		}, []string{"result"}),
		generationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Failed generation calls, by reason.",
		}, []string{"reason"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_sent_total",
			Help:      "Visit reminders delivered, by kind.",
		}, []string{"kind"}),
		loadedTenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_tenants",
			Help:      "Tenant arenas currently held in memory.",
		}),
	}
	reg.MustRegister(m.turns, m.compactions, m.generationFailures, m.reminders, m.loadedTenants)
	return m
}

func (m *Metrics) TurnAppended(role string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(role).Inc()
}

func (m *Metrics) Compaction(result string) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(result).Inc()
}

func (m *Metrics) GenerationFailed(reason string) {
	if m == nil {
		return
	}
	m.generationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReminderSent(kind string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetLoadedTenants(n int) {
	if m == nil {
		return
	}
	m.loadedTenants.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
