package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.trai.ch/tally/internal/core/domain"
	"go.trai.ch/tally/internal/core/ports"
)

const namespace = "tally"

// Metrics implements ports.Metrics with Prometheus collectors on a private
// registry. It serves the registry over HTTP.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	remote   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	toggles  *prometheus.CounterVec
	heals    *prometheus.CounterVec
	events   *prometheus.CounterVec
	degraded prometheus.Counter
}

var _ ports.Metrics = (*Metrics)(nil)

// NewMetrics registers the tally collectors on a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		remote: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_outcomes_total",
			Help:      "Settled remote calls by operation, status and error kind.",
		}, []string{"op", "status", "kind"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_latency_seconds",
			Help:      "Time until a remote call settled or timed out.",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 1.5, 3, 4, 8},
		}, []string{"op"}),
		toggles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "toggle_total",
			Help:      "Toggle attempts by result and error kind.",
		}, []string{"result", "kind"}),
		heals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heal_attempts_total",
			Help:      "Credential refreshes triggered by permission failures.",
		}, []string{"result"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_events_total",
			Help:      "Realtime events by change type and reconciler action.",
		}, []string{"type", "action"}),
		degraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_degraded_total",
			Help:      "Realtime subscriptions that failed and fell back to polling.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ServeHTTP serves the registry in the Prometheus exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.handler.ServeHTTP(w, r)
}

// ObserveRemote records a settled remote call.
func (m *Metrics) ObserveRemote(op string, status domain.OutcomeStatus, kind domain.ErrorKind, elapsed time.Duration) {
	m.remote.WithLabelValues(op, status.String(), kind.String()).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveToggle records a toggle result.
func (m *Metrics) ObserveToggle(result string, kind domain.ErrorKind) {
	m.toggles.WithLabelValues(result, kind.String()).Inc()
}

// ObserveHeal records a heal attempt.
func (m *Metrics) ObserveHeal(result string) {
	m.heals.WithLabelValues(result).Inc()
}

// ObserveEvent records a reconciler decision.
func (m *Metrics) ObserveEvent(changeType domain.ChangeType, action string) {
	m.events.WithLabelValues(string(changeType), action).Inc()
}

// ObserveDegraded records a failed subscription. Topics are not used as labels
// to keep cardinality bounded.
func (m *Metrics) ObserveDegraded(_ string) {
	m.degraded.Inc()
}
