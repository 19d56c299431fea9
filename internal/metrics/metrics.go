package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voice-gateway/internal/calls"
)

const namespace = "voice_gateway"

// Sources report live gauge values at scrape time. Any source may be nil.
type Sources struct {
	ActiveCalls          func() int
	SignalingConnections func() int
	ActiveSessions       func() int
	// OpenSockets counts upgraded WebSockets, joined to a call or not.
	OpenSockets func() int
	SIPLegs     func() int
}

// Metrics records call outcomes as they happen and exposes live counts through a
// scrape-time collector. Recording never fails and never blocks callers.
type Metrics struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	errorsTotal  *prometheus.CounterVec
	gauges       *Collector
}

func New(reg prometheus.Registerer, src Sources) (*Metrics, error) {
	m := &Metrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls that reached a terminal status",
		}, []string{"direction", "status"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of ended calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"direction"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to callers, by type",
		}, []string{"error_type"}),
		gauges: NewCollector(src),
	}

	for _, c := range []prometheus.Collector{m.callsTotal, m.callDuration, m.errorsTotal, m.gauges} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

// ObserveCall is a calls.Observer.
func (m *Metrics) ObserveCall(n calls.Notification) {
	if n.Kind != calls.KindEnded {
		return
	}
	dir := string(n.Call.Direction)
	m.callsTotal.WithLabelValues(dir, string(n.Call.Status)).Inc()
	m.callDuration.WithLabelValues(dir).Observe(float64(n.Call.DurationSeconds))
}

// Error counts one error of the given type, e.g. "persistence" or "not_found".
func (m *Metrics) Error(errorType string) {
	m.errorsTotal.WithLabelValues(errorType).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
