package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the risk gate.
type Metrics struct {
	Evaluations        *prometheus.CounterVec
	Attempts           *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	SignalLatency      *prometheus.HistogramVec
}

// New registers the gate metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_evaluations_total",
			Help: "Gate evaluations by risk tier and reason",
		}, []string{"tier", "reason"}),

		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_verification_attempts_total",
			Help: "Recorded verification attempts by method and outcome",
		}, []string{"method", "outcome"}), // outcome: "success", "failure", "rejected"

		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_session_transitions_total",
			Help: "Verification session lifecycle events by resulting state",
		}, []string{"state"}),

		SignalLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskgate_signal_fetch_duration_seconds",
			Help:    "Duration of risk signal fetches by result",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"result"}), // result: "ok", "error"
	}
}

func (m *Metrics) IncEvaluation(tier, reason string) {
	if m != nil {
		m.Evaluations.WithLabelValues(tier, reason).Inc()
	}
}

func (m *Metrics) IncAttempt(method, outcome string) {
	if m != nil {
		m.Attempts.WithLabelValues(method, outcome).Inc()
	}
}

func (m *Metrics) IncTransition(state string) {
	if m != nil {
		m.SessionTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) ObserveSignalLatency(result string, d time.Duration) {
	if m != nil {
		m.SignalLatency.WithLabelValues(result).Observe(d.Seconds())
	}
}
