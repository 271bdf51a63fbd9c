// Package metrics exports session progress as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ResearchWriter/internal/events"
)

// Observer turns status events into Prometheus metrics.
//
// Metrics:
//   - researchwriter_phase_transitions_total{from,to}
//   - researchwriter_sessions_aborted_total{phase,class}
//   - researchwriter_sessions_finalized_total
//   - researchwriter_review_rounds_total{outcome}
//   - researchwriter_agent_iterations{role}
//   - researchwriter_agent_incomplete_total{role}
//   - researchwriter_session_elapsed_seconds
type Observer struct {
	transitions  *prometheus.CounterVec
	aborts       *prometheus.CounterVec
	finalized    prometheus.Counter
	rounds       *prometheus.CounterVec
	iterations   *prometheus.HistogramVec
	incomplete   *prometheus.CounterVec
	sessionTimes prometheus.Histogram
}

var _ events.Observer = (*Observer)(nil)

// NewObserver registers the metrics on reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "researchwriter_phase_transitions_total",
			Help: "Phase transitions taken by the state machine",
		}, []string{"from", "to"}),
		aborts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "researchwriter_sessions_aborted_total",
			Help: "Sessions that ended in ABORTED",
		}, []string{"phase", "class"}),
		finalized: f.NewCounter(prometheus.CounterOpts{
			Name: "researchwriter_sessions_finalized_total",
			Help: "Sessions that reached FINALIZE",
		}),
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "researchwriter_review_rounds_total",
			Help: "Peer review rounds by aggregate outcome",
		}, []string{"outcome"}),
		iterations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "researchwriter_agent_iterations",
			Help:    "Provider calls used per agent loop",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}, []string{"role"}),
		incomplete: f.NewCounterVec(prometheus.CounterOpts{
			Name: "researchwriter_agent_incomplete_total",
			Help: "Agent loops that exhausted their iteration budget",
		}, []string{"role"}),
		sessionTimes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "researchwriter_session_elapsed_seconds",
			Help:    "Wall-clock time of finished sessions",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		}),
	}
}

// Observe implements events.Observer.
func (o *Observer) Observe(e events.Event) {
	switch e.Kind {
	case events.KindTransition:
		o.transitions.WithLabelValues(string(e.From), string(e.To)).Inc()
	case events.KindReviewRound:
		o.rounds.WithLabelValues(string(e.Outcome)).Inc()
	case events.KindAgent:
		o.iterations.WithLabelValues(e.Role).Observe(float64(e.Iterations))
		if e.Incomplete {
			o.incomplete.WithLabelValues(e.Role).Inc()
		}
	case events.KindFinalized:
		o.finalized.Inc()
		o.sessionTimes.Observe(e.Elapsed.Seconds())
	case events.KindAborted:
		o.aborts.WithLabelValues(string(e.From), e.ErrorClass).Inc()
		o.sessionTimes.Observe(e.Elapsed.Seconds())
	}
}
