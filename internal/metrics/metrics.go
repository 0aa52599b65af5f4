// Package metrics declares the prometheus collectors shared by the sampler,
// the solver and the search driver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nasfront"

var (
	// Proposals counts proposals by sampler and mode (explore or exploit).
	Proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proposals_total",
		Help:      "Proposals handed out by sampler and mode",
	}, []string{"sampler", "mode"})

	// DuplicateRetries counts candidates discarded because they were already
	// visited.
	DuplicateRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_retries_total",
		Help:      "Candidates redrawn because they were already visited",
	}, []string{"sampler"})

	Exhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_space_exhausted_total",
		Help:      "Proposals abandoned after the retry limit",
	}, []string{"sampler"})

	ResultsTold = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "results_told_total",
		Help:      "Evaluated configurations reported to a sampler",
	}, []string{"sampler"})

	PopulationSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "population_size",
		Help:      "Current population size per sampler",
	}, []string{"sampler"})

	// SolverOutcomes counts channel constraint solves by outcome (solved,
	// coerced, rejected).
	SolverOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "constraint_solves_total",
		Help:      "Output channel constraint solves by outcome",
	}, []string{"outcome"})

	NodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_instantiation_failures_total",
		Help:      "Search space nodes that failed to instantiate, by module kind",
	}, []string{"kind"})

	// Evaluations counts candidate evaluations by status (ok, build_error,
	// eval_error, filtered).
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_total",
		Help:      "Candidate evaluations by status",
	}, []string{"status"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_duration_seconds",
		Help:      "Wall time of one candidate evaluation",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
