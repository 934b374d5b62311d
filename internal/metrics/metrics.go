// Package metrics exposes Prometheus collectors for the federated
// split-learning simulation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palisade_rounds_total",
		Help: "The total number of completed federated rounds",
	})

	ClientStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_client_steps_total",
		Help: "Total local optimizer steps per client",
	}, []string{"client"})

	ClientFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_client_failures_total",
		Help: "Total abandoned client rounds",
	}, []string{"client"})

	TrainingLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "palisade_training_loss",
		Help: "Most recent task loss per client",
	}, []string{"client"})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "palisade_step_duration_seconds",
		Help:    "Duration of a single local train step",
		Buckets: prometheus.DefBuckets,
	})

	BoundaryNoiseMagnitude = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "palisade_boundary_noise_magnitude",
		Help:    "Mean absolute perturbation applied at the bottom-trunk boundary",
		Buckets: []float64{0, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	AttackScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "palisade_attack_score",
		Help: "Most recent reconstruction similarity score per client and boundary",
	}, []string{"client", "boundary"})

	AttacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "palisade_attacks_total",
		Help: "Total attack evaluations per boundary",
	}, []string{"boundary"})

	IntermediatesExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "palisade_intermediates_exported_total",
		Help: "Total boundary intermediates written to Arrow exports",
	})
)

// RecordStep records one local training step.
func RecordStep(clientID string, loss float64, duration time.Duration) {
	ClientStepsTotal.WithLabelValues(clientID).Inc()
	TrainingLoss.WithLabelValues(clientID).Set(loss)
	StepDuration.Observe(duration.Seconds())
}

// RecordAttack records one attack evaluation.
func RecordAttack(clientID, boundary string, score float64) {
	AttacksTotal.WithLabelValues(boundary).Inc()
	AttackScore.WithLabelValues(clientID, boundary).Set(score)
}

// RecordClientFailure records an abandoned client round.
func RecordClientFailure(clientID string) {
	ClientFailuresTotal.WithLabelValues(clientID).Inc()
}
