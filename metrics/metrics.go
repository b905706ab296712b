// Package metrics registers the prometheus collectors the coordinator
// and step machine update as a run progresses. No pull/push HTTP
// service is exposed here; an embedding process can serve the default
// registry however it likes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RoundsStarted counts RoundTrain snapshots observed by a node's
	// controller, which records them under an empty run_id label.
	RoundsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psyche_coordinator_rounds_started_total",
			Help: "Number of rounds that entered RoundTrain.",
		},
		[]string{"run_id"},
	)

	// WitnessesAccepted counts witness() calls that were accepted.
	WitnessesAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psyche_coordinator_witnesses_accepted_total",
			Help: "Number of Witness submissions accepted by the coordinator.",
		},
		[]string{"run_id"},
	)

	// WitnessQuorumAdvances counts early RoundTrain->RoundWitness advances
	// triggered by reaching witness_quorum before max_round_train_time.
	WitnessQuorumAdvances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psyche_coordinator_witness_quorum_advances_total",
			Help: "Number of rounds that advanced to RoundWitness on quorum rather than timeout.",
		},
		[]string{"run_id"},
	)

	// ClientsDropped counts clients marked Dropped after a health-check
	// quorum flagged them.
	ClientsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psyche_coordinator_clients_dropped_total",
			Help: "Number of clients marked Dropped.",
		},
		[]string{"run_id"},
	)

	// EpochsAbandoned counts WaitingForMembers transitions that abandon an
	// epoch: healthy_clients falling below min_clients mid-epoch, or a
	// Resume out of Paused.
	EpochsAbandoned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psyche_coordinator_epochs_abandoned_total",
			Help: "Number of epochs abandoned back to WaitingForMembers.",
		},
		[]string{"run_id"},
	)

	// BatchesWithoutConsensus counts batches the consensus selector
	// dropped for failing to reach witness_quorum.
	BatchesWithoutConsensus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psyche_coordinator_batches_without_consensus_total",
			Help: "Number of batches dropped by the consensus selector for lacking quorum.",
		},
		[]string{"run_id"},
	)

	// ApplyDuration observes the wall-clock time of one round's apply task.
	ApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "psyche_coordinator_apply_duration_seconds",
			Help:    "Wall-clock duration of a round's apply task.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"run_id"},
	)
)

// collectors lists every metric this package owns.
var collectors = []prometheus.Collector{
	RoundsStarted,
	WitnessesAccepted,
	WitnessQuorumAdvances,
	ClientsDropped,
	EpochsAbandoned,
	BatchesWithoutConsensus,
	ApplyDuration,
}

var registered = false

// MustRegister registers every collector in this package with the
// default prometheus registry. Safe to call more than once; subsequent
// calls are a no-op.
func MustRegister() {
	if registered {
		return
	}
	for _, c := range collectors {
		prometheus.MustRegister(c)
	}
	registered = true
}
