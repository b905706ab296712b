// Package assignment implements data assignment: mapping a round's
// contiguous batch-id range to Trainer-role clients via a deterministic
// shuffle, exposed as a sorted interval tree.
package assignment

import (
	"sort"

	"github.com/oasislabs/psyche-coordinator/go/common/identity"
	"github.com/oasislabs/psyche-coordinator/go/common/prng"
)

// BatchID identifies one training batch within a round.
type BatchID uint64

// seedDomain domain-separates the data-assignment shuffle from
// scheduler/algo's committee-selection permutation.
const seedDomain = "psyche-coordinator/data-assignment/v1"

// interval is a closed range [Start, End] of batch IDs assigned to Trainer.
type interval struct {
	Start, End BatchID
	Trainer    identity.NodeIdentity
}

// IntervalTree maps contiguous batch-id ranges to the trainer identity
// responsible for them. Built once per round by AssignForRound and then
// queried read-only, so a sorted slice with binary search is the right
// data structure: there is no mutation after construction.
type IntervalTree struct {
	intervals []interval
}

// AssignForRound maps the round's batch-id range to trainers. trainers
// must be in the canonical client-index order committee selection
// produced (scheduler/api.CommitteeSelection.TrainerIdentities).
// Verifier and TieBreaker roles receive no assignment.
func AssignForRound(trainers []identity.NodeIdentity, randomSeed uint64, dataIndex uint64, batchesPerRound uint64, dataIndicesPerBatch uint64) *IntervalTree {
	tree := &IntervalTree{}
	if len(trainers) == 0 || batchesPerRound == 0 {
		return tree
	}

	perm := prng.Permutation(randomSeed, seedDomain, len(trainers))
	shuffled := make([]identity.NodeIdentity, len(trainers))
	for i, idx := range perm {
		shuffled[i] = trainers[idx]
	}

	// Walk the batch-id range round-robin across the shuffled trainer
	// list, one full batch (data_indices_per_batch indices) per trainer
	// per turn, merging consecutive batches assigned to the same trainer
	// into a single interval.
	var cur *interval
	for i := uint64(0); i < batchesPerRound; i++ {
		batchID := BatchID(dataIndex + i)
		trainer := shuffled[i%uint64(len(shuffled))]

		if cur != nil && cur.Trainer == trainer && cur.End+1 == batchID {
			cur.End = batchID
			continue
		}
		if cur != nil {
			tree.intervals = append(tree.intervals, *cur)
		}
		cur = &interval{Start: batchID, End: batchID, Trainer: trainer}
	}
	if cur != nil {
		tree.intervals = append(tree.intervals, *cur)
	}

	_ = dataIndicesPerBatch // batch granularity already folds this in; kept for call-site clarity

	return tree
}

// Lookup returns the trainer assigned to batchID and true, or the zero
// identity and false if no interval covers it.
func (t *IntervalTree) Lookup(batchID BatchID) (identity.NodeIdentity, bool) {
	i := sort.Search(len(t.intervals), func(i int) bool {
		return t.intervals[i].End >= batchID
	})
	if i < len(t.intervals) && t.intervals[i].Start <= batchID {
		return t.intervals[i].Trainer, true
	}
	return identity.NodeIdentity{}, false
}

// Len returns the number of merged intervals in the tree.
func (t *IntervalTree) Len() int {
	return len(t.intervals)
}

// BatchIDs returns every batch ID covered by the tree, in ascending order.
func (t *IntervalTree) BatchIDs() []BatchID {
	var out []BatchID
	for _, iv := range t.intervals {
		for b := iv.Start; b <= iv.End; b++ {
			out = append(out, b)
		}
	}
	return out
}
