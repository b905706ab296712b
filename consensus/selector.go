// Package consensus implements the consensus selector: choosing the
// winning commitment for a batch from the set of witnesses' order_bloom
// filters.
package consensus

import (
	"github.com/oasislabs/psyche-coordinator/go/bloom"
	"github.com/oasislabs/psyche-coordinator/go/common/crypto/hash"
	coordapi "github.com/oasislabs/psyche-coordinator/go/coordinator/api"
)

// commitmentHash derives the order_bloom membership key for a commitment:
// sha256(commitment).
func commitmentHash(commitment [32]byte) hash.Hash {
	return hash.New(commitment[:])
}

// Candidate is one trainer's submitted commitment for a batch, in the
// order its TrainingResult was first observed locally (insertion order
// breaks ties).
type Candidate struct {
	Commitment [32]byte
}

// Select scores candidates (in first-insertion order) against witnesses'
// order_bloom filters, returning the index into candidates of the
// winning commitment, or false if no candidate meets quorum.
func Select(candidates []Candidate, witnesses []coordapi.Witness, witnessQuorum uint64) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}

	orderBlooms := make([]*bloom.Filter, len(witnesses))
	for i, w := range witnesses {
		orderBlooms[i] = bloom.FromWire(w.OrderBloom)
	}

	required := witnessQuorum
	if witnessQuorum == 0 {
		required = uint64(len(witnesses))
	}

	bestIdx := -1
	bestScore := -1
	for i, c := range candidates {
		h := commitmentHash(c.Commitment)
		score := 0
		for _, ob := range orderBlooms {
			if ob.Contains(h) {
				score++
			}
		}
		if uint64(score) < required {
			continue
		}
		// Break ties by max score, then by first insertion order: only
		// replace the current best on a strictly higher score.
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return 0, false
	}
	return bestIdx, true
}
