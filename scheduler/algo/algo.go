// Package algo implements deterministic committee selection: a
// chacha20-seeded permutation of client indices, sliced into witness,
// verifier, tie-breaker and trainer cohorts.
package algo

import (
	"github.com/oasislabs/psyche-coordinator/go/common/prng"
	"github.com/oasislabs/psyche-coordinator/go/scheduler/api"
)

// seedDomain separates committee-selection permutations from the
// data-assignment shuffle in assignment.AssignForRound, even when both are
// derived from the same round's random_seed.
const seedDomain = "psyche-coordinator/committee-selection/v1"

// Params are the inputs to committee selection that every node derives
// identically from the round descriptor and coordinator config.
type Params struct {
	NumClients         uint64
	WitnessNodes       uint64
	VerificationPercent uint64
	TieBreakerTasks    uint64
	RandomSeed         uint64
}

// Select returns the CommitteeSelection for the given params. It is a
// pure function of Params: any two nodes calling Select with identical
// Params produce byte-identical results.
func Select(p Params) *api.CommitteeSelection {
	perm := prng.Permutation(p.RandomSeed, seedDomain, int(p.NumClients))

	witnessCount := int(p.WitnessNodes)
	if witnessCount > len(perm) {
		witnessCount = len(perm)
	}
	witnessSet := perm[:witnessCount]
	remaining := perm[witnessCount:]

	verifierCount := int((p.VerificationPercent*uint64(len(remaining)) + 99) / 100)
	if verifierCount > len(remaining) {
		verifierCount = len(remaining)
	}
	verifierSet := remaining[:verifierCount]
	remaining = remaining[verifierCount:]

	tieBreakerCount := int(p.TieBreakerTasks)
	if tieBreakerCount > len(remaining) {
		tieBreakerCount = len(remaining)
	}
	tieBreakerSet := remaining[:tieBreakerCount]
	trainerSet := remaining[tieBreakerCount:]

	role := make([]api.Role, p.NumClients)
	position := make([]uint32, p.NumClients)
	isWitness := make([]bool, p.NumClients)
	witnessRank := make([]uint32, p.NumClients)

	for rank, idx := range witnessSet {
		isWitness[idx] = true
		witnessRank[idx] = uint32(rank)
		role[idx] = api.RoleWitness
		position[idx] = uint32(rank)
	}
	for rank, idx := range verifierSet {
		role[idx] = api.RoleVerifier
		position[idx] = uint32(rank)
	}
	for rank, idx := range tieBreakerSet {
		role[idx] = api.RoleTieBreaker
		position[idx] = uint32(rank)
	}
	for rank, idx := range trainerSet {
		role[idx] = api.RoleTrainer
		position[idx] = uint32(rank)
	}

	sel := &api.CommitteeSelection{
		Committee: make([]api.CommitteeProof, p.NumClients),
		Witnesses: make([]api.WitnessProof, p.NumClients),
	}
	for i := uint64(0); i < p.NumClients; i++ {
		sel.Committee[i] = api.CommitteeProof{
			Index:     i,
			Position:  position[i],
			Committee: role[i],
		}
		sel.Witnesses[i] = api.WitnessProof{
			Index:    i,
			Position: witnessRank[i],
			Witness:  isWitness[i],
		}
	}
	return sel
}

// VerifyCommitteeProof re-derives the selection for p and reports whether
// proof matches the derived proof for proof.Index.
func VerifyCommitteeProof(p Params, proof api.CommitteeProof) bool {
	if proof.Index >= p.NumClients {
		return false
	}
	sel := Select(p)
	derived := sel.Committee[proof.Index]
	return derived == proof
}

// VerifyWitnessProof re-derives the selection for p and reports whether
// proof matches the derived witness proof for proof.Index.
func VerifyWitnessProof(p Params, proof api.WitnessProof) bool {
	if proof.Index >= p.NumClients {
		return false
	}
	sel := Select(p)
	derived := sel.Witnesses[proof.Index]
	return derived == proof
}
