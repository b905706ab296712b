// Package api defines the committee role and proof types produced by
// deterministic committee selection.
package api

import (
	"errors"
	"fmt"

	"github.com/oasislabs/psyche-coordinator/go/common/identity"
)

var (
	// ErrInvalidRole is the error returned when a role is invalid.
	ErrInvalidRole = errors.New("scheduler: invalid role")
)

// Role is the role a given client plays in a round's committee.
type Role uint8

const (
	// RoleInvalid is an invalid role (should never appear on the wire).
	RoleInvalid Role = 0

	// RoleTrainer computes gradients on assigned batches.
	RoleTrainer Role = 1

	// RoleVerifier is reserved for a future verification pipeline.
	RoleVerifier Role = 2

	// RoleTieBreaker is elected to resolve verification disagreement.
	RoleTieBreaker Role = 3

	// RoleWitness attests to the round via the three Bloom filters.
	// Witness-elected clients carry RoleWitness in their CommitteeProof
	// and true in their WitnessProof; they receive no data assignment.
	RoleWitness Role = 4
)

// String returns a string representation of a Role.
func (r Role) String() string {
	switch r {
	case RoleInvalid:
		return "invalid"
	case RoleTrainer:
		return "trainer"
	case RoleVerifier:
		return "verifier"
	case RoleTieBreaker:
		return "tie_breaker"
	case RoleWitness:
		return "witness"
	default:
		return fmt.Sprintf("unknown role: %d", r)
	}
}

// CommitteeProof attests that client index derives to committee role at
// position within that role's cohort, for a given round seed. Anyone can
// re-derive and compare; see scheduler/algo.VerifyCommitteeProof.
type CommitteeProof struct {
	Index     uint64 `codec:"index"`
	Position  uint32 `codec:"position"`
	Committee Role   `codec:"committee"`
}

// WitnessProof attests that client index was (or was not) elected as a
// witness at rank position, for a given round seed.
type WitnessProof struct {
	Index    uint64 `codec:"index"`
	Position uint32 `codec:"position"`
	Witness  bool   `codec:"witness"`
}

// CommitteeSelection is the full per-round output of committee selection:
// every client's proofs, keyed by canonical client index.
type CommitteeSelection struct {
	Committee []CommitteeProof `codec:"committee"`
	Witnesses []WitnessProof   `codec:"witnesses"`
}

// TrainerIdentities returns the NodeIdentity of every Trainer-role client,
// in ascending client-index order, given the client list the selection was
// derived against.
func (s *CommitteeSelection) TrainerIdentities(clients []identity.NodeIdentity) []identity.NodeIdentity {
	var out []identity.NodeIdentity
	for _, p := range s.Committee {
		if p.Committee == RoleTrainer && int(p.Index) < len(clients) {
			out = append(out, clients[p.Index])
		}
	}
	return out
}

// WitnessIdentities returns the NodeIdentity of every elected witness, in
// ascending rank order.
func (s *CommitteeSelection) WitnessIdentities(clients []identity.NodeIdentity) []identity.NodeIdentity {
	ordered := make([]WitnessProof, 0, len(s.Witnesses))
	for _, w := range s.Witnesses {
		if w.Witness {
			ordered = append(ordered, w)
		}
	}
	out := make([]identity.NodeIdentity, len(ordered))
	for _, w := range ordered {
		if int(w.Position) < len(out) && int(w.Index) < len(clients) {
			out[w.Position] = clients[w.Index]
		}
	}
	return out
}

// VerifierIdentities returns the NodeIdentity of every Verifier-role
// client, in ascending client-index order. The Verifier cohort is
// produced by every committee selection but consumed by nothing yet;
// this accessor exists so a future verification pipeline can reuse the
// role without recomputing it.
func (s *CommitteeSelection) VerifierIdentities(clients []identity.NodeIdentity) []identity.NodeIdentity {
	var out []identity.NodeIdentity
	for _, p := range s.Committee {
		if p.Committee == RoleVerifier && int(p.Index) < len(clients) {
			out = append(out, clients[p.Index])
		}
	}
	return out
}

// TieBreakerIdentities returns the NodeIdentity of every TieBreaker-role
// client, in ascending client-index order. Used by the discrepancy-tally
// path: when consensus selection finds no commitment meeting quorum for
// a batch, the round records the TieBreaker cohort eligible to resolve
// it.
func (s *CommitteeSelection) TieBreakerIdentities(clients []identity.NodeIdentity) []identity.NodeIdentity {
	var out []identity.NodeIdentity
	for _, p := range s.Committee {
		if p.Committee == RoleTieBreaker && int(p.Index) < len(clients) {
			out = append(out, clients[p.Index])
		}
	}
	return out
}
