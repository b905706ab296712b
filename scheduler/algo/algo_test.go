package algo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasislabs/psyche-coordinator/go/common/identity"
	"github.com/oasislabs/psyche-coordinator/go/scheduler/api"
)

func testParams() Params {
	return Params{
		NumClients:          17,
		WitnessNodes:        3,
		VerificationPercent: 20,
		TieBreakerTasks:     1,
		RandomSeed:          0xC0FFEE,
	}
}

func TestSelectDeterministic(t *testing.T) {
	p := testParams()
	a := Select(p)
	b := Select(p)
	require.Equal(t, a.Committee, b.Committee)
	require.Equal(t, a.Witnesses, b.Witnesses)
}

func TestSelectDifferentSeedsDiffer(t *testing.T) {
	p1 := testParams()
	p2 := testParams()
	p2.RandomSeed = 0xDEADBEEF

	a := Select(p1)
	b := Select(p2)
	require.NotEqual(t, a.Committee, b.Committee)
}

func TestCommitteeProofVerification(t *testing.T) {
	p := testParams()
	sel := Select(p)

	for _, proof := range sel.Committee {
		require.True(t, VerifyCommitteeProof(p, proof))

		tampered := proof
		tampered.Position++
		require.False(t, VerifyCommitteeProof(p, tampered))
	}
}

func TestWitnessProofVerification(t *testing.T) {
	p := testParams()
	sel := Select(p)

	for _, proof := range sel.Witnesses {
		require.True(t, VerifyWitnessProof(p, proof))

		tampered := proof
		tampered.Witness = !tampered.Witness
		require.False(t, VerifyWitnessProof(p, tampered))
	}
}

func TestRolePartitionCovers(t *testing.T) {
	p := testParams()
	sel := Select(p)

	counts := map[api.Role]int{}
	witnessCount := 0
	for i, proof := range sel.Committee {
		counts[proof.Committee]++
		if sel.Witnesses[i].Witness {
			witnessCount++
		}
	}
	require.EqualValues(t, p.WitnessNodes, witnessCount)
	require.EqualValues(t, p.NumClients-p.WitnessNodes, counts[api.RoleTrainer]+counts[api.RoleVerifier]+counts[api.RoleTieBreaker])
}

func TestVerifierIdentitiesMatchesRolePartition(t *testing.T) {
	p := testParams()
	sel := Select(p)

	clients := make([]identity.NodeIdentity, p.NumClients)
	for i := range clients {
		clients[i][0] = byte(i + 1)
	}

	verifiers := sel.VerifierIdentities(clients)

	var wantCount int
	for _, proof := range sel.Committee {
		if proof.Committee == api.RoleVerifier {
			wantCount++
		}
	}
	require.Len(t, verifiers, wantCount)
	for _, v := range verifiers {
		idx := int(v[0]) - 1
		require.Equal(t, api.RoleVerifier, sel.Committee[idx].Committee)
	}
}
