package coordinator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/oasislabs/psyche-coordinator/go/common/identity"
	"github.com/oasislabs/psyche-coordinator/go/coordinator/api"
	epochtimeapi "github.com/oasislabs/psyche-coordinator/go/epochtime/api"
	"github.com/oasislabs/psyche-coordinator/go/scheduler/algo"
)

func testConfig() api.CoordinatorConfig {
	return api.CoordinatorConfig{
		MaxClients:                  8,
		WarmupTime:                  10,
		CooldownTime:                10,
		MaxRoundTrainTime:           10,
		RoundWitnessTime:            10,
		RoundApplyTime:              10,
		MinClients:                  2,
		InitMinClients:              2,
		GlobalBatchSizeStart:        1,
		GlobalBatchSizeEnd:          1,
		GlobalBatchSizeWarmupTokens: 1,
		VerificationPercent:         0,
		WitnessNodes:                1,
		WitnessQuorum:               1,
		RoundsPerEpoch:              2,
		TotalSteps:                  100,
		BatchesPerRound:             4,
		DataIndicesPerBatch:         1,
		BloomTargetFalsePositiveRate: 0.01,
		BloomMaxBits:                1 << 16,
	}
}

func identAt(b byte) identity.NodeIdentity {
	var id identity.NodeIdentity
	id[0] = b
	return id
}

func joinN(t *testing.T, c *Coordinator, n int) []identity.NodeIdentity {
	t.Helper()
	ids := make([]identity.NodeIdentity, n)
	for i := 0; i < n; i++ {
		ids[i] = identAt(byte(i + 1))
		require.NoError(t, c.Join(ids[i]))
	}
	return ids
}

func TestWaitingForMembersToWarmupToRoundTrain(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	joinN(t, c, 2)

	res, err := c.Tick(nil, 0, 42)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateWarmup, c.RunState())

	// not yet elapsed
	res, err = c.Tick(nil, 5, 42)
	require.NoError(t, err)
	require.False(t, res.Advanced)

	res, err = c.Tick(nil, 11, 42)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateRoundTrain, c.RunState())
	require.Equal(t, uint32(0), c.CurrentRound().Height)
}

func TestAbandonReturnsToWaitingForMembers(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	ids := joinN(t, c, 2)
	_, err = c.Tick(nil, 0, 1) // -> warmup
	require.NoError(t, err)

	// drop to a single live client mid-warmup
	res, err := c.Tick([]identity.NodeIdentity{ids[0]}, 1, 1)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateWaitingForMembers, c.RunState())
}

func TestAbandonDuringRoundApply(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	ids := joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 1)  // warmup
	_, _ = c.Tick(nil, 11, 1) // round 0 train
	_, _ = c.Tick(nil, 22, 1) // witness
	_, _ = c.Tick(nil, 33, 1) // apply
	require.Equal(t, api.RunStateRoundApply, c.RunState())

	stepBefore := c.Progress().Step
	epochBefore := c.Progress().Epoch

	// drop to a single live client mid-apply
	res, err := c.Tick([]identity.NodeIdentity{ids[0]}, 34, 1)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateWaitingForMembers, c.RunState())

	// abandoning clears the round history but not the counters
	require.Equal(t, api.Round{}, c.CurrentRound())
	_, ok := c.PreviousRound()
	require.False(t, ok)
	require.Equal(t, stepBefore, c.Progress().Step)
	require.Equal(t, epochBefore, c.Progress().Epoch)
}

func TestAbandonDuringRoundWitness(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	ids := joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 1)  // warmup
	_, _ = c.Tick(nil, 11, 1) // round 0 train
	_, _ = c.Tick(nil, 22, 1) // witness
	require.Equal(t, api.RunStateRoundWitness, c.RunState())

	res, err := c.Tick([]identity.NodeIdentity{ids[1]}, 23, 1)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateWaitingForMembers, c.RunState())
}

func TestWitnessSubmissionAdvancesEarlyFromRoundTrain(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	ids := joinN(t, c, 2)
	_, err = c.Tick(nil, 0, 7)
	require.NoError(t, err)
	_, err = c.Tick(nil, 11, 7)
	require.NoError(t, err)
	require.Equal(t, api.RunStateRoundTrain, c.RunState())

	round := c.CurrentRound()
	sel := algo.Select(algo.Params{
		NumClients:   uint64(round.ClientsLen),
		WitnessNodes: cfg.WitnessNodes,
		RandomSeed:   round.RandomSeed,
	})
	witnessIDs := sel.WitnessIdentities(ids)
	require.Len(t, witnessIDs, 1)

	idx := -1
	for i, p := range sel.Witnesses {
		if p.Witness {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)

	err = c.Witness(witnessIDs[0], api.Witness{Proof: sel.Witnesses[idx]}, 12)
	require.NoError(t, err)
	require.Equal(t, api.RunStateRoundWitness, c.RunState())

	// duplicate submission rejected
	err = c.Witness(witnessIDs[0], api.Witness{Proof: sel.Witnesses[idx]}, 12)
	require.ErrorIs(t, err, api.ErrDuplicateWitness)
}

func TestNonWitnessSubmissionRejected(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	ids := joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 7)
	_, _ = c.Tick(nil, 11, 7)

	round := c.CurrentRound()
	sel := algo.Select(algo.Params{
		NumClients:   uint64(round.ClientsLen),
		WitnessNodes: cfg.WitnessNodes,
		RandomSeed:   round.RandomSeed,
	})
	nonWitness := -1
	for i, p := range sel.Witnesses {
		if !p.Witness {
			nonWitness = i
		}
	}
	require.GreaterOrEqual(t, nonWitness, 0)

	err = c.Witness(ids[nonWitness], api.Witness{}, 12)
	require.ErrorIs(t, err, api.ErrInvalidWitness)
}

func TestPauseHaltsTickUntilResume(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	joinN(t, c, 2)
	_, err = c.Tick(nil, 0, 1)
	require.NoError(t, err)
	require.Equal(t, api.RunStateWarmup, c.RunState())

	require.NoError(t, c.Pause(5))
	_, err = c.Tick(nil, 6, 1)
	require.ErrorIs(t, err, api.ErrHalted)
	require.ErrorIs(t, c.Pause(6), api.ErrInvalidRunState)

	require.NoError(t, c.Resume(7))
	require.Equal(t, api.RunStateWaitingForMembers, c.RunState())

	res, err := c.Tick(nil, 8, 1)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateWarmup, c.RunState())
}

func TestWatchWitnessesDeliversAcceptedWitness(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	ids := joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 7)
	_, _ = c.Tick(nil, 11, 7)

	round := c.CurrentRound()
	sel := algo.Select(algo.Params{
		NumClients:   uint64(round.ClientsLen),
		WitnessNodes: cfg.WitnessNodes,
		RandomSeed:   round.RandomSeed,
	})
	witnessIDs := sel.WitnessIdentities(ids)
	require.Len(t, witnessIDs, 1)
	idx := -1
	for i, p := range sel.Witnesses {
		if p.Witness {
			idx = i
		}
	}

	witnessCh, sub := c.WatchWitnesses()
	defer sub.Close()

	submitted := api.Witness{Proof: sel.Witnesses[idx]}
	require.NoError(t, c.Witness(witnessIDs[0], submitted, 12))

	got := <-witnessCh
	require.Equal(t, submitted.Proof, got.Proof)
}

func TestRoundApplyAdvancesStepAndStartsNextRound(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 1)  // warmup
	_, _ = c.Tick(nil, 11, 1) // round 0 train
	_, _ = c.Tick(nil, 12, 1) // still train, not elapsed

	res, err := c.Tick(nil, 22, 1) // train time elapsed -> witness
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateRoundWitness, c.RunState())

	res, err = c.Tick(nil, 33, 1) // witness time elapsed -> apply
	require.NoError(t, err)
	require.Equal(t, api.RunStateRoundApply, c.RunState())

	res, err = c.Tick(nil, 44, 2) // apply elapsed -> round 1 train
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateRoundTrain, c.RunState())
	require.Equal(t, uint32(1), c.CurrentRound().Height)
	require.Equal(t, uint64(1), c.Progress().Step)

	prev, ok := c.PreviousRound()
	require.True(t, ok)
	require.Equal(t, uint32(0), prev.Height)
}

func TestRingBufferRetainsPreviousPreviousRound(t *testing.T) {
	cfg := testConfig()
	cfg.RoundsPerEpoch = 4
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 1)  // warmup
	_, _ = c.Tick(nil, 11, 1) // round 0 train

	now := int64(11)
	for h := uint32(1); h <= 2; h++ {
		now += 11
		_, _ = c.Tick(nil, now, 1) // -> witness
		now += 11
		_, _ = c.Tick(nil, now, 1) // -> apply
		now += 11
		_, _ = c.Tick(nil, now, 1) // -> next round train
		require.Equal(t, h, c.CurrentRound().Height)
	}

	prev, ok := c.PreviousRound()
	require.True(t, ok)
	require.Equal(t, uint32(1), prev.Height)

	pp, ok := c.PreviousPreviousRound()
	require.True(t, ok)
	require.Equal(t, uint32(0), pp.Height)
}

func TestRoundsPerEpochExhaustionEntersCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.RoundsPerEpoch = 1
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 1)
	_, _ = c.Tick(nil, 11, 1) // round 0 train
	_, _ = c.Tick(nil, 22, 1) // witness
	_, _ = c.Tick(nil, 33, 1) // apply

	res, err := c.Tick(nil, 44, 1) // apply elapsed, no more rounds -> cooldown
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateCooldown, c.RunState())
}

func TestCheckpointEndsCooldownBeforeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RoundsPerEpoch = 1
	cfg.CooldownTime = 1000
	cfg.Checkpointers = []identity.NodeIdentity{identAt(99)}
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 1)
	_, _ = c.Tick(nil, 11, 1)
	_, _ = c.Tick(nil, 22, 1)
	_, _ = c.Tick(nil, 33, 1)
	_, _ = c.Tick(nil, 44, 1) // cooldown

	require.Equal(t, api.RunStateCooldown, c.RunState())

	err = c.Checkpoint(identAt(1), api.Checkpoint{From: identAt(1)})
	require.ErrorIs(t, err, api.ErrNotCheckpointer)

	err = c.Checkpoint(identAt(99), api.Checkpoint{From: identAt(99)})
	require.NoError(t, err)

	res, err := c.Tick(nil, 45, 1) // well before cooldown_time elapses
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, api.RunStateWaitingForMembers, c.RunState())
	require.Equal(t, uint64(1), c.Progress().Epoch)
}

func TestEpochBackendReportsEpochBoundaryAndNotifiesWatchers(t *testing.T) {
	cfg := testConfig()
	cfg.RoundsPerEpoch = 1
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	epochCh, sub := c.WatchEpochs()
	defer sub.Close()
	require.Equal(t, epochtimeapi.EpochTime(0), <-epochCh)

	joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 1)
	_, _ = c.Tick(nil, 11, 1) // round 0 train
	_, _ = c.Tick(nil, 22, 1) // witness
	_, _ = c.Tick(nil, 33, 1) // apply
	_, _ = c.Tick(nil, 44, 1) // apply elapsed, no more rounds -> cooldown
	_, _ = c.Tick(nil, 55, 1) // cooldown elapsed -> next epoch, WaitingForMembers

	require.Equal(t, api.RunStateWaitingForMembers, c.RunState())

	epoch, startStep, err := c.GetEpoch(context.Background())
	require.NoError(t, err)
	require.Equal(t, epochtimeapi.EpochTime(1), epoch)
	require.Equal(t, epochtimeapi.StepTime(1), startStep, "one step (round) ran before the epoch boundary")

	step, err := c.GetStep(context.Background())
	require.NoError(t, err)
	require.Equal(t, epochtimeapi.StepTime(1), step)

	require.Equal(t, epochtimeapi.EpochTime(1), <-epochCh)
}

func TestFinishedWhenTotalStepsReached(t *testing.T) {
	cfg := testConfig()
	cfg.TotalSteps = 0
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	joinN(t, c, 2)
	res, err := c.Tick(nil, 0, 1)
	require.NoError(t, err)
	require.Equal(t, api.RunStateFinished, res.To)

	_, err = c.Tick(nil, 1, 1)
	require.ErrorIs(t, err, api.ErrFinished)
}

func TestJoinRejectsDuplicateAndFullRun(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 1
	cfg.MinClients = 1
	cfg.InitMinClients = 1
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	id := identAt(1)
	require.NoError(t, c.Join(id))
	require.ErrorIs(t, c.Join(id), api.ErrAlreadyJoined)
	require.ErrorIs(t, c.Join(identAt(2)), api.ErrRunFull)
}

func TestJoinRejectsNotWhitelisted(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []identity.NodeIdentity{identAt(1)}
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	require.NoError(t, c.Join(identAt(1)))
	require.ErrorIs(t, c.Join(identAt(2)), api.ErrNotWhitelisted)
}

func TestHealthCheckFlagsAbsenteeForDropping(t *testing.T) {
	cfg := testConfig()
	cfg.WitnessNodes = 2
	cfg.WitnessQuorum = 2
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)

	ids := joinN(t, c, 4)
	_, _ = c.Tick(nil, 0, 3)
	_, _ = c.Tick(nil, 11, 3) // round train

	round := c.CurrentRound()
	sel := algo.Select(algo.Params{
		NumClients:   uint64(round.ClientsLen),
		WitnessNodes: cfg.WitnessNodes,
		RandomSeed:   round.RandomSeed,
	})
	witnessIDs := sel.WitnessIdentities(ids)
	require.Len(t, witnessIDs, 2)

	_, _ = c.Tick(nil, 22, 3) // -> witness
	_, _ = c.Tick(nil, 33, 3) // -> apply
	require.Equal(t, api.RunStateRoundApply, c.RunState())

	absent := ids[0]
	err = c.HealthCheck(witnessIDs[0], []identity.NodeIdentity{absent})
	require.NoError(t, err)
	err = c.HealthCheck(witnessIDs[1], []identity.NodeIdentity{absent})
	require.NoError(t, err)

	found := false
	for _, cl := range c.Clients() {
		if cl.ID == absent {
			found = true
			require.True(t, cl.DroppingAtEndOfRound)
		}
	}
	require.True(t, found)
}

func TestSaveLoadStateResetsEphemeralFields(t *testing.T) {
	cfg := testConfig()
	c, err := New(uuid.New(), cfg, 0)
	require.NoError(t, err)
	joinN(t, c, 2)
	_, _ = c.Tick(nil, 0, 1)
	_, _ = c.Tick(nil, 11, 1)

	data, err := c.SaveState()
	require.NoError(t, err)

	loaded, err := LoadState(data, 1000)
	require.NoError(t, err)
	require.Equal(t, c.RunID, loaded.RunID)
	require.Equal(t, api.RunStateWaitingForMembers, loaded.RunState())
	require.Empty(t, loaded.Clients())
	require.Equal(t, c.Progress().Epoch+1, loaded.Progress().Epoch)
}
