// Package coordinator implements the global coordinator state machine
// and the ring-buffered round history it owns. The richer per-node
// round state lives in the step package.
package coordinator

import (
	"bytes"
	"context"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/eapache/channels"
	"github.com/google/uuid"

	"github.com/oasislabs/psyche-coordinator/go/common/identity"
	"github.com/oasislabs/psyche-coordinator/go/common/logging"
	"github.com/oasislabs/psyche-coordinator/go/common/pubsub"
	"github.com/oasislabs/psyche-coordinator/go/coordinator/api"
	epochtimeapi "github.com/oasislabs/psyche-coordinator/go/epochtime/api"
	"github.com/oasislabs/psyche-coordinator/go/metrics"
	"github.com/oasislabs/psyche-coordinator/go/scheduler/algo"
	schedapi "github.com/oasislabs/psyche-coordinator/go/scheduler/api"
)

// Progress is the coordinator's monotonic step/epoch counters.
type Progress struct {
	Step  uint64 `toml:"step"`
	Epoch uint64 `toml:"epoch"`
}

// EpochState holds everything reset at an epoch boundary.
type EpochState struct {
	Clients       []api.Client
	ExitedClients []api.Client
	Rounds        [api.NumStoredRounds]api.Round
	Filled        [api.NumStoredRounds]bool
	RoundsHead    int
	FirstRound    bool
}

// Coordinator is the replicated global run-state automaton. All mutation
// is serialized behind mu, held only for the duration of a single
// synchronous call.
type Coordinator struct {
	mu sync.Mutex

	logger          *logging.Logger
	notifier        *pubsub.Broker
	epochNotifier   *pubsub.Broker
	witnessNotifier *pubsub.Broker

	RunID uuid.UUID

	runState          api.RunState
	runStateStartUnix int64

	cfg api.CoordinatorConfig

	progress       Progress
	epochStartStep uint64
	epoch          EpochState

	healthTally        *HealthTally
	checkpointAccepted bool
	witnessSubmitted   map[identity.NodeIdentity]struct{}

	dataIndexCounter uint64
}

// New constructs a fresh Coordinator in WaitingForMembers.
func New(runID uuid.UUID, cfg api.CoordinatorConfig, nowUnix int64) (*Coordinator, error) {
	if err := cfg.SanityCheck(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		logger:             logging.GetLogger("coordinator"),
		RunID:              runID,
		runState:           api.RunStateWaitingForMembers,
		runStateStartUnix:  nowUnix,
		cfg:                cfg,
		healthTally:        NewHealthTally(),
		witnessSubmitted:   make(map[identity.NodeIdentity]struct{}),
	}
	c.epoch.RoundsHead = api.NumStoredRounds - 1
	c.initNotifier()
	return c, nil
}

func (c *Coordinator) initNotifier() {
	c.notifier = pubsub.NewBrokerEx(func(ch *channels.InfiniteChannel) {
		c.mu.Lock()
		s := c.runState
		c.mu.Unlock()
		ch.In() <- s
	})
	c.epochNotifier = pubsub.NewBrokerEx(func(ch *channels.InfiniteChannel) {
		c.mu.Lock()
		e := epochtimeapi.EpochTime(c.progress.Epoch)
		c.mu.Unlock()
		ch.In() <- e
	})
	c.witnessNotifier = pubsub.NewBroker()
}

// GetEpoch implements epochtime/api.Backend: the coordinator is its own
// epoch oracle, reporting the current epoch and the global step at
// which it began.
func (c *Coordinator) GetEpoch(ctx context.Context) (epochtimeapi.EpochTime, epochtimeapi.StepTime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epochtimeapi.EpochTime(c.progress.Epoch), epochtimeapi.StepTime(c.epochStartStep), nil
}

// GetStep implements epochtime/api.Backend, returning the global step
// counter.
func (c *Coordinator) GetStep(ctx context.Context) (epochtimeapi.StepTime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epochtimeapi.StepTime(c.progress.Step), nil
}

// WatchEpochs implements epochtime/api.Backend; the current epoch is
// delivered immediately upon subscription, then one update per epoch
// boundary (startNextEpochLocked).
func (c *Coordinator) WatchEpochs() (<-chan epochtimeapi.EpochTime, *pubsub.Subscription) {
	typedCh := make(chan epochtimeapi.EpochTime)
	sub := c.epochNotifier.Subscribe()
	sub.Unwrap(typedCh)
	return typedCh, sub
}

// WatchState returns a channel of run-state transitions; the current
// state is delivered immediately upon subscription.
func (c *Coordinator) WatchState() (<-chan api.RunState, *pubsub.Subscription) {
	typedCh := make(chan api.RunState)
	sub := c.notifier.Subscribe()
	sub.Unwrap(typedCh)
	return typedCh, sub
}

// WatchWitnesses returns a channel of witness attestations as they are
// accepted, for local observers (e.g. a dashboard or test harness) that
// want the round's consensus inputs without polling CurrentRound.
func (c *Coordinator) WatchWitnesses() (<-chan api.Witness, *pubsub.Subscription) {
	typedCh := make(chan api.Witness)
	sub := c.witnessNotifier.Subscribe()
	sub.Unwrap(typedCh)
	return typedCh, sub
}

// RunState returns the coordinator's current run state.
func (c *Coordinator) RunState() api.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runState
}

// Progress returns a copy of the coordinator's step/epoch counters.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Config returns a copy of the coordinator's configuration.
func (c *Coordinator) Config() api.CoordinatorConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Clients returns a copy of the current client list.
func (c *Coordinator) Clients() []api.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.Client, len(c.epoch.Clients))
	copy(out, c.epoch.Clients)
	return out
}

// CurrentRound returns the round at the head of the ring buffer.
func (c *Coordinator) CurrentRound() api.Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch.Rounds[c.epoch.RoundsHead]
}

// PreviousRound returns the round that was current one round advancement
// ago, or false if none has existed yet.
func (c *Coordinator) PreviousRound() (api.Round, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundAt(1)
}

// PreviousPreviousRound returns the round that was current two round
// advancements ago, or false if none has existed.
func (c *Coordinator) PreviousPreviousRound() (api.Round, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundAt(2)
}

func (c *Coordinator) roundAt(back int) (api.Round, bool) {
	idx := ((c.epoch.RoundsHead-back)%api.NumStoredRounds + api.NumStoredRounds) % api.NumStoredRounds
	if !c.epoch.Filled[idx] {
		return api.Round{}, false
	}
	return c.epoch.Rounds[idx], true
}

// Join admits id as a new client, accepted only in WaitingForMembers.
func (c *Coordinator) Join(id identity.NodeIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runState != api.RunStateWaitingForMembers {
		return api.ErrInvalidRunState
	}
	if c.clientIndexLocked(id) >= 0 {
		return api.ErrAlreadyJoined
	}
	if len(c.cfg.Whitelist) > 0 && !whitelisted(c.cfg.Whitelist, id) {
		return api.ErrNotWhitelisted
	}
	if uint64(len(c.epoch.Clients)) >= c.cfg.MaxClients {
		return api.ErrRunFull
	}

	c.epoch.Clients = append(c.epoch.Clients, api.Client{ID: id, State: api.ClientHealthy})
	c.logger.Debug("client joined", "client", id, "num_clients", len(c.epoch.Clients))
	return nil
}

func whitelisted(list []identity.NodeIdentity, id identity.NodeIdentity) bool {
	for _, w := range list {
		if w == id {
			return true
		}
	}
	return false
}

// Withdraw marks the client at index Withdrawn; it immediately stops
// counting as healthy and is removed from the client list at the next
// epoch boundary.
func (c *Coordinator) Withdraw(index uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index >= uint64(len(c.epoch.Clients)) {
		return api.ErrInvalidClient
	}
	c.epoch.Clients[index].State = api.ClientWithdrawn
	return nil
}

func (c *Coordinator) clientIndexLocked(id identity.NodeIdentity) int {
	for i, cl := range c.epoch.Clients {
		if cl.ID == id {
			return i
		}
	}
	return -1
}

func (c *Coordinator) countHealthyLocked(pending []identity.NodeIdentity) uint64 {
	var pendingSet map[identity.NodeIdentity]struct{}
	if pending != nil {
		pendingSet = make(map[identity.NodeIdentity]struct{}, len(pending))
		for _, id := range pending {
			pendingSet[id] = struct{}{}
		}
	}

	var n uint64
	for _, cl := range c.epoch.Clients {
		if cl.State != api.ClientHealthy {
			continue
		}
		if pendingSet != nil {
			if _, live := pendingSet[cl.ID]; !live {
				continue
			}
		}
		n++
	}
	return n
}

func elapsed(now, start int64, dur uint64) bool {
	return now >= start+int64(dur)
}

func (c *Coordinator) setStateLocked(s api.RunState, now int64) {
	from := c.runState
	c.runState = s
	c.runStateStartUnix = now
	c.logger.Info("run state transition", "from", from, "to", s, "step", c.progress.Step, "epoch", c.progress.Epoch)
	c.notifier.Broadcast(s)
}

// Tick advances run state based on elapsed time and the currently-live
// client set. pending is the set of clients the caller observed
// live this tick (e.g. via gossip heartbeats); a nil pending leaves the
// stored health bookkeeping untouched.
func (c *Coordinator) Tick(pending []identity.NodeIdentity, nowUnix int64, prngSeed uint64) (api.TickResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MinClients == 0 {
		return api.TickResult{}, api.ErrDisabled
	}
	from := c.runState
	if from == api.RunStateFinished {
		return api.TickResult{}, api.ErrFinished
	}
	if from == api.RunStatePaused {
		return api.TickResult{}, api.ErrHalted
	}

	if c.progress.Step >= c.cfg.TotalSteps {
		c.setStateLocked(api.RunStateFinished, nowUnix)
		return api.TickResult{Advanced: true, From: from, To: api.RunStateFinished}, nil
	}

	healthy := c.countHealthyLocked(pending)

	// Dropping below the healthy-client floor abandons the epoch back to
	// WaitingForMembers from every active state, not just the ones with
	// their own timeout logic.
	if c.runState != api.RunStateWaitingForMembers && healthy < c.cfg.MinClients {
		c.abandonLocked(nowUnix)
		return api.TickResult{Advanced: true, From: from, To: c.runState}, nil
	}

	switch c.runState {
	case api.RunStateWaitingForMembers:
		threshold := c.cfg.MinClients
		if c.progress.Epoch == 0 {
			threshold = c.cfg.InitMinClients
		}
		if healthy >= threshold {
			c.setStateLocked(api.RunStateWarmup, nowUnix)
		}
	case api.RunStateWarmup:
		if elapsed(nowUnix, c.runStateStartUnix, c.cfg.WarmupTime) {
			c.startRoundLocked(0, nowUnix, prngSeed)
		}
	case api.RunStateRoundTrain:
		if elapsed(nowUnix, c.runStateStartUnix, c.cfg.MaxRoundTrainTime) {
			c.setStateLocked(api.RunStateRoundWitness, nowUnix)
		}
	case api.RunStateRoundWitness:
		if elapsed(nowUnix, c.runStateStartUnix, c.cfg.RoundWitnessTime) {
			c.setStateLocked(api.RunStateRoundApply, nowUnix)
		}
	case api.RunStateRoundApply:
		if elapsed(nowUnix, c.runStateStartUnix, c.cfg.RoundApplyTime) {
			c.advanceFromApplyLocked(nowUnix, prngSeed)
		}
	case api.RunStateCooldown:
		timedOut := c.cfg.CooldownTime != 0 && elapsed(nowUnix, c.runStateStartUnix, c.cfg.CooldownTime)
		if timedOut || c.checkpointAccepted {
			c.startNextEpochLocked(nowUnix)
		}
	}

	return api.TickResult{Advanced: c.runState != from, From: from, To: c.runState}, nil
}

func (c *Coordinator) abandonLocked(now int64) {
	c.epoch.Rounds = [api.NumStoredRounds]api.Round{}
	c.epoch.Filled = [api.NumStoredRounds]bool{}
	c.epoch.RoundsHead = api.NumStoredRounds - 1
	c.epoch.FirstRound = false
	c.checkpointAccepted = false
	metrics.EpochsAbandoned.WithLabelValues(c.RunID.String()).Inc()
	c.setStateLocked(api.RunStateWaitingForMembers, now)
}

func (c *Coordinator) startRoundLocked(height uint32, now int64, prngSeed uint64) {
	head := (c.epoch.RoundsHead + 1) % api.NumStoredRounds
	c.epoch.RoundsHead = head

	dataIndex := c.dataIndexCounter
	c.dataIndexCounter += c.cfg.BatchesPerRound

	c.epoch.Rounds[head] = api.Round{
		Height:          height,
		RandomSeed:      prngSeed,
		DataIndex:       dataIndex,
		TieBreakerTasks: uint32(c.cfg.TieBreakerTasks),
		ClientsLen:      uint32(len(c.epoch.Clients)),
	}
	c.epoch.Filled[head] = true
	c.epoch.FirstRound = height == 0
	c.witnessSubmitted = make(map[identity.NodeIdentity]struct{})

	c.setStateLocked(api.RunStateRoundTrain, now)
}

func (c *Coordinator) advanceFromApplyLocked(now int64, prngSeed uint64) {
	cur := c.epoch.Rounds[c.epoch.RoundsHead]

	for i := range c.epoch.Clients {
		if c.epoch.Clients[i].DroppingAtEndOfRound {
			c.epoch.Clients[i].State = api.ClientDropped
			c.epoch.Clients[i].DroppingAtEndOfRound = false
			metrics.ClientsDropped.WithLabelValues(c.RunID.String()).Inc()
		}
	}

	c.progress.Step++

	if uint64(cur.Height)+1 < c.cfg.RoundsPerEpoch {
		c.startRoundLocked(cur.Height+1, now, prngSeed)
		return
	}
	c.setStateLocked(api.RunStateCooldown, now)
}

func (c *Coordinator) startNextEpochLocked(now int64) {
	remaining := c.epoch.Clients[:0]
	for _, cl := range c.epoch.Clients {
		if cl.State == api.ClientWithdrawn || cl.State == api.ClientDropped {
			c.epoch.ExitedClients = append(c.epoch.ExitedClients, cl)
			continue
		}
		remaining = append(remaining, cl)
	}
	c.epoch.Clients = remaining
	c.epoch.Rounds = [api.NumStoredRounds]api.Round{}
	c.epoch.Filled = [api.NumStoredRounds]bool{}
	c.epoch.RoundsHead = api.NumStoredRounds - 1
	c.epoch.FirstRound = false
	c.checkpointAccepted = false
	c.progress.Epoch++
	c.epochStartStep = c.progress.Step
	c.healthTally.Reset()

	c.epochNotifier.Broadcast(epochtimeapi.EpochTime(c.progress.Epoch))
	c.setStateLocked(api.RunStateWaitingForMembers, now)
}

// currentSelectionLocked re-derives the committee/witness selection for
// the current round, the same way every participant node does.
func (c *Coordinator) currentSelectionLocked() *schedapi.CommitteeSelection {
	round := c.epoch.Rounds[c.epoch.RoundsHead]
	return algo.Select(algo.Params{
		NumClients:          uint64(round.ClientsLen),
		WitnessNodes:        c.cfg.WitnessNodes,
		VerificationPercent: c.cfg.VerificationPercent,
		TieBreakerTasks:     uint64(round.TieBreakerTasks),
		RandomSeed:          round.RandomSeed,
	})
}

func (c *Coordinator) isElectedWitnessLocked(id identity.NodeIdentity) (int, bool) {
	idx := c.clientIndexLocked(id)
	if idx < 0 {
		return -1, false
	}
	sel := c.currentSelectionLocked()
	if idx >= len(sel.Witnesses) || !sel.Witnesses[idx].Witness {
		return -1, false
	}
	return idx, true
}

// Witness accepts a witness's round attestation. On reaching the
// effective quorum of elected witnesses (witness_nodes if
// witness_quorum==0, else witness_quorum) while still in RoundTrain, the
// coordinator advances to RoundWitness immediately.
func (c *Coordinator) Witness(from identity.NodeIdentity, w api.Witness, now int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runState != api.RunStateRoundTrain && c.runState != api.RunStateRoundWitness {
		return api.ErrInvalidRunState
	}

	idx, ok := c.isElectedWitnessLocked(from)
	if !ok {
		return api.ErrInvalidWitness
	}
	sel := c.currentSelectionLocked()
	if w.Proof != sel.Witnesses[idx] {
		return api.ErrInvalidWitness
	}
	if _, dup := c.witnessSubmitted[from]; dup {
		return api.ErrDuplicateWitness
	}

	cur := &c.epoch.Rounds[c.epoch.RoundsHead]
	if len(cur.Witnesses) >= api.MaxWitnesses(&c.cfg) {
		return api.ErrInvalidWitness
	}
	cur.Witnesses = append(cur.Witnesses, w)
	c.witnessSubmitted[from] = struct{}{}
	metrics.WitnessesAccepted.WithLabelValues(c.RunID.String()).Inc()
	c.witnessNotifier.Broadcast(w)

	if c.runState == api.RunStateRoundTrain {
		required := c.cfg.WitnessQuorum
		if required == 0 {
			required = c.cfg.WitnessNodes
		}
		if uint64(len(cur.Witnesses)) >= required {
			metrics.WitnessQuorumAdvances.WithLabelValues(c.RunID.String()).Inc()
			c.setStateLocked(api.RunStateRoundWitness, now)
		}
	}
	return nil
}

// HealthCheck records that from (an elected witness) observed absentees
// as missing from its participant_bloom this round. Once a quorum
// of witnesses agree, the absent client is flagged to drop at the next
// round-apply boundary.
func (c *Coordinator) HealthCheck(from identity.NodeIdentity, absentees []identity.NodeIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runState != api.RunStateRoundApply {
		return api.ErrInvalidRunState
	}
	if _, ok := c.isElectedWitnessLocked(from); !ok {
		return api.ErrInvalidHealthCheck
	}

	required := c.cfg.WitnessQuorum
	if required == 0 {
		required = c.cfg.WitnessNodes
	}

	for _, absent := range absentees {
		c.healthTally.Report(from, absent)
		if c.healthTally.Count(absent) >= required {
			c.flagDroppingLocked(absent)
		}
	}
	return nil
}

func (c *Coordinator) flagDroppingLocked(id identity.NodeIdentity) {
	idx := c.clientIndexLocked(id)
	if idx < 0 {
		return
	}
	if c.epoch.Clients[idx].State == api.ClientHealthy {
		c.epoch.Clients[idx].DroppingAtEndOfRound = true
	}
}

// Pause halts the run; every subsequent Tick returns ErrHalted until
// Resume. Not valid once the run has finished.
func (c *Coordinator) Pause(now int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runState == api.RunStateFinished {
		return api.ErrFinished
	}
	if c.runState == api.RunStatePaused {
		return api.ErrInvalidRunState
	}
	c.setStateLocked(api.RunStatePaused, now)
	return nil
}

// Resume leaves Paused by abandoning the interrupted epoch back to
// WaitingForMembers, the same clean re-entry point Desync recovery uses.
func (c *Coordinator) Resume(now int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runState != api.RunStatePaused {
		return api.ErrInvalidRunState
	}
	c.abandonLocked(now)
	return nil
}

// Checkpoint accepts a checkpointer's submission in Cooldown, which ends
// the cooldown wait on the next tick regardless of cooldown_time.
func (c *Coordinator) Checkpoint(from identity.NodeIdentity, cp api.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runState != api.RunStateCooldown {
		return api.ErrInvalidRunState
	}
	found := false
	for _, allowed := range c.cfg.Checkpointers {
		if allowed == from {
			found = true
			break
		}
	}
	if !found {
		return api.ErrNotCheckpointer
	}
	c.checkpointAccepted = true
	return nil
}

// persistedState is the subset of coordinator state that survives a
// reload: run_id, config and progress. Everything else resets.
type persistedState struct {
	RunID    string             `toml:"run_id"`
	Config   api.CoordinatorConfig `toml:"config"`
	Progress Progress           `toml:"progress"`
}

// SaveState serializes the persistable subset of coordinator state to
// TOML.
func (c *Coordinator) SaveState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := persistedState{
		RunID:    c.RunID.String(),
		Config:   c.cfg,
		Progress: c.progress,
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(ps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadState reconstructs a Coordinator from a SaveState snapshot. Ephemeral
// fields reset: run_state becomes WaitingForMembers, clients and rounds
// are cleared, and epoch advances by one (the interrupted epoch is
// treated as abandoned).
func LoadState(data []byte, nowUnix int64) (*Coordinator, error) {
	var ps persistedState
	if _, err := toml.Decode(string(data), &ps); err != nil {
		return nil, err
	}
	runID, err := uuid.Parse(ps.RunID)
	if err != nil {
		return nil, err
	}

	c, err := New(runID, ps.Config, nowUnix)
	if err != nil {
		return nil, err
	}
	c.progress = ps.Progress
	c.progress.Epoch++
	c.epochStartStep = c.progress.Step
	return c, nil
}
