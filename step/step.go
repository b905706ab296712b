// Package step implements the per-node step state machine: the local
// Warmup/Training/Witnessing/Cooldown states a single participant walks
// through in lockstep with coordinator run-state broadcasts.
package step

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/oasislabs/psyche-coordinator/go/assignment"
	"github.com/oasislabs/psyche-coordinator/go/bloom"
	"github.com/oasislabs/psyche-coordinator/go/common/cbor"
	"github.com/oasislabs/psyche-coordinator/go/common/crypto/hash"
	"github.com/oasislabs/psyche-coordinator/go/common/identity"
	"github.com/oasislabs/psyche-coordinator/go/common/logging"
	"github.com/oasislabs/psyche-coordinator/go/consensus"
	coordapi "github.com/oasislabs/psyche-coordinator/go/coordinator/api"
	"github.com/oasislabs/psyche-coordinator/go/external"
	"github.com/oasislabs/psyche-coordinator/go/merkle"
	"github.com/oasislabs/psyche-coordinator/go/metrics"
	"github.com/oasislabs/psyche-coordinator/go/scheduler/algo"
	schedapi "github.com/oasislabs/psyche-coordinator/go/scheduler/api"
)

// LocalState is the per-node step machine's active state.
type LocalState uint8

const (
	StateWarmup LocalState = iota
	StateTraining
	StateWitnessing
	StateCooldown
)

func (s LocalState) String() string {
	switch s {
	case StateWarmup:
		return "warmup"
	case StateTraining:
		return "training"
	case StateWitnessing:
		return "witnessing"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// ErrDesync is returned when the local step machine's active state is
// incompatible with the coordinator's broadcast run_state. Before
// returning it, OnCoordinatorState drops in-flight round work and
// re-enters Warmup.
var ErrDesync = errors.New("step: local state desynced from coordinator run state")

// PayloadState is the lifecycle of one blob download.
type PayloadState uint8

const (
	PayloadDownloading PayloadState = iota
	PayloadDeserializing
	PayloadReady
)

// download tracks one in-flight or completed blob fetch.
type download struct {
	state   PayloadState
	from    identity.NodeIdentity
	batchID coordapi.BatchID
	ticket  []byte
	cancel  context.CancelFunc
}

// PendingDownload is one blob this node has not yet fetched, returned by
// RoundState.PendingDownloads for the controller's downloads pipeline.
type PendingDownload struct {
	Commitment hash.Hash
	BatchID    coordapi.BatchID
	Ticket     []byte
}

// resultEntry is one trainer's submitted result for a batch, in the
// order it was first locally observed (insertion order matters for the
// consensus selector's tie-break).
type resultEntry struct {
	from identity.NodeIdentity
	res  coordapi.TrainingResult
}

// RoundBlooms holds the three per-round Bloom filters a witness
// maintains, present only when the local node is elected witness for
// the round.
type RoundBlooms struct {
	Participant *bloom.Filter
	Broadcast   *bloom.Filter
	Order       *bloom.Filter
}

// RoundState is one round's local working state.
type RoundState struct {
	Height uint32
	Step   uint64

	Selection   *schedapi.CommitteeSelection
	SelfIndex   int
	Assignments *assignment.IntervalTree

	numClients      uint64
	witnessNodes    uint64
	verificationPct uint64
	tieBreakerTasks uint64
	randomSeed      uint64
	clients         []identity.NodeIdentity

	commitmentsPerClient *lru.Cache // identity.NodeIdentity -> *uint32

	mu      sync.Mutex
	results map[coordapi.BatchID][]resultEntry

	downloads map[hash.Hash]*download
	payloads  map[hash.Hash][]byte

	Blooms *RoundBlooms

	batchesTotal   int
	batchesPending map[coordapi.BatchID]struct{}

	// orderSeen marks batches whose first payload has landed; only the
	// first payload per batch votes into order_bloom and the ordered
	// commitment set.
	orderSeen          map[coordapi.BatchID]struct{}
	orderedCommitments [][]byte

	witnessSent bool

	SelfDistroResults [][]byte

	// Discrepancies records, for observability only, every batch where
	// consensus selection found no commitment meeting quorum this step,
	// alongside the TieBreaker-role clients eligible to resolve it. It
	// never changes the selector's verdict: a dropped batch stays
	// dropped.
	Discrepancies []Discrepancy

	trainCancel context.CancelFunc
}

// Discrepancy is one batch for which consensus selection found no
// commitment meeting the witness quorum, recorded alongside the round's
// TieBreaker cohort eligible to escalate it.
type Discrepancy struct {
	BatchID     coordapi.BatchID
	TieBreakers []identity.NodeIdentity
}

func newRoundState(height uint32, step uint64, sel *schedapi.CommitteeSelection, selfIndex int, assignments *assignment.IntervalTree, isWitness bool, bloomParams func() (uint64, float64, uint64)) *RoundState {
	cache, _ := lru.New(4096)
	rs := &RoundState{
		Height:               height,
		Step:                 step,
		Selection:            sel,
		SelfIndex:            selfIndex,
		Assignments:          assignments,
		commitmentsPerClient: cache,
		results:              make(map[coordapi.BatchID][]resultEntry),
		downloads:            make(map[hash.Hash]*download),
		payloads:             make(map[hash.Hash][]byte),
		batchesPending:       make(map[coordapi.BatchID]struct{}),
		orderSeen:            make(map[coordapi.BatchID]struct{}),
	}
	if isWitness {
		n, rate, maxBits := bloomParams()
		rs.Blooms = &RoundBlooms{
			Participant: bloom.New(n, rate, maxBits),
			Broadcast:   bloom.New(n, rate, maxBits),
			Order:       bloom.New(n, rate, maxBits),
		}
	}
	for _, b := range assignments.BatchIDs() {
		rs.batchesPending[b] = struct{}{}
	}
	rs.batchesTotal = len(rs.batchesPending)
	return rs
}

// allBatchesReceived reports whether every assigned batch ID has had a
// payload observed (a local result or a completed download), enabling the
// opportunistic witness path.
func (rs *RoundState) allBatchesReceived() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.batchesTotal > 0 && len(rs.batchesPending) == 0
}

// Machine is the per-node step state machine. One Machine drives one
// participant's local view across rounds; the coordinator (or
// external.Backend talking to a remote one) is the source of truth it
// follows.
type Machine struct {
	mu sync.Mutex

	self identity.NodeIdentity

	backend external.Backend
	network external.Network
	trainer external.Trainer

	cfg coordapi.CoordinatorConfig

	state LocalState

	current          *RoundState
	previous         *RoundState
	previousPrevious *RoundState

	// trainerNonce counts the rounds this node has trained in, carried on
	// every broadcast TrainingResult so peers can apply the
	// cold_start_warmup_steps skip rule.
	trainerNonce uint64

	logger *logging.Logger

	quitCh chan struct{}

	// witnessesForRound looks up the coordinator-accepted Witnesses for a
	// past round height, needed by the apply task's consensus selection.
	// Supplied by the controller, which has visibility into coordinator
	// snapshots the step machine itself does not retain.
	witnessesForRound func(height uint32) []coordapi.Witness
}

// SetWitnessLookup installs the controller's coordinator-round-history
// accessor, used by the apply task to fetch the Witnesses accepted for
// the round two behind current.
func (m *Machine) SetWitnessLookup(f func(height uint32) []coordapi.Witness) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.witnessesForRound = f
}

// CurrentRound returns the local working state for the in-progress round,
// or nil before the first RoundTrain entry.
func (m *Machine) CurrentRound() *RoundState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// PreviousPreviousRound returns the round two behind current, the round
// whose apply task is in flight while current trains.
func (m *Machine) PreviousPreviousRound() *RoundState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previousPrevious
}

// New constructs a Machine in Warmup, waiting for the coordinator to
// reach RoundTrain of round 0.
func New(self identity.NodeIdentity, cfg coordapi.CoordinatorConfig, backend external.Backend, network external.Network, trainer external.Trainer) *Machine {
	return &Machine{
		self:    self,
		backend: backend,
		network: network,
		trainer: trainer,
		cfg:     cfg,
		state:   StateWarmup,
		logger:  logging.GetLogger("step"),
		quitCh:  make(chan struct{}),
	}
}

// State returns the machine's current local state.
func (m *Machine) State() LocalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Quit returns a channel closed when the machine is torn down.
func (m *Machine) Quit() <-chan struct{} {
	return m.quitCh
}

// OnCoordinatorState is called whenever the coordinator broadcasts a
// new run_state; it drives the local state machine transitions, raising
// ErrDesync when the local and coordinator states cannot be reconciled.
// step is the coordinator's global step counter at the time of the
// broadcast.
func (m *Machine) OnCoordinatorState(ctx context.Context, runState coordapi.RunState, round coordapi.Round, step uint64, clients []identity.NodeIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch runState {
	case coordapi.RunStateWarmup, coordapi.RunStateWaitingForMembers:
		m.resetToWarmupLocked()
		return nil
	case coordapi.RunStateRoundTrain:
		return m.enterTrainingLocked(ctx, round, step, clients)
	case coordapi.RunStateRoundWitness:
		return m.enterWitnessingLocked(ctx, round, clients)
	case coordapi.RunStateRoundApply, coordapi.RunStateCooldown:
		m.state = StateCooldown
		return nil
	case coordapi.RunStateFinished, coordapi.RunStatePaused:
		m.resetToWarmupLocked()
		return nil
	default:
		m.resetToWarmupLocked()
		return ErrDesync
	}
}

func (m *Machine) resetToWarmupLocked() {
	if m.current != nil && m.current.trainCancel != nil {
		m.current.trainCancel()
	}
	m.previousPrevious = nil
	m.previous = nil
	m.current = nil
	m.state = StateWarmup
}

// enterTrainingLocked rotates the round ring and starts the round's
// apply and training tasks.
func (m *Machine) enterTrainingLocked(ctx context.Context, round coordapi.Round, step uint64, clients []identity.NodeIdentity) error {
	if m.state != StateWarmup && m.state != StateWitnessing && m.state != StateCooldown {
		m.resetToWarmupLocked()
		return ErrDesync
	}

	// Rotate the ring: overlap depth is exactly one round.
	if m.current != nil && m.current.trainCancel != nil {
		m.current.trainCancel()
	}
	m.previousPrevious = m.previous
	m.previous = m.current

	sel := algo.Select(algo.Params{
		NumClients:          uint64(round.ClientsLen),
		WitnessNodes:        m.cfg.WitnessNodes,
		VerificationPercent: m.cfg.VerificationPercent,
		TieBreakerTasks:     uint64(round.TieBreakerTasks),
		RandomSeed:          round.RandomSeed,
	})
	selfIndex := indexOf(clients, m.self)
	trainers := sel.TrainerIdentities(clients)
	assignments := assignment.AssignForRound(trainers, round.RandomSeed, round.DataIndex, m.cfg.BatchesPerRound, m.cfg.DataIndicesPerBatch)

	isWitness := selfIndex >= 0 && selfIndex < len(sel.Witnesses) && sel.Witnesses[selfIndex].Witness
	m.current = newRoundState(round.Height, step, sel, selfIndex, assignments, isWitness, func() (uint64, float64, uint64) {
		return uint64(round.ClientsLen), m.cfg.BloomTargetFalsePositiveRate, m.cfg.BloomMaxBits
	})
	m.current.numClients = uint64(round.ClientsLen)
	m.current.witnessNodes = m.cfg.WitnessNodes
	m.current.verificationPct = m.cfg.VerificationPercent
	m.current.tieBreakerTasks = uint64(round.TieBreakerTasks)
	m.current.randomSeed = round.RandomSeed
	m.current.clients = clients

	trainCtx, cancel := context.WithCancel(ctx)
	m.current.trainCancel = cancel

	// Apply task for previous_previous_round, overlapping one round deep.
	// It runs on the parent context: only training is cancelled when the
	// round advances past RoundTrain, never an in-flight apply.
	if m.previousPrevious != nil {
		go m.runApply(ctx, m.previousPrevious)
	}

	// Training task over only the batches assigned to self. The last two
	// rounds of an epoch run apply only, so gradients still in flight
	// land before cooldown.
	trainingRound := uint64(round.Height)+2 < m.cfg.RoundsPerEpoch
	if trainingRound && selfIndex >= 0 {
		self := clients[selfIndex]
		var own []coordapi.BatchID
		for _, b := range assignments.BatchIDs() {
			if assignee, ok := assignments.Lookup(b); ok && assignee == self {
				own = append(own, b)
			}
		}
		if len(own) > 0 {
			var prevDistro [][]byte
			if m.previous != nil {
				m.previous.mu.Lock()
				prevDistro = m.previous.SelfDistroResults
				m.previous.mu.Unlock()
			}
			nonce := m.trainerNonce
			m.trainerNonce++
			go m.runTraining(trainCtx, m.current, own, prevDistro, nonce)
		}
	}

	m.state = StateTraining
	return nil
}

func (m *Machine) enterWitnessingLocked(ctx context.Context, round coordapi.Round, clients []identity.NodeIdentity) error {
	if m.state != StateTraining {
		m.resetToWarmupLocked()
		return ErrDesync
	}
	if m.current != nil && m.current.trainCancel != nil {
		m.current.trainCancel()
	}
	m.state = StateWitnessing
	if m.current != nil && m.current.Blooms != nil {
		go m.submitWitness(ctx, m.current)
	}
	return nil
}

func indexOf(clients []identity.NodeIdentity, id identity.NodeIdentity) int {
	for i, c := range clients {
		if c == id {
			return i
		}
	}
	return -1
}

// runTraining drives external.Trainer.Train over assigned batches,
// broadcasting a TrainingResult gossip message per produced artifact.
// prevDistro is the previous round's own serialized gradients, fed back
// as the error-correction optimizer input. Cancellation via ctx drops
// in-flight tensor work but preserves anything already broadcast.
func (m *Machine) runTraining(ctx context.Context, rs *RoundState, own []coordapi.BatchID, prevDistro [][]byte, nonce uint64) {
	bounds := external.WarmupBounds{
		Start:        m.cfg.GlobalBatchSizeStart,
		End:          m.cfg.GlobalBatchSizeEnd,
		WarmupTokens: m.cfg.GlobalBatchSizeWarmupTokens,
	}
	prev := make([]external.Gradient, 0, len(prevDistro))
	for _, g := range prevDistro {
		prev = append(prev, external.Gradient(g))
	}
	for _, batchID := range own {
		select {
		case <-ctx.Done():
			return
		default:
		}

		grad, _, err := m.trainer.Train(ctx, rs.Step, batchID, bounds, false, prev, ctx.Done())
		if err != nil {
			m.logger.Warn("training task failed", "batch_id", batchID, "err", err)
			continue
		}

		commitment := hash.New(grad)
		ticket, err := m.network.AddDownloadable(ctx, grad)
		if err != nil {
			m.logger.Warn("failed to publish gradient blob", "batch_id", batchID, "err", err)
			continue
		}

		result := coordapi.TrainingResult{
			Step:         rs.Step,
			BatchID:      batchID,
			Commitment:   commitment,
			Ticket:       ticket,
			Proof:        rs.Selection.Committee[rs.SelfIndex],
			TrainerNonce: nonce,
		}
		m.recordLocalResult(rs, batchID, result, grad)

		env := coordapi.Envelope{From: m.self, Data: cbor.Marshal(&result)}
		if err := m.network.Broadcast(ctx, env.MarshalCBOR()); err != nil {
			m.logger.Warn("broadcast failed", "batch_id", batchID, "err", err)
		}

		if rs.allBatchesReceived() {
			m.TryOpportunisticWitness(ctx)
		}
	}
}

// recordLocalResult records a locally-produced TrainingResult. Unlike a
// gossiped peer result, the gradient payload is already in hand (it is
// what was just hashed into the commitment), so it is stored directly
// rather than enqueued as a pending download.
func (m *Machine) recordLocalResult(rs *RoundState, batchID coordapi.BatchID, result coordapi.TrainingResult, payload []byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.results[batchID] = append(rs.results[batchID], resultEntry{from: m.self, res: result})
	rs.payloads[result.Commitment] = payload
	rs.SelfDistroResults = append(rs.SelfDistroResults, payload)
	if rs.Blooms != nil {
		rs.Blooms.Participant.Add(hash.New(m.self.Bytes()))
		rs.Blooms.Broadcast.Add(batchIDHash(batchID))
	}
	rs.observePayloadLocked(batchID, result.Commitment)
}

// OnGossipMessage decodes a signed gossip envelope and dispatches the
// inner TrainingResult to OnGossipResult. Envelope signature
// verification is the transport's job; the sender identity carried in
// the envelope is still cross-checked against the round's committee
// selection below.
func (m *Machine) OnGossipMessage(data []byte) error {
	var env coordapi.Envelope
	if err := env.UnmarshalCBOR(data); err != nil {
		return err
	}
	var result coordapi.TrainingResult
	if err := cbor.Unmarshal(env.Data, &result); err != nil {
		return err
	}
	return m.OnGossipResult(env.From, result)
}

// OnGossipResult validates and records a peer's TrainingResult: the
// sender's CommitteeProof must match the round's CommitteeSelection,
// and the batch must actually be assigned to that sender.
// commitments_per_client rate-limits excess submissions per client
// beyond its assigned batch count.
func (m *Machine) OnGossipResult(from identity.NodeIdentity, result coordapi.TrainingResult) error {
	m.mu.Lock()
	rs := m.current
	m.mu.Unlock()
	if rs == nil {
		return ErrDesync
	}

	if !algo.VerifyCommitteeProof(algo.Params{
		NumClients:          rs.numClients,
		WitnessNodes:        rs.witnessNodes,
		VerificationPercent: rs.verificationPct,
		TieBreakerTasks:     rs.tieBreakerTasks,
		RandomSeed:          rs.randomSeed,
	}, result.Proof) {
		return coordapi.ErrInvalidWitness
	}
	if int(result.Proof.Index) >= len(rs.clients) || rs.clients[result.Proof.Index] != from {
		return coordapi.ErrInvalidWitness
	}
	if result.Step != rs.Step {
		return coordapi.ErrInvalidWitness
	}

	assignee, ok := rs.Assignments.Lookup(result.BatchID)
	if !ok || assignee != from {
		return coordapi.ErrInvalidWitness
	}

	if !m.allowCommitment(rs, from) {
		return nil
	}

	rs.mu.Lock()
	rs.results[result.BatchID] = append(rs.results[result.BatchID], resultEntry{from: from, res: result})
	if _, have := rs.payloads[result.Commitment]; !have {
		if _, pending := rs.downloads[result.Commitment]; !pending {
			rs.downloads[result.Commitment] = &download{
				state:   PayloadDownloading,
				from:    from,
				batchID: result.BatchID,
				ticket:  result.Ticket,
			}
		}
	}
	if rs.Blooms != nil {
		rs.Blooms.Participant.Add(hash.New(from.Bytes()))
		rs.Blooms.Broadcast.Add(batchIDHash(result.BatchID))
	}
	rs.mu.Unlock()

	return nil
}

// batchIDHash derives the broadcast_bloom membership key for a batch id.
func batchIDHash(batchID coordapi.BatchID) hash.Hash {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(batchID))
	return hash.New(b[:])
}

// allowCommitment enforces commitments_per_client: a client may
// submit at most one result per batch it was actually assigned, tracked
// via a bounded LRU keyed by client identity so that a misbehaving or
// duplicate sender cannot grow unbounded per-round state.
func (m *Machine) allowCommitment(rs *RoundState, from identity.NodeIdentity) bool {
	key := from
	v, ok := rs.commitmentsPerClient.Get(key)
	if !ok {
		n := uint32(1)
		rs.commitmentsPerClient.Add(key, &n)
		return true
	}
	count := v.(*uint32)
	var maxPerClient uint32
	for _, b := range rs.Assignments.BatchIDs() {
		if assignee, ok := rs.Assignments.Lookup(b); ok && assignee == from {
			maxPerClient++
		}
	}
	if *count >= maxPerClient {
		return false
	}
	*count++
	return true
}

// submitWitness sends the local witness's three blooms and the Merkle
// root over the ordered commitment set, at most once per round. The
// coordinator rejects duplicates anyway, but the opportunistic path
// below can race the RoundWitness broadcast.
func (m *Machine) submitWitness(ctx context.Context, rs *RoundState) {
	if rs.Blooms == nil || rs.SelfIndex < 0 {
		return
	}

	rs.mu.Lock()
	if rs.witnessSent {
		rs.mu.Unlock()
		return
	}
	rs.witnessSent = true
	ordered := make([][]byte, len(rs.orderedCommitments))
	copy(ordered, rs.orderedCommitments)
	rs.mu.Unlock()

	root, _ := merkle.Build(ordered).Root()
	w := coordapi.Witness{
		Proof:            rs.Selection.Witnesses[rs.SelfIndex],
		ParticipantBloom: rs.Blooms.Participant.ToWire(),
		BroadcastBloom:   rs.Blooms.Broadcast.ToWire(),
		OrderBloom:       rs.Blooms.Order.ToWire(),
		BroadcastMerkle:  root,
	}
	if err := m.backend.SendWitness(ctx, w); err != nil {
		m.logger.Warn("witness submission failed", "round", rs.Height, "err", err)
	}
}

// TryOpportunisticWitness submits the local witness early, before the
// coordinator's RoundWitness broadcast, once every assigned batch id
// has a payload in hand, letting the coordinator advance ahead of the
// max_round_train_time deadline.
func (m *Machine) TryOpportunisticWitness(ctx context.Context) {
	m.mu.Lock()
	rs := m.current
	state := m.state
	m.mu.Unlock()

	if rs == nil || state != StateTraining || rs.Blooms == nil {
		return
	}
	if !rs.allBatchesReceived() {
		return
	}
	m.logger.Debug("all batch ids received, submitting opportunistic witness", "round", rs.Height)
	go m.submitWitness(ctx, rs)
}

// runApply consumes rs's locally observed results, runs consensus
// selection against the coordinator-accepted Witnesses for rs (looked
// up via witnessesForRound, supplied by the controller), and applies
// the winning gradients via Trainer.Optimize.
func (m *Machine) runApply(ctx context.Context, rs *RoundState) {
	started := time.Now()
	defer func() {
		metrics.ApplyDuration.WithLabelValues("").Observe(time.Since(started).Seconds())
	}()

	bounds := external.WarmupBounds{
		Start:        m.cfg.GlobalBatchSizeStart,
		End:          m.cfg.GlobalBatchSizeEnd,
		WarmupTokens: m.cfg.GlobalBatchSizeWarmupTokens,
	}

	m.mu.Lock()
	lookup := m.witnessesForRound
	m.mu.Unlock()

	var witnesses []coordapi.Witness
	if lookup != nil {
		witnesses = lookup(rs.Height)
	}

	consensusResults := m.selectConsensusResults(rs, witnesses)
	if err := m.trainer.Optimize(ctx, rs.Step, bounds, consensusResults); err != nil {
		m.logger.Warn("apply failed for round", "round", rs.Height, "err", err)
	}
}

// selectConsensusResults runs consensus selection per batch in rs and
// returns the winning gradients ready for Trainer.Optimize, iterating
// batch ids in ascending order so apply is itself deterministic across
// honest nodes that saw the same witness set. A batch is dropped (never
// a fatal error) when no candidate meets witness_quorum, when the
// winner's trainer_nonce is still within cold_start_warmup_steps
// (accepted into consensus, skipped in apply), or when the winning
// payload never finished downloading.
func (m *Machine) selectConsensusResults(rs *RoundState, witnesses []coordapi.Witness) []external.Gradient {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	batchIDs := make([]coordapi.BatchID, 0, len(rs.results))
	for b := range rs.results {
		batchIDs = append(batchIDs, b)
	}
	sort.Slice(batchIDs, func(i, j int) bool { return batchIDs[i] < batchIDs[j] })

	var out []external.Gradient
	for _, b := range batchIDs {
		entries := rs.results[b]
		candidates := make([]consensus.Candidate, len(entries))
		for i, e := range entries {
			candidates[i] = consensus.Candidate{Commitment: [32]byte(e.res.Commitment)}
		}
		idx, ok := consensus.Select(candidates, witnesses, m.cfg.WitnessQuorum)
		if !ok {
			metrics.BatchesWithoutConsensus.WithLabelValues("").Inc()
			d := Discrepancy{BatchID: b}
			if rs.Selection != nil {
				d.TieBreakers = rs.Selection.TieBreakerIdentities(rs.clients)
			}
			rs.Discrepancies = append(rs.Discrepancies, d)
			continue
		}
		winner := entries[idx]
		if winner.res.TrainerNonce < m.cfg.ColdStartWarmupSteps {
			continue
		}
		payload, ok := rs.payloads[winner.res.Commitment]
		if !ok {
			continue
		}
		out = append(out, external.Gradient(payload))
	}
	return out
}

// PendingDownloads returns the blobs this node has observed a commitment
// for but has not yet fetched, for the controller's downloads pipeline.
func (rs *RoundState) PendingDownloads() []PendingDownload {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]PendingDownload, 0, len(rs.downloads))
	for h, d := range rs.downloads {
		if d.state == PayloadReady {
			continue
		}
		out = append(out, PendingDownload{Commitment: h, BatchID: d.batchID, Ticket: d.ticket})
	}
	return out
}

// CompleteDownload records a finished blob fetch's payload, making it
// available to the apply task's consensus selection. It returns true
// once every assigned batch id has a payload in hand, the caller's cue
// to try the opportunistic witness path.
func (rs *RoundState) CompleteDownload(commitment hash.Hash, payload []byte) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if d, ok := rs.downloads[commitment]; ok {
		d.state = PayloadReady
		rs.observePayloadLocked(d.batchID, commitment)
	}
	rs.payloads[commitment] = payload
	return rs.batchesTotal > 0 && len(rs.batchesPending) == 0
}

// observePayloadLocked drains batch_ids_not_yet_trained_on as payloads
// arrive and, for the first payload per batch only, votes the
// commitment into order_bloom and appends it to the ordered commitment
// set the witness's Merkle root authenticates. Callers must hold rs.mu.
func (rs *RoundState) observePayloadLocked(batchID coordapi.BatchID, commitment hash.Hash) {
	delete(rs.batchesPending, batchID)
	if _, seen := rs.orderSeen[batchID]; seen {
		return
	}
	rs.orderSeen[batchID] = struct{}{}
	rs.orderedCommitments = append(rs.orderedCommitments, commitment.Bytes())
	if rs.Blooms != nil {
		rs.Blooms.Order.Add(hash.New(commitment[:]))
	}
}

// MissingParticipants returns the round's client list members whose
// identity never registered in the local participant_bloom, the
// candidate set for a witness's HealthCheck emission. Returns nil when
// the local node is not a witness this round.
func (rs *RoundState) MissingParticipants() []identity.NodeIdentity {
	if rs.Blooms == nil {
		return nil
	}
	var missing []identity.NodeIdentity
	for _, c := range rs.clients {
		if !rs.Blooms.Participant.Contains(hash.New(c.Bytes())) {
			missing = append(missing, c)
		}
	}
	return missing
}
