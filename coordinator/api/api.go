// Package api defines the coordinator's data model: run state, config,
// client/round/witness types and the wire messages exchanged between a
// node and the coordinator.
package api

import (
	"errors"
	"fmt"

	"github.com/oasislabs/psyche-coordinator/go/assignment"
	"github.com/oasislabs/psyche-coordinator/go/bloom"
	"github.com/oasislabs/psyche-coordinator/go/common/cbor"
	"github.com/oasislabs/psyche-coordinator/go/common/crypto/hash"
	"github.com/oasislabs/psyche-coordinator/go/common/identity"
	scheduler "github.com/oasislabs/psyche-coordinator/go/scheduler/api"
)

// NumStoredRounds is the ring-buffer capacity for round history: enough
// to retain current, previous and previous-previous plus one scratch
// slot, which is what the two-round apply lookback plus one round of
// overlap demands.
const NumStoredRounds = 4

// Protocol errors, reported to the caller and logged; never fatal to the
// coordinator or to other participants.
var (
	ErrDisabled         = errors.New("coordinator: disabled (min_clients == 0)")
	ErrFinished         = errors.New("coordinator: run has finished")
	ErrHalted           = errors.New("coordinator: run is halted")
	ErrInvalidWitness   = errors.New("coordinator: invalid witness")
	ErrDuplicateWitness = errors.New("coordinator: duplicate witness")
	ErrInvalidRunState  = errors.New("coordinator: operation not valid in current run state")
	ErrInvalidHealthCheck = errors.New("coordinator: invalid health check")
	ErrNotWhitelisted  = errors.New("coordinator: client not whitelisted")
	ErrAlreadyJoined   = errors.New("coordinator: client already joined")
	ErrRunFull         = errors.New("coordinator: run is at max clients")
	ErrNotCheckpointer = errors.New("coordinator: sender is not a listed checkpointer")
	ErrInvalidClient   = errors.New("coordinator: no such client")
)

// RunState is the global run-state automaton.
type RunState uint8

const (
	RunStateWaitingForMembers RunState = iota
	RunStateWarmup
	RunStateRoundTrain
	RunStateRoundWitness
	RunStateRoundApply
	RunStateCooldown
	RunStatePaused
	RunStateFinished
)

func (s RunState) String() string {
	switch s {
	case RunStateWaitingForMembers:
		return "waiting_for_members"
	case RunStateWarmup:
		return "warmup"
	case RunStateRoundTrain:
		return "round_train"
	case RunStateRoundWitness:
		return "round_witness"
	case RunStateRoundApply:
		return "round_apply"
	case RunStateCooldown:
		return "cooldown"
	case RunStatePaused:
		return "paused"
	case RunStateFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown run state: %d", s)
	}
}

// ClientState is a client's membership lifecycle state.
type ClientState uint8

const (
	ClientHealthy ClientState = iota
	ClientDropped
	ClientWithdrawn
)

func (s ClientState) String() string {
	switch s {
	case ClientHealthy:
		return "healthy"
	case ClientDropped:
		return "dropped"
	case ClientWithdrawn:
		return "withdrawn"
	default:
		return fmt.Sprintf("unknown client state: %d", s)
	}
}

// Client is one participant slot in the coordinator's epoch_state.
type Client struct {
	ID                      identity.NodeIdentity `codec:"id"`
	State                   ClientState            `codec:"state"`
	Slashed                 bool                   `codec:"slashed"`
	DroppingAtEndOfRound     bool                  `codec:"dropping_at_end_of_round"`
}

// CoordinatorConfig is the coordinator's static configuration.
type CoordinatorConfig struct {
	MaxClients       uint64 `toml:"max_clients"`
	WarmupTime       uint64 `toml:"warmup_time_secs"`
	CooldownTime     uint64 `toml:"cooldown_time_secs"`
	MaxRoundTrainTime uint64 `toml:"max_round_train_time_secs"`
	RoundWitnessTime uint64 `toml:"round_witness_time_secs"`
	RoundApplyTime   uint64 `toml:"round_apply_time_secs"`

	MinClients     uint64 `toml:"min_clients"`
	InitMinClients uint64 `toml:"init_min_clients"`

	GlobalBatchSizeStart        uint64 `toml:"global_batch_size_start"`
	GlobalBatchSizeEnd          uint64 `toml:"global_batch_size_end"`
	GlobalBatchSizeWarmupTokens uint64 `toml:"global_batch_size_warmup_tokens"`

	VerificationPercent uint64 `toml:"verification_percent"`
	WitnessNodes        uint64 `toml:"witness_nodes"`
	WitnessQuorum       uint64 `toml:"witness_quorum"`

	RoundsPerEpoch uint64 `toml:"rounds_per_epoch"`
	TotalSteps     uint64 `toml:"total_steps"`

	BatchesPerRound     uint64 `toml:"batches_per_round"`
	DataIndicesPerBatch uint64 `toml:"data_indices_per_batch"`
	TieBreakerTasks     uint64 `toml:"tie_breaker_tasks"`

	ColdStartWarmupSteps uint64 `toml:"cold_start_warmup_steps"`

	BloomTargetFalsePositiveRate float64 `toml:"bloom_target_false_positive_rate"`
	BloomMaxBits                 uint64  `toml:"bloom_max_bits"`

	Checkpointers []identity.NodeIdentity `toml:"checkpointers"`

	// Whitelist restricts Join to a known client set. Nil (the zero
	// value) means open to any client up to max_clients.
	Whitelist []identity.NodeIdentity `toml:"whitelist,omitempty"`
}

// SanityCheck rejects an unusable configuration before the coordinator
// starts from it.
func (c *CoordinatorConfig) SanityCheck() error {
	if c.MaxClients == 0 {
		return fmt.Errorf("coordinator: sanity check failed: max_clients must be > 0")
	}
	if c.MinClients > c.MaxClients {
		return fmt.Errorf("coordinator: sanity check failed: min_clients > max_clients")
	}
	if c.InitMinClients > c.MaxClients {
		return fmt.Errorf("coordinator: sanity check failed: init_min_clients > max_clients")
	}
	if c.RoundsPerEpoch == 0 {
		return fmt.Errorf("coordinator: sanity check failed: rounds_per_epoch must be > 0")
	}
	if c.WitnessNodes > c.MaxClients {
		return fmt.Errorf("coordinator: sanity check failed: witness_nodes > max_clients")
	}
	if c.GlobalBatchSizeStart == 0 || c.GlobalBatchSizeEnd == 0 {
		return fmt.Errorf("coordinator: sanity check failed: global_batch_size_start/end must be > 0")
	}
	if c.BatchesPerRound == 0 || c.DataIndicesPerBatch == 0 {
		return fmt.Errorf("coordinator: sanity check failed: batches_per_round and data_indices_per_batch must be > 0")
	}
	if c.BloomTargetFalsePositiveRate <= 0 || c.BloomTargetFalsePositiveRate >= 1 {
		return fmt.Errorf("coordinator: sanity check failed: bloom_target_false_positive_rate must be in (0, 1)")
	}
	return nil
}

// Witness is a witness node's per-round attestation: three Bloom filters
// plus a Merkle root over the ordered commitment set.
type Witness struct {
	Proof            scheduler.WitnessProof `codec:"proof"`
	ParticipantBloom bloom.Wire             `codec:"participant_bloom"`
	BroadcastBloom   bloom.Wire             `codec:"broadcast_bloom"`
	OrderBloom       bloom.Wire             `codec:"order_bloom"`
	BroadcastMerkle  hash.Hash              `codec:"broadcast_merkle"`
	Metadata         []byte                 `codec:"metadata,omitempty"`
}

// Round is the coordinator's view of one train/witness/apply cycle.
type Round struct {
	Height          uint32                    `codec:"height"`
	RandomSeed      uint64                    `codec:"random_seed"`
	DataIndex       uint64                    `codec:"data_index"`
	TieBreakerTasks uint32                    `codec:"tie_breaker_tasks"`
	Witnesses       []Witness                 `codec:"witnesses"`
	ClientsLen      uint32                    `codec:"clients_len"`
}

// EmptyRound returns the zero-value placeholder stored in ring-buffer
// slots that have not yet held a real round.
func EmptyRound() Round {
	return Round{}
}

// MarshalCBOR serializes the type into a CBOR byte vector.
func (r *Round) MarshalCBOR() []byte {
	return cbor.Marshal(r)
}

// UnmarshalCBOR deserializes a CBOR byte vector into the given type.
func (r *Round) UnmarshalCBOR(data []byte) error {
	return cbor.Unmarshal(data, r)
}

// MaxWitnesses is the bounded capacity of Round.Witnesses for a given
// config.
func MaxWitnesses(cfg *CoordinatorConfig) int {
	if cfg.WitnessNodes == 0 {
		return 1
	}
	return int(cfg.WitnessNodes)
}

// BatchID re-exports assignment.BatchID so callers of coordinator/api do
// not need to import assignment directly for wire message field types.
type BatchID = assignment.BatchID

// Envelope is the signed gossip wire envelope: a sender identity, an
// opaque canonical-CBOR inner message, and the transport's signature
// over it. Signature production and verification belong to the external
// Network collaborator; this module only carries the field across.
type Envelope struct {
	From      identity.NodeIdentity `codec:"from"`
	Data      []byte                `codec:"data"`
	Signature [64]byte              `codec:"signature"`
}

// MarshalCBOR serializes the type into a CBOR byte vector.
func (e *Envelope) MarshalCBOR() []byte {
	return cbor.Marshal(e)
}

// UnmarshalCBOR deserializes a CBOR byte vector into the given type.
func (e *Envelope) UnmarshalCBOR(data []byte) error {
	return cbor.Unmarshal(data, e)
}

// TrainingResult is the wire message a trainer gossips after computing a
// gradient artifact for a batch.
type TrainingResult struct {
	Step         uint64                  `codec:"step"`
	BatchID      BatchID                 `codec:"batch_id"`
	Commitment   hash.Hash               `codec:"commitment"`
	Ticket       []byte                  `codec:"ticket"`
	Proof        scheduler.CommitteeProof `codec:"proof"`
	TrainerNonce uint64                  `codec:"trainer_nonce"`
}

// HealthCheck names a client a witness believes is absent this round.
type HealthCheck struct {
	From   identity.NodeIdentity `codec:"from"`
	Absent identity.NodeIdentity `codec:"absent"`
}

// Checkpoint is submitted by a listed checkpointer in Cooldown to end the
// epoch early.
type Checkpoint struct {
	From     identity.NodeIdentity `codec:"from"`
	Metadata []byte                `codec:"metadata,omitempty"`
}

// TickResult reports what tick(...) did, for logging/metrics purposes.
type TickResult struct {
	Advanced bool     `codec:"advanced"`
	From     RunState `codec:"from"`
	To       RunState `codec:"to"`
}
