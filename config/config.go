// Package config loads a coordinator/api.CoordinatorConfig from
// viper-bound flags. No command tree is registered here; the package
// only exposes flag registration and a loader for an embedding CLI to
// bind.
package config

import (
	"fmt"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/oasislabs/psyche-coordinator/go/common/identity"
	"github.com/oasislabs/psyche-coordinator/go/coordinator/api"
)

const (
	// CfgMaxClients bounds the coordinator's client list.
	CfgMaxClients = "coordinator.max_clients"
	// CfgWarmupTime is the warmup phase duration in seconds.
	CfgWarmupTime = "coordinator.warmup_time_secs"
	// CfgCooldownTime is the cooldown phase duration in seconds; 0 means
	// wait indefinitely for a checkpointer.
	CfgCooldownTime = "coordinator.cooldown_time_secs"
	// CfgMaxRoundTrainTime bounds RoundTrain regardless of progress.
	CfgMaxRoundTrainTime = "coordinator.max_round_train_time_secs"
	// CfgRoundWitnessTime bounds witness aggregation.
	CfgRoundWitnessTime = "coordinator.round_witness_time_secs"
	// CfgRoundApplyTime bounds the apply phase.
	CfgRoundApplyTime = "coordinator.round_apply_time_secs"
	// CfgMinClients is the healthy-client floor below which the coordinator
	// abandons the epoch back to WaitingForMembers.
	CfgMinClients = "coordinator.min_clients"
	// CfgInitMinClients is the healthy-client floor required to leave
	// WaitingForMembers the first time.
	CfgInitMinClients = "coordinator.init_min_clients"
	// CfgGlobalBatchSizeStart is the batch-size ramp's starting value.
	CfgGlobalBatchSizeStart = "coordinator.global_batch_size_start"
	// CfgGlobalBatchSizeEnd is the batch-size ramp's ending value.
	CfgGlobalBatchSizeEnd = "coordinator.global_batch_size_end"
	// CfgGlobalBatchSizeWarmupTokens bounds the ramp's token budget.
	CfgGlobalBatchSizeWarmupTokens = "coordinator.global_batch_size_warmup_tokens"
	// CfgVerificationPercent is the percent of non-witness clients made
	// Verifier.
	CfgVerificationPercent = "coordinator.verification_percent"
	// CfgWitnessNodes is the elected witness-set size.
	CfgWitnessNodes = "coordinator.witness_nodes"
	// CfgWitnessQuorum is the quorum threshold; 0 means unanimous.
	CfgWitnessQuorum = "coordinator.witness_quorum"
	// CfgRoundsPerEpoch is the fixed round count per epoch.
	CfgRoundsPerEpoch = "coordinator.rounds_per_epoch"
	// CfgTotalSteps bounds the run; tick() yields Finished once reached.
	CfgTotalSteps = "coordinator.total_steps"
	// CfgBatchesPerRound is the per-round batch count.
	CfgBatchesPerRound = "coordinator.batches_per_round"
	// CfgDataIndicesPerBatch is the token span of one batch.
	CfgDataIndicesPerBatch = "coordinator.data_indices_per_batch"
	// CfgTieBreakerTasks is the per-round TieBreaker committee size.
	CfgTieBreakerTasks = "coordinator.tie_breaker_tasks"
	// CfgColdStartWarmupSteps is the trainer_nonce threshold below which a
	// consensus-selected result is accepted but skipped in apply.
	CfgColdStartWarmupSteps = "coordinator.cold_start_warmup_steps"
	// CfgBloomTargetFalsePositiveRate tunes the three per-round Bloom filters.
	CfgBloomTargetFalsePositiveRate = "coordinator.bloom_target_false_positive_rate"
	// CfgBloomMaxBits caps the Bloom filters' bit-array size.
	CfgBloomMaxBits = "coordinator.bloom_max_bits"
	// CfgCheckpointers lists the hex-encoded identities allowed to submit a
	// Checkpoint in Cooldown.
	CfgCheckpointers = "coordinator.checkpointers"
	// CfgWhitelist optionally restricts Join() to a known client set.
	CfgWhitelist = "coordinator.whitelist"
)

// Flags has the configuration flags, registered against a dedicated
// FlagSet so an embedding CLI can bind it with viper.BindPFlags.
var Flags = flag.NewFlagSet("", flag.ContinueOnError)

func init() {
	Flags.Uint64(CfgMaxClients, 512, "maximum number of client slots")
	Flags.Uint64(CfgWarmupTime, 60, "warmup phase duration, in seconds")
	Flags.Uint64(CfgCooldownTime, 0, "cooldown phase duration, in seconds (0 = wait for checkpoint)")
	Flags.Uint64(CfgMaxRoundTrainTime, 300, "max round-train phase duration, in seconds")
	Flags.Uint64(CfgRoundWitnessTime, 30, "round-witness phase duration, in seconds")
	Flags.Uint64(CfgRoundApplyTime, 10, "round-apply phase duration, in seconds")
	Flags.Uint64(CfgMinClients, 1, "minimum healthy clients to keep an epoch running")
	Flags.Uint64(CfgInitMinClients, 1, "minimum healthy clients to leave WaitingForMembers")
	Flags.Uint64(CfgGlobalBatchSizeStart, 1, "global batch size at the start of the warmup ramp")
	Flags.Uint64(CfgGlobalBatchSizeEnd, 1, "global batch size at the end of the warmup ramp")
	Flags.Uint64(CfgGlobalBatchSizeWarmupTokens, 0, "token budget of the batch size ramp")
	Flags.Uint64(CfgVerificationPercent, 0, "percent of non-witness clients assigned Verifier")
	Flags.Uint64(CfgWitnessNodes, 1, "number of elected witness nodes per round")
	Flags.Uint64(CfgWitnessQuorum, 0, "witness quorum (0 = unanimous)")
	Flags.Uint64(CfgRoundsPerEpoch, 4, "rounds per epoch")
	Flags.Uint64(CfgTotalSteps, 0, "total steps before the run finishes (0 finishes it on the first tick)")
	Flags.Uint64(CfgBatchesPerRound, 1, "batches per round")
	Flags.Uint64(CfgDataIndicesPerBatch, 1, "data indices spanned by one batch")
	Flags.Uint64(CfgTieBreakerTasks, 0, "tie-breaker committee size per round")
	Flags.Uint64(CfgColdStartWarmupSteps, 0, "trainer_nonce threshold below which apply skips a result")
	Flags.Float64(CfgBloomTargetFalsePositiveRate, 0.01, "target Bloom filter false-positive rate")
	Flags.Uint64(CfgBloomMaxBits, 1<<20, "Bloom filter bit-array cap")
	Flags.StringSlice(CfgCheckpointers, nil, "hex-encoded identities allowed to checkpoint")
	Flags.StringSlice(CfgWhitelist, nil, "hex-encoded identities allowed to join (empty = open)")
}

func parseIdentities(values []string) ([]identity.NodeIdentity, error) {
	if len(values) == 0 {
		return nil, nil
	}
	ids := make([]identity.NodeIdentity, 0, len(values))
	for _, v := range values {
		id, err := identity.FromHex(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid identity %q: %w", v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FromViper builds a CoordinatorConfig from whatever viper has bound
// (flags, env, config file), running SanityCheck before returning it so a
// coordinator never starts from an unusable configuration.
func FromViper() (*api.CoordinatorConfig, error) {
	checkpointers, err := parseIdentities(viper.GetStringSlice(CfgCheckpointers))
	if err != nil {
		return nil, err
	}
	whitelist, err := parseIdentities(viper.GetStringSlice(CfgWhitelist))
	if err != nil {
		return nil, err
	}

	cfg := &api.CoordinatorConfig{
		MaxClients:                   viper.GetUint64(CfgMaxClients),
		WarmupTime:                   viper.GetUint64(CfgWarmupTime),
		CooldownTime:                 viper.GetUint64(CfgCooldownTime),
		MaxRoundTrainTime:            viper.GetUint64(CfgMaxRoundTrainTime),
		RoundWitnessTime:             viper.GetUint64(CfgRoundWitnessTime),
		RoundApplyTime:               viper.GetUint64(CfgRoundApplyTime),
		MinClients:                   viper.GetUint64(CfgMinClients),
		InitMinClients:               viper.GetUint64(CfgInitMinClients),
		GlobalBatchSizeStart:         viper.GetUint64(CfgGlobalBatchSizeStart),
		GlobalBatchSizeEnd:           viper.GetUint64(CfgGlobalBatchSizeEnd),
		GlobalBatchSizeWarmupTokens:  viper.GetUint64(CfgGlobalBatchSizeWarmupTokens),
		VerificationPercent:          viper.GetUint64(CfgVerificationPercent),
		WitnessNodes:                 viper.GetUint64(CfgWitnessNodes),
		WitnessQuorum:                viper.GetUint64(CfgWitnessQuorum),
		RoundsPerEpoch:               viper.GetUint64(CfgRoundsPerEpoch),
		TotalSteps:                   viper.GetUint64(CfgTotalSteps),
		BatchesPerRound:              viper.GetUint64(CfgBatchesPerRound),
		DataIndicesPerBatch:          viper.GetUint64(CfgDataIndicesPerBatch),
		TieBreakerTasks:              viper.GetUint64(CfgTieBreakerTasks),
		ColdStartWarmupSteps:         viper.GetUint64(CfgColdStartWarmupSteps),
		BloomTargetFalsePositiveRate: viper.GetFloat64(CfgBloomTargetFalsePositiveRate),
		BloomMaxBits:                 viper.GetUint64(CfgBloomMaxBits),
		Checkpointers:                checkpointers,
		Whitelist:                    whitelist,
	}

	if err := cfg.SanityCheck(); err != nil {
		return nil, err
	}
	return cfg, nil
}
