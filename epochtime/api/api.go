// Package api defines the progress clock that tracks a training run's
// step and epoch counters.
//
// There is no external epoch oracle: the coordinator itself is the sole
// Backend implementation, advancing EpochTime as its own run-state
// machine advances epochs.
package api

import (
	"context"

	"github.com/oasislabs/psyche-coordinator/go/common/pubsub"
)

// EpochTime counts epochs (full lobby-to-cooldown cycles) since run start.
type EpochTime uint64

// EpochInvalid is the placeholder invalid epoch.
const EpochInvalid EpochTime = 0xffffffffffffffff

// StepTime counts rounds (steps) since run start.
type StepTime uint64

// StepInvalid is the placeholder invalid step.
const StepInvalid StepTime = 0xffffffffffffffff

// Backend is the progress-clock implementation. The coordinator satisfies
// this directly; there is no separate service to dial.
type Backend interface {
	// GetEpoch returns the current epoch and the step at which it began.
	GetEpoch(context.Context) (EpochTime, StepTime, error)

	// GetStep returns the current global step counter.
	GetStep(context.Context) (StepTime, error)

	// WatchEpochs returns a channel that produces a stream of messages on
	// epoch transitions. Upon subscription the current epoch is sent
	// immediately.
	WatchEpochs() (<-chan EpochTime, *pubsub.Subscription)
}
