// Package external defines the collaborator interfaces this module
// consumes but never implements: chain/gossip transport, the
// coordinator's backend view, and the gradient-compute trainer.
// Concrete implementations live outside this module.
package external

import (
	"context"

	"github.com/oasislabs/psyche-coordinator/go/common/identity"
	"github.com/oasislabs/psyche-coordinator/go/coordinator/api"
)

// Backend is the coordinator-facing collaborator each node consumes to
// observe state and submit protocol messages.
type Backend interface {
	// WaitForNewState blocks until the coordinator's run state changes and
	// returns the new snapshot.
	WaitForNewState(ctx context.Context) (*CoordinatorSnapshot, error)

	// SendWitness submits a Witness attestation, fire-and-forget.
	SendWitness(ctx context.Context, w api.Witness) error

	// SendHealthCheck names clients the sender's participant bloom found
	// absent this round, fire-and-forget.
	SendHealthCheck(ctx context.Context, absentees []identity.NodeIdentity) error

	// SendCheckpoint submits a checkpoint, fire-and-forget.
	SendCheckpoint(ctx context.Context, cp api.Checkpoint) error
}

// CoordinatorSnapshot is the coordinator state a node observes through
// Backend.WaitForNewState: enough to drive the local step machine without
// granting direct access to the coordinator's internals. PreviousRound
// and PreviousPreviousRound mirror coordinator.Coordinator's own
// accessors; the apply task needs the accepted Witnesses of the round
// two behind current, which only the coordinator's ring buffer retains.
type CoordinatorSnapshot struct {
	RunState              api.RunState
	Round                 api.Round
	PreviousRound         api.Round
	HasPreviousRound      bool
	PreviousPreviousRound api.Round
	HasPreviousPreviousRound bool
	Clients               []identity.NodeIdentity
	Progress              struct {
		Step  uint64
		Epoch uint64
	}
}

// DownloadProgress reports incremental blob-download status. The final
// event on the channel (Done == true, Err == nil) carries the fetched
// blob bytes in Payload.
type DownloadProgress struct {
	Ticket     []byte
	BytesDone  uint64
	BytesTotal uint64
	Done       bool
	Payload    []byte
	Err        error
}

// Network is the gossip/transport collaborator each node consumes.
type Network interface {
	// Broadcast sends msg to the gossip network, authenticated, best-effort,
	// with no ordering guarantee.
	Broadcast(ctx context.Context, msg []byte) error

	// StartDownload begins fetching the blob named by ticket, returning a
	// channel of progress events closed once the download finishes or fails.
	StartDownload(ctx context.Context, ticket []byte) (<-chan DownloadProgress, error)

	// AddDownloadable registers blob as locally available for other peers
	// to download, returning the ticket that names it.
	AddDownloadable(ctx context.Context, blob []byte) ([]byte, error)
}

// WarmupBounds describes the batch-size ramp a Trainer call should use,
// derived from CoordinatorConfig's global_batch_size_start/end/warmup_tokens.
type WarmupBounds struct {
	Start        uint64
	End          uint64
	WarmupTokens uint64
}

// Gradient is an opaque, serialized gradient artifact produced by Trainer.train
// and consumed by Trainer.optimize once it wins consensus.
type Gradient []byte

// Trainer is the gradient-compute collaborator each node consumes:
// never implemented in this module, always supplied externally (e.g. a
// process driving an actual model).
type Trainer interface {
	// Train runs forward/backward on batch for step, honoring cancel for
	// cooperative cancellation when the coordinator advances past RoundTrain.
	Train(ctx context.Context, step uint64, batch api.BatchID, bounds WarmupBounds, zeroOptim bool, prevResults []Gradient, cancel <-chan struct{}) (Gradient, float64, error)

	// Optimize applies the consensus gradient set for step.
	Optimize(ctx context.Context, step uint64, bounds WarmupBounds, consensusResults []Gradient) error

	// Extract returns the current model tensors, opaque to this repo.
	Extract(ctx context.Context) ([]byte, error)
}

// DataProvider supplies raw training data for a batch. An unreachable
// provider at warmup is fatal to the local node only.
type DataProvider interface {
	FetchBatch(ctx context.Context, id api.BatchID) ([]byte, error)
}

// ModelLoader loads the initial model state at warmup. A load failure
// is fatal to the local node only.
type ModelLoader interface {
	Load(ctx context.Context) ([]byte, error)
}
