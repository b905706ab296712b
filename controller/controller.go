// Package controller implements the per-node training controller: the
// top-level service that owns the training/downloads/apply pipelines
// the step package's per-round state machine exposes hooks for, polls
// the coordinator for run-state broadcasts, drives the blob downloads
// pipeline, and emits health checks. It embeds
// common/service.BaseBackgroundService for Name()/Quit()/Cleanup(), and
// adds its own context-taking Start() and Initialized() since its
// background loops need a context to cancel on.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	perrors "github.com/pkg/errors"

	"github.com/oasislabs/psyche-coordinator/go/common/crypto/hash"
	"github.com/oasislabs/psyche-coordinator/go/common/identity"
	"github.com/oasislabs/psyche-coordinator/go/common/service"
	coordapi "github.com/oasislabs/psyche-coordinator/go/coordinator/api"
	"github.com/oasislabs/psyche-coordinator/go/external"
	"github.com/oasislabs/psyche-coordinator/go/metrics"
	"github.com/oasislabs/psyche-coordinator/go/step"
)

// downloadPollInterval is how often the downloads pipeline re-scans the
// current round's PendingDownloads for blobs it has not yet started
// fetching. Gossip delivery is not observed directly by this package,
// so a poll loop drives the pipeline.
const downloadPollInterval = 250 * time.Millisecond

// Controller is the per-node training controller. It owns no transport
// or compute of its own; those are the external.Backend,
// external.Network and external.Trainer collaborators it is constructed
// with. It drives the step.Machine through the coordinator's broadcast
// run-state, fetches blobs referenced by gossiped TrainingResults, and
// reports absent clients via HealthCheck.
type Controller struct {
	service.BaseBackgroundService

	mu sync.Mutex

	self    identity.NodeIdentity
	cfg     coordapi.CoordinatorConfig
	backend external.Backend
	network external.Network
	trainer external.Trainer

	machine *step.Machine

	lastSnapshot external.CoordinatorSnapshot
	haveSnapshot bool

	inFlightDownloads map[hash.Hash]struct{}
	healthCheckedRound uint32
	healthCheckDone    bool

	ctx       context.Context
	cancelCtx context.CancelFunc
	initCh    chan struct{}
	stopOnce  sync.Once
}

// New constructs a Controller wrapping a fresh step.Machine for self.
func New(self identity.NodeIdentity, cfg coordapi.CoordinatorConfig, backend external.Backend, network external.Network, trainer external.Trainer) *Controller {
	metrics.MustRegister()

	c := &Controller{
		BaseBackgroundService: *service.NewBaseBackgroundService("controller"),
		self:                  self,
		cfg:                   cfg,
		backend:               backend,
		network:               network,
		trainer:               trainer,
		machine:               step.New(self, cfg, backend, network, trainer),
		inFlightDownloads:     make(map[hash.Hash]struct{}),
		initCh:                make(chan struct{}),
	}
	c.machine.SetWitnessLookup(c.witnessesForHeight)
	return c
}

// Machine returns the controller's step machine, for callers (e.g. a
// gossip handler) that need to feed OnGossipResult directly.
func (c *Controller) Machine() *step.Machine {
	return c.machine
}

// Start begins polling the coordinator and running the downloads
// pipeline in the background. It shadows BaseBackgroundService.Start(),
// which takes no context, because the controller's background loops
// need one to cancel on.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancelCtx = context.WithCancel(ctx)

	go c.pollCoordinator()
	go c.pumpDownloads()

	close(c.initCh)
	return nil
}

// Stop halts the controller's background goroutines and closes Quit(), via
// the embedded BaseBackgroundService. Safe to call more than once, and safe
// to race with pollCoordinator's own deferred closeQuit when its context is
// cancelled.
func (c *Controller) Stop() {
	if c.cancelCtx != nil {
		c.cancelCtx()
	}
	c.closeQuit()
}

// closeQuit closes the embedded BaseBackgroundService's quit channel
// exactly once, whether triggered by an explicit Stop() or by
// pollCoordinator exiting once its context is cancelled. Backend errors do
// not end that loop; they are logged and the wait is retried.
func (c *Controller) closeQuit() {
	c.stopOnce.Do(c.BaseBackgroundService.Stop)
}

// Initialized returns a channel closed once Start has spawned the
// controller's goroutines.
func (c *Controller) Initialized() <-chan struct{} {
	return c.initCh
}

// pollCoordinator is the controller's main loop: coordinator state
// transitions are observed, never driven, by a node. Each new snapshot
// drives the step machine's transitions and, on entering RoundApply,
// triggers health-check emission (coordinator.HealthCheck is only valid
// in RoundApply).
func (c *Controller) pollCoordinator() {
	defer c.closeQuit()

	for {
		snap, err := c.backend.WaitForNewState(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.Logger.Warn("wait for new coordinator state failed", "err", err)
			continue
		}

		c.mu.Lock()
		c.lastSnapshot = *snap
		c.haveSnapshot = true
		c.mu.Unlock()

		if err := c.machine.OnCoordinatorState(c.ctx, snap.RunState, snap.Round, snap.Progress.Step, snap.Clients); err != nil {
			if errors.Is(err, step.ErrDesync) {
				c.Logger.Warn("step machine desynced from coordinator, resetting to warmup",
					"run_state", snap.RunState,
				)
			} else {
				c.Logger.Warn("step machine rejected coordinator state", "err", err)
			}
		}

		if snap.RunState == coordapi.RunStateRoundTrain {
			metrics.RoundsStarted.WithLabelValues("").Inc()
			c.resetHealthCheck(snap.Round.Height)
		}
		if snap.RunState == coordapi.RunStateRoundApply {
			c.emitHealthChecks()
		}
	}
}

// witnessesForHeight answers the step machine's apply task: which round
// in the last observed snapshot (current, previous, or
// previous-previous) matches height, and its accepted Witnesses.
func (c *Controller) witnessesForHeight(height uint32) []coordapi.Witness {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.haveSnapshot {
		return nil
	}
	if c.lastSnapshot.HasPreviousPreviousRound && c.lastSnapshot.PreviousPreviousRound.Height == height {
		return c.lastSnapshot.PreviousPreviousRound.Witnesses
	}
	if c.lastSnapshot.HasPreviousRound && c.lastSnapshot.PreviousRound.Height == height {
		return c.lastSnapshot.PreviousRound.Witnesses
	}
	if c.lastSnapshot.Round.Height == height {
		return c.lastSnapshot.Round.Witnesses
	}
	return nil
}

// resetHealthCheck is called on entering a new round's RoundTrain so a
// fresh HealthCheck may be sent once that round's RoundApply arrives.
func (c *Controller) resetHealthCheck(height uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthCheckedRound = height
	c.healthCheckDone = false
}

// emitHealthChecks sends a HealthCheck naming every client this node's
// participant_bloom never saw this round, once per round, only if this
// node was elected witness (RoundState.MissingParticipants returns nil
// otherwise). The round must be the one resetHealthCheck last armed, so
// a stale RoundApply snapshot arriving after the step machine has moved
// on cannot report against the wrong round's bloom.
func (c *Controller) emitHealthChecks() {
	rs := c.machine.CurrentRound()
	if rs == nil {
		return
	}

	c.mu.Lock()
	if c.healthCheckDone || rs.Height != c.healthCheckedRound {
		c.mu.Unlock()
		return
	}
	c.healthCheckDone = true
	c.mu.Unlock()

	missing := rs.MissingParticipants()
	if len(missing) == 0 {
		return
	}
	if err := c.backend.SendHealthCheck(c.ctx, missing); err != nil {
		c.Logger.Warn("health check submission failed", "round", rs.Height, "err", err)
	}
}

// pumpDownloads periodically scans the current round's PendingDownloads
// and starts a fetch for each blob not already in flight. Transient
// download failures are logged and dropped; consensus selection will
// simply exclude any batch whose winning payload never arrived.
func (c *Controller) pumpDownloads() {
	ticker := time.NewTicker(downloadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			rs := c.machine.CurrentRound()
			if rs == nil {
				continue
			}
			for _, pd := range rs.PendingDownloads() {
				c.mu.Lock()
				_, already := c.inFlightDownloads[pd.Commitment]
				if !already {
					c.inFlightDownloads[pd.Commitment] = struct{}{}
				}
				c.mu.Unlock()
				if already {
					continue
				}
				go c.fetchOne(rs, pd)
			}
		}
	}
}

// fetchOne drives one blob download to completion (or failure) and
// records the result on rs.
func (c *Controller) fetchOne(rs *step.RoundState, pd step.PendingDownload) {
	defer func() {
		c.mu.Lock()
		delete(c.inFlightDownloads, pd.Commitment)
		c.mu.Unlock()
	}()

	progress, err := c.network.StartDownload(c.ctx, pd.Ticket)
	if err != nil {
		c.Logger.Warn("start download failed", "batch_id", pd.BatchID, "err", perrors.Wrap(err, "controller"))
		return
	}

	for ev := range progress {
		if ev.Err != nil {
			c.Logger.Warn("download failed", "batch_id", pd.BatchID, "err", perrors.Wrap(ev.Err, "controller"))
			return
		}
		if ev.Done {
			if rs.CompleteDownload(pd.Commitment, ev.Payload) {
				c.machine.TryOpportunisticWitness(c.ctx)
			}
			return
		}
	}
}
