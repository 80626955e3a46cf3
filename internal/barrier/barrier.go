// Package barrier implements the barrier manager: strictly
// monotonic epoch generation, and the per-epoch state machine that
// injects a command into every source actor, collects acknowledgments,
// and commits the epoch.
package barrier

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/streamctl/internal/cluster"
	"github.com/dreamware/streamctl/internal/metaerrors"
	"github.com/dreamware/streamctl/internal/rpcclient"
)

// Epoch is a strictly monotonically increasing logical timestamp.
type Epoch uint64

// Next returns an epoch guaranteed greater than e.
func (e Epoch) Next() Epoch { return e + 1 }

// MutationKind distinguishes the payload a Command carries.
type MutationKind int

const (
	Plain MutationKind = iota
	CreateMV
	DropMV
	Reschedule
	SourceSplitChange
)

// ActorSplits maps an actor to the source splits it should resume
// reading from, attached to Add mutations.
type ActorSplits map[uint64][]string

// Command is the mutation carried by a barrier.
type Command struct {
	ActorSplits ActorSplits
	Kind        MutationKind
	IsAdd       bool
}

// AddCommand builds the Plain(Add{actor_splits}) command every
// recovery-produced barrier carries.
func AddCommand(splits ActorSplits) Command {
	return Command{Kind: Plain, IsAdd: true, ActorSplits: splits}
}

// State is a barrier's position in its per-epoch state machine:
// Pending → Injecting → InFlight → Collected →
// Committed, or Failed from Injecting/InFlight.
type State int

const (
	Pending State = iota
	Injecting
	InFlight
	Collected
	Committed
	Failed
)

// ActorInfo snapshots, for recovery and injection, which actors live
// on which live workers.
type ActorInfo struct {
	ActorMap map[cluster.WorkerID][]uint64
	NodeMap  map[cluster.WorkerID]cluster.Worker
}

// Workers returns the workers hosting source actors, the injection
// targets.
func (a ActorInfo) Workers() []cluster.WorkerID {
	ids := make([]cluster.WorkerID, 0, len(a.ActorMap))
	for id := range a.ActorMap {
		ids = append(ids, id)
	}
	return ids
}

// PostCollectFunc persists side effects that must become visible
// atomically with the epoch once every actor has acknowledged.
type PostCollectFunc func(ctx context.Context, prev, curr Epoch, cmd Command) error

// Manager drives one barrier at a time through its state machine. It
// is a long-lived task: the caller constructs one Manager per running
// cluster and calls InjectAndCollect from a single goroutine.
type Manager struct {
	clients     rpcclient.Pool
	postCollect PostCollectFunc
	log         zerolog.Logger
	mu          sync.Mutex
	prevEpoch   Epoch
	currEpoch   Epoch
	checkpoint  *CheckpointControl
}

// NewManager constructs a barrier manager starting from prevEpoch
// (typically the last committed epoch, or 0 on a fresh cluster).
func NewManager(clients rpcclient.Pool, postCollect PostCollectFunc, maxInFlight int, log zerolog.Logger) *Manager {
	return &Manager{
		clients:     clients,
		postCollect: postCollect,
		checkpoint:  NewCheckpointControl(maxInFlight),
		log:         log,
	}
}

// ResetEpoch forcibly sets the manager's current epoch, used by
// recovery to seed the epoch the init barrier's prev_epoch/curr_epoch
// pair is computed from.
func (m *Manager) ResetEpoch(e Epoch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Debug().Uint64("epoch", uint64(e)).Msg("reset current epoch")
	m.currEpoch = e
}

// AbortScheduled drains every buffered-but-uninjected barrier, as
// recovery does before proceeding.
func (m *Manager) AbortScheduled() []Epoch {
	aborted := m.checkpoint.Abort()
	if len(aborted) > 0 {
		m.log.Info().Int("count", len(aborted)).Msg("aborted scheduled barriers")
	}
	return aborted
}

// PrevEpoch and CurrEpoch expose the manager's current position.
func (m *Manager) PrevEpoch() Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevEpoch
}

func (m *Manager) CurrEpoch() Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currEpoch
}

// Result is what InjectAndCollect returns: the committed epoch and any
// per-actor synced state the acks carried.
type Result struct {
	SyncedState map[uint64]string
	Epoch       Epoch
}

// InjectAndCollect drives exactly one epoch's barrier through its full
// state machine: PENDING -> INJECTING -> IN_FLIGHT -> COLLECTED ->
// COMMITTED, or FAILED on any RPC error. isCheckpoint
// marks whether collection should trigger a durable state commit.
func (m *Manager) InjectAndCollect(ctx context.Context, info ActorInfo, cmd Command, isCheckpoint bool) (Result, error) {
	m.mu.Lock()
	next := m.currEpoch.Next()
	prev := m.currEpoch
	m.prevEpoch = prev
	m.currEpoch = next
	m.mu.Unlock()

	if err := m.checkpoint.Track(next); err != nil {
		return Result{}, err
	}
	defer m.checkpoint.Untrack(next)

	workers := info.Workers()
	m.log.Debug().
		Uint64("prev_epoch", uint64(prev)).
		Uint64("curr_epoch", uint64(next)).
		Bool("checkpoint", isCheckpoint).
		Int("workers", len(workers)).
		Msg("inject barrier")
	g, gctx := errgroup.WithContext(ctx)
	acks := make([]map[uint64]string, len(workers))
	for i, wid := range workers {
		i, wid := i, wid
		g.Go(func() error {
			client, err := m.clients.Get(info.NodeMap[wid])
			if err != nil {
				return metaerrors.Wrap(metaerrors.Rpc, err, fmt.Sprintf("no client for worker %v", wid))
			}
			ack, err := client.InjectBarrier(gctx, rpcclient.InjectBarrierRequest{
				PrevEpoch:    uint64(prev),
				CurrEpoch:    uint64(next),
				Command:      toWireCommand(cmd),
				IsCheckpoint: isCheckpoint,
			})
			if err != nil {
				return metaerrors.Wrap(metaerrors.Rpc, err, "inject_barrier failed")
			}
			acks[i] = ack.SyncedState
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.log.Error().Err(err).Uint64("curr_epoch", uint64(next)).Msg("barrier failed")
		return Result{}, err
	}

	merged := make(map[uint64]string)
	for _, a := range acks {
		for k, v := range a {
			merged[k] = v
		}
	}

	if m.postCollect != nil {
		if err := m.postCollect(ctx, prev, next, cmd); err != nil {
			return Result{}, metaerrors.Wrap(metaerrors.Internal, err, "post_collect failed")
		}
	}

	m.log.Debug().Uint64("epoch", uint64(next)).Int("synced_actors", len(merged)).Msg("barrier committed")
	return Result{Epoch: next, SyncedState: merged}, nil
}

func toWireCommand(cmd Command) rpcclient.Command {
	return rpcclient.Command{Kind: int(cmd.Kind), IsAdd: cmd.IsAdd, ActorSplits: cmd.ActorSplits}
}

// CheckpointControl buffers in-flight barriers up to a max-in-flight
// bound; buffered-but-not-yet-injected barriers are abortable, and
// recovery always aborts them first.
type CheckpointControl struct {
	mu          sync.Mutex
	inFlight    map[Epoch]struct{}
	maxInFlight int
}

// NewCheckpointControl creates a checkpoint buffer with the given
// max-in-flight bound (0 means unbounded).
func NewCheckpointControl(maxInFlight int) *CheckpointControl {
	return &CheckpointControl{inFlight: make(map[Epoch]struct{}), maxInFlight: maxInFlight}
}

// Track admits epoch e into the in-flight set, failing if the bound is exceeded.
func (c *CheckpointControl) Track(e Epoch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxInFlight > 0 && len(c.inFlight) >= c.maxInFlight {
		return metaerrors.New(metaerrors.Internal, "too many in-flight barriers")
	}
	c.inFlight[e] = struct{}{}
	return nil
}

// Untrack removes epoch e from the in-flight set on completion or abort.
func (c *CheckpointControl) Untrack(e Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, e)
}

// Abort drains every tracked epoch, as recovery does before proceeding.
func (c *CheckpointControl) Abort() []Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Epoch, 0, len(c.inFlight))
	for e := range c.inFlight {
		out = append(out, e)
	}
	c.inFlight = make(map[Epoch]struct{})
	return out
}

// InFlightCount reports how many barriers are currently tracked.
func (c *CheckpointControl) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}
