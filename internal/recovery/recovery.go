// Package recovery implements the Recovery Coordinator: the
// fixed protocol that re-establishes a consistent cluster state after
// a barrier failure, and yields control back to the barrier manager
// at a fresh epoch.
//
// Each step of the protocol is idempotent, so the whole sequence is
// retried as a unit with exponential backoff on any failure.
package recovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/streamctl/internal/barrier"
	"github.com/dreamware/streamctl/internal/cluster"
	"github.com/dreamware/streamctl/internal/fragment"
	"github.com/dreamware/streamctl/internal/metaerrors"
	"github.com/dreamware/streamctl/internal/rpcclient"
	"github.com/dreamware/streamctl/internal/scheduler"
	"github.com/dreamware/streamctl/internal/source"
)

// retryBaseInterval and retryMaxInterval are the backoff bounds for
// steps 4-10.
const (
	retryBaseInterval = 20 * time.Millisecond
	retryMaxInterval  = 5 * time.Second

	// newWorkerPollInterval is how often migrate_actors polls for newly
	// joined compute workers while waiting to cover expired ones.
	newWorkerPollInterval = 100 * time.Millisecond
)

// Coordinator drives recovery across the cluster's registry,
// fragment placement, source manager, and barrier manager.
type Coordinator struct {
	registry  *cluster.Registry
	fragments *fragment.Manager
	sources   *source.Manager
	barriers  *barrier.Manager
	clients   rpcclient.Pool
	log       zerolog.Logger
}

// New constructs a recovery coordinator over the given subsystems.
func New(registry *cluster.Registry, fragments *fragment.Manager, sources *source.Manager, barriers *barrier.Manager, clients rpcclient.Pool, log zerolog.Logger) *Coordinator {
	return &Coordinator{registry: registry, fragments: fragments, sources: sources, barriers: barriers, clients: clients, log: log}
}

// Recover runs the fixed recovery protocol and returns
// the fresh epoch barrier processing resumes at. It blocks until
// recovery succeeds; there is no outer timeout, and every step retries
// with unbounded attempts until it converges.
func (c *Coordinator) Recover(ctx context.Context, prevEpoch barrier.Epoch) (barrier.Epoch, error) {
	guard := c.sources.Pause()
	defer guard.Release()

	aborted := c.barriers.AbortScheduled()
	c.log.Info().Int("aborted", len(aborted)).Msg("recovery start")

	if err := c.cleanDirtyFragments(ctx); err != nil {
		return 0, metaerrors.Wrap(metaerrors.Internal, err, "clean dirty fragments")
	}

	var newEpoch barrier.Epoch
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0 // unbounded attempts

	operation := func() error {
		info, err := c.resolveActorInfo(ctx)
		if err != nil {
			return err
		}

		migrated, err := c.migrateActors(ctx, info)
		if err != nil {
			c.log.Error().Err(err).Msg("migrate actors failed")
			return err
		}
		if migrated {
			info, err = c.resolveActorInfo(ctx)
			if err != nil {
				return err
			}
		}

		if err := c.resetComputeNodes(ctx, info); err != nil {
			c.log.Error().Err(err).Msg("reset compute nodes failed")
			return err
		}
		if err := c.updateActors(ctx, info); err != nil {
			c.log.Error().Err(err).Msg("update actors failed")
			return err
		}
		if err := c.buildActors(ctx, info); err != nil {
			c.log.Error().Err(err).Msg("build actors failed")
			return err
		}

		splits := make(barrier.ActorSplits)
		for _, a := range c.sources.ListAssignments() {
			splits[a.ActorID] = a.Splits
		}
		cmd := barrier.AddCommand(splits)

		epochA := prevEpoch.Next()
		c.barriers.ResetEpoch(epochA)
		result, err := c.barriers.InjectAndCollect(ctx, info, cmd, true)
		if err != nil {
			c.log.Error().Err(err).Msg("inject_barrier failed")
			return err
		}
		newEpoch = result.Epoch
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return 0, metaerrors.Wrap(metaerrors.Internal, err, "recovery did not converge")
	}

	c.log.Info().Uint64("new_epoch", uint64(newEpoch)).Msg("recovery success")
	return newEpoch, nil
}

// cleanDirtyFragments drops every table-fragment never marked
// Created, unregisters their compaction groups best-effort, and
// forgets their source split bookkeeping.
func (c *Coordinator) cleanDirtyFragments(ctx context.Context) error {
	all := c.fragments.List()
	var dirty []fragment.TableFragments
	var dirtyIDs []fragment.TableID
	for _, tf := range all {
		if tf.Status != fragment.Created {
			dirty = append(dirty, tf)
			dirtyIDs = append(dirtyIDs, tf.Table)
		}
	}
	if len(dirty) == 0 {
		c.log.Debug().Msg("no dirty table fragments, skipping")
		return nil
	}
	c.log.Debug().Interface("tables", dirtyIDs).Msg("clean dirty table fragments")
	c.fragments.DropByIDs(dirtyIDs)

	if err := c.unregisterCompactionGroups(ctx, dirtyIDs); err != nil {
		// Best-effort: failure is logged but does not abort recovery;
		// cleanup completes on next node restart.
		c.log.Warn().Err(err).Msg("failed to unregister compaction groups, will retry on next restart")
	}

	c.sources.DropSourceChange(dirty)
	return nil
}

// unregisterCompactionGroups is a seam for the storage layer's
// compaction-group cleanup. The storage engine lives outside this
// module, so the default implementation is a no-op.
func (c *Coordinator) unregisterCompactionGroups(ctx context.Context, ids []fragment.TableID) error {
	return nil
}

// resolveActorInfo snapshots which actors live on which currently
// running workers.
func (c *Coordinator) resolveActorInfo(ctx context.Context) (barrier.ActorInfo, error) {
	running := cluster.Running
	workers := c.registry.ListWorkerNodes(&running)
	nodeMap := make(map[cluster.WorkerID]cluster.Worker, len(workers))
	for _, w := range workers {
		nodeMap[w.ID] = w
	}

	actorMap := make(map[cluster.WorkerID][]uint64)
	for wid, actorIDs := range c.fragments.AllNodeActors(false) {
		ids := make([]uint64, len(actorIDs))
		for i, aid := range actorIDs {
			ids[i] = uint64(aid)
		}
		actorMap[wid] = ids
	}

	return barrier.ActorInfo{ActorMap: actorMap, NodeMap: nodeMap}, nil
}

// migrateActors finds workers that own actors but are no longer
// running, waits for enough newly joined workers to host them
// one-to-one, and persists the migration.
func (c *Coordinator) migrateActors(ctx context.Context, info barrier.ActorInfo) (bool, error) {
	var expired []cluster.WorkerID
	for wid, actors := range info.ActorMap {
		if len(actors) == 0 {
			continue
		}
		if _, live := info.NodeMap[wid]; !live {
			expired = append(expired, wid)
		}
	}
	if len(expired) == 0 {
		c.log.Debug().Msg("no expired workers, skipping")
		return false, nil
	}
	c.log.Debug().Interface("expired", expired).Msg("got expired workers")

	migrateMap, nodeMap, err := c.planMigration(ctx, info, expired)
	if err != nil {
		return false, err
	}

	if err := c.fragments.MigrateActors(migrateMap, nodeMap); err != nil {
		return false, metaerrors.Wrap(metaerrors.Internal, err, "migrate actors")
	}
	c.log.Debug().Msg("migrate actors succeed")
	return true, nil
}

// planMigration polls the registry every 100ms for newly joined,
// running workers not already hosting actors, assigning each
// expired worker's actor set to one new worker at a time until every
// expired worker is covered.
func (c *Coordinator) planMigration(ctx context.Context, info barrier.ActorInfo, expired []cluster.WorkerID) (map[scheduler.ActorID]cluster.WorkerID, map[cluster.WorkerID]cluster.Worker, error) {
	migrateMap := make(map[scheduler.ActorID]cluster.WorkerID)
	nodeMap := make(map[cluster.WorkerID]cluster.Worker)
	start := time.Now()
	cur := 0

	for cur < len(expired) {
		running := cluster.Running
		candidates := c.registry.ListWorkerNodes(&running)
		for _, node := range candidates {
			if _, known := info.ActorMap[node.ID]; known {
				continue
			}
			if _, taken := nodeMap[node.ID]; taken {
				continue
			}
			for _, actorID := range info.ActorMap[expired[cur]] {
				migrateMap[scheduler.ActorID(actorID)] = node.ID
			}
			nodeMap[node.ID] = node
			cur++
			c.log.Debug().Uint32("new_worker", uint32(node.ID)).Int("progress", cur).Int("total", len(expired)).Msg("new worker joined")
			if cur == len(expired) {
				return migrateMap, nodeMap, nil
			}
		}

		c.log.Warn().Float64("elapsed_s", time.Since(start).Seconds()).Msg("waiting for new worker to join")
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(newWorkerPollInterval):
		}
	}
	return migrateMap, nodeMap, nil
}

// resetComputeNodes force-stops every actor on every live worker in
// parallel.
func (c *Coordinator) resetComputeNodes(ctx context.Context, info barrier.ActorInfo) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range info.NodeMap {
		node := node
		g.Go(func() error {
			client, err := c.clients.Get(node)
			if err != nil {
				return metaerrors.Wrap(metaerrors.Rpc, err, "no client for worker")
			}
			c.log.Debug().Uint32("worker", uint32(node.ID)).Msg("force stop actors")
			return client.ForceStopActors(gctx, rpcclient.ForceStopActorsRequest{RequestID: uuid.NewString()})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.log.Debug().Msg("all compute nodes have been reset")
	return nil
}

// updateActors broadcasts the full actor/host table to every worker,
// then pushes each worker's own actor set.
func (c *Coordinator) updateActors(ctx context.Context, info barrier.ActorInfo) error {
	var actorInfos []rpcclient.ActorInfoEntry
	for wid, actors := range info.ActorMap {
		node, ok := info.NodeMap[wid]
		if !ok {
			return metaerrors.New(metaerrors.Internal, "worker evicted, wait for online")
		}
		for _, actorID := range actors {
			actorInfos = append(actorInfos, rpcclient.ActorInfoEntry{ActorID: actorID, Host: node.Host})
		}
	}

	nodeActors := c.fragments.AllNodeActors(false)
	for wid, actors := range info.ActorMap {
		node := info.NodeMap[wid]
		client, err := c.clients.Get(node)
		if err != nil {
			return metaerrors.Wrap(metaerrors.Rpc, err, "no client for worker")
		}

		if err := client.BroadcastActorInfoTable(ctx, rpcclient.BroadcastActorInfoTableRequest{Info: actorInfos}); err != nil {
			return err
		}

		requestID := uuid.NewString()
		c.log.Debug().Str("request_id", requestID).Interface("actors", actors).Msg("update actors")
		actorIDs := make([]uint64, len(nodeActors[wid]))
		for i, aid := range nodeActors[wid] {
			actorIDs[i] = uint64(aid)
		}
		if err := client.UpdateActors(ctx, rpcclient.UpdateActorsRequest{RequestID: requestID, ActorIDs: actorIDs}); err != nil {
			return err
		}
	}
	return nil
}

// buildActors instantiates operators on every worker.
func (c *Coordinator) buildActors(ctx context.Context, info barrier.ActorInfo) error {
	for wid, actors := range info.ActorMap {
		node, ok := info.NodeMap[wid]
		if !ok {
			return metaerrors.New(metaerrors.Internal, "worker evicted, wait for online")
		}
		client, err := c.clients.Get(node)
		if err != nil {
			return metaerrors.Wrap(metaerrors.Rpc, err, "no client for worker")
		}

		requestID := uuid.NewString()
		c.log.Debug().Str("request_id", requestID).Interface("actors", actors).Msg("build actors")
		if err := client.BuildActors(ctx, rpcclient.BuildActorsRequest{RequestID: requestID, ActorIDs: actors}); err != nil {
			return err
		}
	}
	return nil
}
