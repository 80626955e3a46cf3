// Package fragment is the persistent record of placed fragments and
// actors: the authoritative map from table_id to TableFragments,
// plus the atomic migration primitive recovery uses to move actors off
// an expired worker.
//
// Writers hold the lock for the duration of a whole transactional
// batch; readers always see a consistent snapshot, never partial
// writes.
package fragment

import (
	"sort"
	"sync"

	"github.com/dreamware/streamctl/internal/cluster"
	"github.com/dreamware/streamctl/internal/metaerrors"
	"github.com/dreamware/streamctl/internal/scheduler"
	"github.com/dreamware/streamctl/internal/vnode"
)

// TableID identifies the streaming job (materialized view / table)
// that owns a set of fragments.
type TableID uint32

// ActorStatus tracks whether a fragment's actors have completed their
// first barrier: created fragments survive recovery's dirty sweep,
// uncreated ones don't.
type ActorStatus int

const (
	Inactive ActorStatus = iota
	Created
)

// PlacedActor is a scheduled actor plus its resolved network host.
type PlacedActor struct {
	ColocatedUpstreamActorID *scheduler.ActorID
	Host                     string
	ActorID                  scheduler.ActorID
	FragmentID               uint32
	ParallelUnit             cluster.ParallelUnit
	VnodeBitmap              *vnode.Bitmap // nil iff the fragment is a singleton
	UpstreamActorIDs         []scheduler.ActorID
}

// TableFragments is the full placed-fragment record for one streaming job.
type TableFragments struct {
	Actors map[scheduler.ActorID]PlacedActor
	Status ActorStatus
	Table  TableID
}

func (t TableFragments) clone() TableFragments {
	cp := TableFragments{Table: t.Table, Status: t.Status, Actors: make(map[scheduler.ActorID]PlacedActor, len(t.Actors))}
	for k, v := range t.Actors {
		cp.Actors[k] = v
	}
	return cp
}

// Manager is the persistent store of placed fragments, keyed by table id.
type Manager struct {
	mu     sync.RWMutex
	tables map[TableID]TableFragments
}

// NewManager returns an empty fragment manager.
func NewManager() *Manager {
	return &Manager{tables: make(map[TableID]TableFragments)}
}

// List returns every table's fragments, snapshotted consistently.
func (m *Manager) List() []TableFragments {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TableFragments, 0, len(m.tables))
	ids := make([]TableID, 0, len(m.tables))
	for id := range m.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, m.tables[id].clone())
	}
	return out
}

// Get returns a single table's fragments.
func (m *Manager) Get(id TableID) (TableFragments, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[id]
	if !ok {
		return TableFragments{}, false
	}
	return t.clone(), true
}

// Create persists a newly-scheduled table's fragments in the Inactive
// state; MarkCreated promotes it once its first barrier completes.
func (m *Manager) Create(id TableID, tf TableFragments) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tf.Table = id
	m.tables[id] = tf.clone()
}

// MarkCreated promotes a table's fragments to Created, the point at
// which they become immune to the dirty-fragment cleanup sweep.
func (m *Manager) MarkCreated(id TableID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[id]
	if !ok {
		return metaerrors.New(metaerrors.TaskNotFound, "MarkCreated: unknown table")
	}
	t.Status = Created
	m.tables[id] = t
	return nil
}

// DropByIDs removes the named tables' fragment records. Dropping a
// table that doesn't exist is a no-op.
func (m *Manager) DropByIDs(ids []TableID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.tables, id)
	}
}

// AllNodeActors returns, for every worker, the actors currently placed
// on it across all tables. When includeInactive is false, tables that
// never reached Created are omitted.
func (m *Manager) AllNodeActors(includeInactive bool) map[cluster.WorkerID][]scheduler.ActorID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[cluster.WorkerID][]scheduler.ActorID)
	ids := make([]TableID, 0, len(m.tables))
	for id := range m.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		tf := m.tables[id]
		if !includeInactive && tf.Status != Created {
			continue
		}
		actorIDs := make([]scheduler.ActorID, 0, len(tf.Actors))
		for aid := range tf.Actors {
			actorIDs = append(actorIDs, aid)
		}
		sort.Slice(actorIDs, func(i, j int) bool { return actorIDs[i] < actorIDs[j] })
		for _, aid := range actorIDs {
			a := tf.Actors[aid]
			out[a.ParallelUnit.WorkerID] = append(out[a.ParallelUnit.WorkerID], aid)
		}
	}
	return out
}

// MigrateActors rewrites actor.Host for every actor currently hosted
// by a worker named in actorToNewWorker, without touching actor_id,
// vnode_bitmap, or upstream relations. The whole batch
// commits atomically under the manager's write lock: a reader can
// never observe a partially migrated table.
func (m *Manager) MigrateActors(actorToNewWorker map[scheduler.ActorID]cluster.WorkerID, newWorkers map[cluster.WorkerID]cluster.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate before mutating anything, so a bad input never leaves
	// a partial migration observable.
	for actorID, workerID := range actorToNewWorker {
		if _, ok := newWorkers[workerID]; !ok {
			return metaerrors.New(metaerrors.Internal, "MigrateActors: missing WorkerNode for target worker")
		}
		found := false
		for _, tf := range m.tables {
			if _, ok := tf.Actors[actorID]; ok {
				found = true
				break
			}
		}
		if !found {
			return metaerrors.New(metaerrors.TaskNotFound, "MigrateActors: actor not found in any table")
		}
	}

	for tableID, tf := range m.tables {
		changed := false
		next := tf.clone()
		for actorID, workerID := range actorToNewWorker {
			a, ok := next.Actors[actorID]
			if !ok {
				continue
			}
			w := newWorkers[workerID]
			a.Host = w.Host
			// Pick the same-index parallel unit on the new worker so
			// the actor keeps an equally-numbered slot; callers that
			// need a specific PU can overwrite ParallelUnit afterwards.
			a.ParallelUnit = pickParallelUnit(w, a.ParallelUnit)
			next.Actors[actorID] = a
			changed = true
		}
		if changed {
			m.tables[tableID] = next
		}
	}
	return nil
}

func pickParallelUnit(w cluster.Worker, previous cluster.ParallelUnit) cluster.ParallelUnit {
	if len(w.ParallelUnits) == 0 {
		return previous
	}
	// First slot; caller is responsible for 1:1 sizing.
	return w.ParallelUnits[0]
}
