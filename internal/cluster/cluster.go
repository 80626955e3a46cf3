package cluster

import (
	"sort"
	"sync"
	"time"

	"slices"

	"github.com/dreamware/streamctl/internal/metaerrors"
	"github.com/dreamware/streamctl/internal/vnode"
)

// WorkerID identifies a worker process within the cluster.
type WorkerID uint32

// State is a worker's liveness state.
type State int

const (
	Starting State = iota
	Running
	Gone
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Gone:
		return "Gone"
	default:
		return "Unknown"
	}
}

// ParallelUnit is a scheduling slot hosted on a worker.
type ParallelUnit struct {
	ID       vnode.PUID
	WorkerID WorkerID
}

// Worker is a compute node participating in the cluster.
type Worker struct {
	LastHeartbeat time.Time
	Host          string
	ID            WorkerID
	State         State
	ParallelUnits []ParallelUnit
}

// Clone returns a deep copy safe to hand to callers outside the lock.
func (w Worker) Clone() Worker {
	cp := w
	cp.ParallelUnits = append([]ParallelUnit(nil), w.ParallelUnits...)
	return cp
}

// Registry is the cluster membership table: the set of known workers,
// their parallel units, and liveness. Expired workers are kept as
// tombstones so recovery can still resolve which actors they used to
// host.
type Registry struct {
	mu        sync.RWMutex
	workers   map[WorkerID]*Worker
	tombstone map[WorkerID]*Worker
	heartbeat time.Duration
}

// NewRegistry creates a membership registry. heartbeatTimeout controls
// how stale a worker's last heartbeat may be before ExpireStale treats
// it as Gone.
func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		workers:   make(map[WorkerID]*Worker),
		tombstone: make(map[WorkerID]*Worker),
		heartbeat: heartbeatTimeout,
	}
}

// AddWorker registers a new worker in the Starting state with the
// given fixed parallel-unit set. Re-adding an id that is currently
// live is an error; the caller must change parallelism by removing the
// worker first.
func (r *Registry) AddWorker(id WorkerID, host string, puCount int) (*Worker, error) {
	if puCount <= 0 {
		return nil, metaerrors.New(metaerrors.Internal, "AddWorker: puCount must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; ok {
		return nil, metaerrors.New(metaerrors.Internal, "AddWorker: worker already registered")
	}

	pus := make([]ParallelUnit, puCount)
	for i := 0; i < puCount; i++ {
		pus[i] = ParallelUnit{ID: vnode.PUID(uint32(id)<<16 | uint32(i)), WorkerID: id}
	}
	w := &Worker{ID: id, Host: host, State: Starting, ParallelUnits: pus, LastHeartbeat: time.Now()}
	r.workers[id] = w
	delete(r.tombstone, id)
	return &Worker{ID: w.ID, Host: w.Host, State: w.State, ParallelUnits: pus, LastHeartbeat: w.LastHeartbeat}, nil
}

// ActivateWorker transitions a worker from Starting to Running and
// records a fresh heartbeat.
func (r *Registry) ActivateWorker(id WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return metaerrors.New(metaerrors.TaskNotFound, "ActivateWorker: unknown worker")
	}
	w.State = Running
	w.LastHeartbeat = time.Now()
	return nil
}

// Heartbeat refreshes a running worker's liveness timestamp.
func (r *Registry) Heartbeat(id WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return metaerrors.New(metaerrors.TaskNotFound, "Heartbeat: unknown worker")
	}
	w.LastHeartbeat = time.Now()
	return nil
}

// ListWorkerNodes returns live workers matching state, or all live
// workers if state is nil.
func (r *Registry) ListWorkerNodes(state *State) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if state != nil && w.State != *state {
			continue
		}
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListActiveParallelUnits returns the parallel units of every Running
// worker, grouped by worker in ascending worker-id order: the input
// to the fragment scheduler's round-robin construction.
func (r *Registry) ListActiveParallelUnits() []ParallelUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]WorkerID, 0, len(r.workers))
	for id, w := range r.workers {
		if w.State == Running {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var out []ParallelUnit
	for _, id := range ids {
		out = append(out, r.workers[id].ParallelUnits...)
	}
	return out
}

// ExpireWorker marks a worker Gone and moves it to the tombstone set,
// where it remains queryable until recovery cleans up its actors.
func (r *Registry) ExpireWorker(id WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return metaerrors.New(metaerrors.TaskNotFound, "ExpireWorker: unknown worker")
	}
	w.State = Gone
	r.tombstone[id] = w
	delete(r.workers, id)
	return nil
}

// ExpireStale expires every Running/Starting worker whose last
// heartbeat is older than the configured timeout, returning the ids
// expired. This is the liveness sweep recovery's resolve-actor-info
// step relies on.
func (r *Registry) ExpireStale(now time.Time) []WorkerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []WorkerID
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > r.heartbeat {
			w.State = Gone
			r.tombstone[id] = w
			delete(r.workers, id)
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}

// Get returns the live worker for id, if any.
func (r *Registry) Get(id WorkerID) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.Clone(), true
}

// Tombstoned reports whether id is known only as an expired worker.
func (r *Registry) Tombstoned(id WorkerID) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.tombstone[id]
	if !ok {
		return Worker{}, false
	}
	return w.Clone(), true
}
