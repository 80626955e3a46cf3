// Package cluster tracks compute-worker membership and liveness for
// streamctl's control plane: which workers are known, which parallel
// units (PUs) each hosts, and which workers have gone stale and must
// be treated as failed.
//
// # Overview
//
// Workers join the cluster once and keep a fixed parallel-unit set for
// their lifetime (changing parallelism means re-registering under a
// new worker id). The registry is the liveness source of truth that
// scheduling (internal/scheduler), fragment placement
// (internal/fragment), and recovery (internal/recovery) all consult;
// none of them probe workers directly.
//
// # Architecture
//
//	              ┌──────────────┐
//	              │  metaserver  │
//	              │              │
//	              │  - Registry  │
//	              │  - Barrier   │
//	              │  - Recovery  │
//	              └──────┬───────┘
//	                     │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│  Worker 1 │  │  Worker 2 │  │  Worker 3 │
//	│           │  │           │  │           │
//	│ PUs:      │  │ PUs:      │  │ PUs:      │
//	│ [0,1]     │  │ [2,3]     │  │ [4,5]     │
//	└───────────┘  └───────────┘  └───────────┘
//
// # Core Types
//
// Worker: a compute node's registration record
//   - Tracks id, host, liveness state, and its fixed PU set
//   - Clone() hands callers a defensive copy, never the live record
//
// State: a worker's liveness (Starting -> Running -> Gone)
//   - Starting workers are registered but not yet eligible for
//     scheduling
//   - Gone workers are tombstoned, not deleted, so recovery can still
//     resolve which actors they used to host
//
// Registry: the membership table itself
//   - AddWorker / ActivateWorker / Heartbeat maintain liveness
//   - ExpireStale sweeps workers whose heartbeat deadline has passed
//   - ListWorkerNodes / ListActiveParallelUnits are the read paths
//     scheduling and recovery use to snapshot cluster state
//
// # Concurrency Model
//
// Registry is guarded by a single sync.RWMutex. Reads return deep
// copies (via Worker.Clone) so callers never observe a registry
// mutation mid-read and never hold a reference that outlives the lock.
// No method blocks on network I/O; liveness is pull-based (heartbeats)
// rather than push-based health probing.
//
// # Failure Handling
//
// A worker that misses its heartbeat deadline is expired by
// ExpireStale, not actively probed. The control plane has no
// dedicated health-check RPC, since the barrier protocol's own
// inject_barrier acks already double as a liveness signal on the hot
// path. ExpireStale's output directly feeds internal/recovery's
// migrate-actors step.
package cluster
