// Package main implements the streamctl worker process: the RPC
// target the control plane's recovery coordinator and barrier manager
// drive. It registers itself with metaserver on startup
// and answers broadcast_actor_info_table, update_actors, build_actors,
// force_stop_actors, and inject_barrier over plain HTTP+JSON.
//
// Configuration:
//   - WORKER_ID: numeric worker id (required)
//   - WORKER_LISTEN: listen address (default ":9090")
//   - WORKER_ADDR: address advertised to metaserver (default "http://127.0.0.1:9090")
//   - WORKER_PU_COUNT: parallel units to register with (default 4)
//   - METASERVER_ADDR: metaserver base URL (required)
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/streamctl/internal/cluster"
	"github.com/dreamware/streamctl/internal/rpcclient"
)

func main() {
	id, err := strconv.Atoi(getenv("WORKER_ID", ""))
	if err != nil {
		log.Fatalf("WORKER_ID must be set to a numeric worker id: %v", err)
	}
	listen := getenv("WORKER_LISTEN", ":9090")
	addr := getenv("WORKER_ADDR", "http://127.0.0.1:9090")
	puCount, _ := strconv.Atoi(getenv("WORKER_PU_COUNT", "4"))
	metaserverAddr := getenv("METASERVER_ADDR", "")

	w := newWorker(cluster.WorkerID(id))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) { rw.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/rpc/broadcast_actor_info_table", w.handleBroadcastActorInfoTable)
	mux.HandleFunc("/rpc/update_actors", w.handleUpdateActors)
	mux.HandleFunc("/rpc/build_actors", w.handleBuildActors)
	mux.HandleFunc("/rpc/force_stop_actors", w.handleForceStopActors)
	mux.HandleFunc("/rpc/inject_barrier", w.handleInjectBarrier)

	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Printf("worker %d listening on %s", id, listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	if metaserverAddr != "" {
		if err := registerWithMetaserver(metaserverAddr, cluster.WorkerID(id), addr, puCount); err != nil {
			log.Printf("register with metaserver failed: %v", err)
		}
		go heartbeatLoop(hbCtx, metaserverAddr, cluster.WorkerID(id), durationEnv("WORKER_HEARTBEAT_INTERVAL", 5*time.Second))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

type registerRequest struct {
	Host    string `json:"host"`
	ID      uint32 `json:"id"`
	PUCount int    `json:"pu_count"`
}

// metaHTTP is the client for worker-to-metaserver control calls
// (registration, heartbeat); worker-to-worker data never rides on it.
var metaHTTP = &http.Client{Timeout: 5 * time.Second}

func registerWithMetaserver(metaserverAddr string, id cluster.WorkerID, addr string, puCount int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rpcclient.PostJSON(ctx, metaHTTP, metaserverAddr+"/workers/register", registerRequest{ID: uint32(id), Host: addr, PUCount: puCount}, nil)
}

type heartbeatRequest struct {
	ID uint32 `json:"id"`
}

// heartbeatLoop keeps the worker alive in the metaserver's registry; a
// worker that stops pinging is expired and has its actors migrated.
func heartbeatLoop(ctx context.Context, metaserverAddr string, id cluster.WorkerID, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, interval)
			err := rpcclient.PostJSON(reqCtx, metaHTTP, metaserverAddr+"/workers/heartbeat", heartbeatRequest{ID: uint32(id)}, nil)
			cancel()
			if err != nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func durationEnv(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// worker holds the minimal state this RPC target needs: its own id and
// the set of actors currently installed/built, enough to make
// update_actors/build_actors/force_stop_actors observably idempotent.
type worker struct {
	mu     sync.Mutex
	id     cluster.WorkerID
	actors map[uint64]bool
}

func newWorker(id cluster.WorkerID) *worker {
	return &worker{id: id, actors: make(map[uint64]bool)}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (w *worker) handleBroadcastActorInfoTable(rw http.ResponseWriter, r *http.Request) {
	var req rpcclient.BroadcastActorInfoTableRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleUpdateActors(rw http.ResponseWriter, r *http.Request) {
	var req rpcclient.UpdateActorsRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	for _, id := range req.ActorIDs {
		w.actors[id] = false
	}
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleBuildActors(rw http.ResponseWriter, r *http.Request) {
	var req rpcclient.BuildActorsRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	for _, id := range req.ActorIDs {
		w.actors[id] = true
	}
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleForceStopActors(rw http.ResponseWriter, r *http.Request) {
	var req rpcclient.ForceStopActorsRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	w.actors = make(map[uint64]bool)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func (w *worker) handleInjectBarrier(rw http.ResponseWriter, r *http.Request) {
	var req rpcclient.InjectBarrierRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	synced := make(map[uint64]string, len(w.actors))
	for id, built := range w.actors {
		if built {
			synced[id] = strconv.FormatUint(req.CurrEpoch, 10)
		}
	}
	w.mu.Unlock()

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(rpcclient.InjectBarrierResponse{SyncedState: synced}); err != nil {
		log.Printf("encode inject_barrier response: %v", err)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
