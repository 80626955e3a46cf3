// Package main implements the streamctl meta server: the control
// plane that tracks cluster membership, placed fragments/actors, and
// drives the barrier/checkpoint epoch protocol and failure recovery.
//
// Architecture:
//
//	┌───────────────────────────────────────────┐
//	│                 metaserver                  │
//	├───────────────────────────────────────────┤
//	│  HTTP API:                                  │
//	│    /workers/register   - worker joins       │
//	│    /workers            - list workers       │
//	│    /workers/heartbeat  - liveness ping       │
//	│    /recover            - force recovery      │
//	│    /health              - health check        │
//	├───────────────────────────────────────────┤
//	│  Components:                                │
//	│    cluster.Registry    - worker liveness     │
//	│    fragment.Manager    - placed actors       │
//	│    source.Manager      - split assignments   │
//	│    barrier.Manager     - epoch/barrier loop  │
//	│    recovery.Coordinator - failure recovery   │
//	└───────────────────────────────────────────┘
//
// Configuration:
//   - METASERVER_ADDR: listen address (default ":8090")
//   - WORKER_HEARTBEAT_TIMEOUT: liveness timeout (default "15s")
//   - LIVENESS_SWEEP_INTERVAL: how often to check for stale workers (default "5s")
//   - BARRIER_MAX_IN_FLIGHT: uncommitted checkpoints allowed concurrently (default 8)
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/streamctl/internal/barrier"
	"github.com/dreamware/streamctl/internal/cluster"
	"github.com/dreamware/streamctl/internal/fragment"
	"github.com/dreamware/streamctl/internal/recovery"
	"github.com/dreamware/streamctl/internal/rpcclient"
	"github.com/dreamware/streamctl/internal/source"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	addr := getenv("METASERVER_ADDR", ":8090")
	heartbeatTimeout := durationEnv("WORKER_HEARTBEAT_TIMEOUT", 15*time.Second)
	sweepInterval := durationEnv("LIVENESS_SWEEP_INTERVAL", 5*time.Second)
	maxInFlight := intEnv("BARRIER_MAX_IN_FLIGHT", 8)

	srv := newServer(heartbeatTimeout, maxInFlight, log)

	go srv.sweepLiveness(context.Background(), sweepInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/workers/register", srv.handleRegisterWorker)
	mux.HandleFunc("/workers", srv.handleListWorkers)
	mux.HandleFunc("/workers/heartbeat", srv.handleHeartbeat)
	mux.HandleFunc("/recover", srv.handleRecover)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("metaserver listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

// server bundles every control-plane component the HTTP handlers
// below drive. It holds no state of its own beyond the current epoch;
// everything else lives in the wired managers.
type server struct {
	registry  *cluster.Registry
	fragments *fragment.Manager
	sources   *source.Manager
	barriers  *barrier.Manager
	clients   rpcclient.Pool
	recovery  *recovery.Coordinator
	log       zerolog.Logger

	mu    sync.Mutex
	epoch barrier.Epoch
}

func newServer(heartbeatTimeout time.Duration, maxInFlight int, log zerolog.Logger) *server {
	registry := cluster.NewRegistry(heartbeatTimeout)
	fragments := fragment.NewManager()
	sources := source.NewManager()
	clients := rpcclient.NewHTTPPool(5 * time.Second)
	barriers := barrier.NewManager(clients, nil, maxInFlight, log)

	s := &server{
		registry:  registry,
		fragments: fragments,
		sources:   sources,
		barriers:  barriers,
		clients:   clients,
		log:       log,
	}
	s.recovery = recovery.New(registry, fragments, sources, barriers, clients, log)
	return s
}

// sweepLiveness periodically expires workers that have missed their
// heartbeat deadline and, when any are found, triggers recovery so
// their actors are migrated off before the next checkpoint.
func (s *server) sweepLiveness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.registry.ExpireStale(time.Now())
			if len(expired) == 0 {
				continue
			}
			s.log.Warn().Ints("expired", toIntSlice(expired)).Msg("workers expired, triggering recovery")
			if err := s.runRecovery(ctx); err != nil {
				s.log.Error().Err(err).Msg("recovery after liveness sweep failed")
			}
		}
	}
}

func toIntSlice(ids []cluster.WorkerID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

func (s *server) runRecovery(ctx context.Context) error {
	s.mu.Lock()
	prevEpoch := s.epoch
	s.mu.Unlock()

	newEpoch, err := s.recovery.Recover(ctx, prevEpoch)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.epoch = newEpoch
	s.mu.Unlock()
	return nil
}

type registerWorkerRequest struct {
	Host    string `json:"host"`
	ID      uint32 `json:"id"`
	PUCount int    `json:"pu_count"`
}

func (s *server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	id := cluster.WorkerID(req.ID)
	if _, err := s.registry.AddWorker(id, req.Host, req.PUCount); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := s.registry.ActivateWorker(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info().Uint32("worker_id", req.ID).Str("host", req.Host).Msg("worker registered")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.registry.ListWorkerNodes(nil)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(workers); err != nil {
		s.log.Error().Err(err).Msg("encode worker list")
	}
}

type heartbeatRequest struct {
	ID uint32 `json:"id"`
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := s.registry.Heartbeat(cluster.WorkerID(req.ID)); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecover triggers recovery on demand, mainly for integration
// tests that want deterministic control over when it runs rather than
// waiting out a liveness sweep interval.
func (s *server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.runRecovery(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
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

func intEnv(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
