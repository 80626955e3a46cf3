// Package rpcclient defines the RPC contract barrier and recovery
// speak to workers, plus a pooled HTTP implementation of it. The
// contract is a typed client interface so the barrier/recovery logic
// is not coupled to any one transport.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dreamware/streamctl/internal/cluster"
	"github.com/dreamware/streamctl/internal/metaerrors"
)

// Command is the wire representation of a barrier.Command, kept
// decoupled from the barrier package to avoid an import cycle (the
// barrier package depends on rpcclient, not the reverse).
type Command struct {
	ActorSplits map[uint64][]string `json:"actor_splits,omitempty"`
	Kind        int                 `json:"kind"`
	IsAdd       bool                `json:"is_add"`
}

// ActorInfoEntry is one row of a broadcast actor/host table.
type ActorInfoEntry struct {
	Host    string `json:"host"`
	ActorID uint64 `json:"actor_id"`
}

// InjectBarrierRequest is the payload for inject_barrier.
type InjectBarrierRequest struct {
	Command      Command `json:"command"`
	PrevEpoch    uint64  `json:"prev_epoch"`
	CurrEpoch    uint64  `json:"curr_epoch"`
	IsCheckpoint bool    `json:"is_checkpoint"`
}

// InjectBarrierResponse acknowledges local injection; collection is
// reported separately (report_barrier_complete, worker → meta), which
// this module's barrier.Manager models as the InjectBarrier call
// itself returning once collection is done, since the external
// report-back RPC is out of scope.
type InjectBarrierResponse struct {
	SyncedState map[uint64]string `json:"synced_state,omitempty"`
}

// UpdateActorsRequest installs actor descriptors, idempotent by RequestID.
type UpdateActorsRequest struct {
	RequestID string   `json:"request_id"`
	ActorIDs  []uint64 `json:"actor_ids"`
}

// BuildActorsRequest materializes and starts actors.
type BuildActorsRequest struct {
	RequestID string   `json:"request_id"`
	ActorIDs  []uint64 `json:"actor_ids"`
}

// ForceStopActorsRequest tears down all actors on a worker.
type ForceStopActorsRequest struct {
	RequestID string `json:"request_id"`
}

// BroadcastActorInfoTableRequest is an idempotent full actor/host table push.
type BroadcastActorInfoTableRequest struct {
	Info []ActorInfoEntry `json:"info"`
}

// WorkerClient is the RPC contract a barrier/recovery caller needs
// from one worker.
type WorkerClient interface {
	BroadcastActorInfoTable(ctx context.Context, req BroadcastActorInfoTableRequest) error
	UpdateActors(ctx context.Context, req UpdateActorsRequest) error
	BuildActors(ctx context.Context, req BuildActorsRequest) error
	ForceStopActors(ctx context.Context, req ForceStopActorsRequest) error
	InjectBarrier(ctx context.Context, req InjectBarrierRequest) (InjectBarrierResponse, error)
}

// Pool resolves a worker node to its RPC client, releasing clients
// when a worker goes Gone.
type Pool interface {
	Get(worker cluster.Worker) (WorkerClient, error)
	Release(id cluster.WorkerID)
}

// HTTPPool is a Pool backed by plain HTTP+JSON calls, with long-lived
// pooled clients keyed by worker id.
type HTTPPool struct {
	mu      sync.Mutex
	clients map[cluster.WorkerID]*httpClient
	timeout time.Duration
}

// NewHTTPPool creates an HTTP-backed RPC client pool.
func NewHTTPPool(timeout time.Duration) *HTTPPool {
	return &HTTPPool{clients: make(map[cluster.WorkerID]*httpClient), timeout: timeout}
}

func (p *HTTPPool) Get(worker cluster.Worker) (WorkerClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[worker.ID]; ok {
		return c, nil
	}
	c := &httpClient{
		baseURL: worker.Host,
		http:    &http.Client{Timeout: p.timeout},
	}
	p.clients[worker.ID] = c
	return c, nil
}

func (p *HTTPPool) Release(id cluster.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, id)
}

type httpClient struct {
	http    *http.Client
	baseURL string
}

func (c *httpClient) postJSON(ctx context.Context, path string, body, out any) error {
	return PostJSON(ctx, c.http, c.baseURL+path, body, out)
}

// PostJSON issues one JSON-in/JSON-out POST and maps the outcome onto
// the control plane's error kinds. It backs both the pooled worker
// clients above and the worker's own calls to the meta server
// (registration, heartbeat). Pass out as nil to discard the response
// body.
func PostJSON(ctx context.Context, hc *http.Client, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return metaerrors.Wrap(metaerrors.Internal, err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return metaerrors.Wrap(metaerrors.Internal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return metaerrors.Wrap(metaerrors.Rpc, err, fmt.Sprintf("%s %s", req.Method, url))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return metaerrors.New(metaerrors.TaskNotFound, url)
	}
	if resp.StatusCode >= 300 {
		return metaerrors.New(metaerrors.Rpc, fmt.Sprintf("http %s: %d", url, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return metaerrors.Wrap(metaerrors.Internal, err, "decode response")
	}
	return nil
}

func (c *httpClient) BroadcastActorInfoTable(ctx context.Context, req BroadcastActorInfoTableRequest) error {
	return c.postJSON(ctx, "/rpc/broadcast_actor_info_table", req, nil)
}

func (c *httpClient) UpdateActors(ctx context.Context, req UpdateActorsRequest) error {
	return c.postJSON(ctx, "/rpc/update_actors", req, nil)
}

func (c *httpClient) BuildActors(ctx context.Context, req BuildActorsRequest) error {
	return c.postJSON(ctx, "/rpc/build_actors", req, nil)
}

func (c *httpClient) ForceStopActors(ctx context.Context, req ForceStopActorsRequest) error {
	return c.postJSON(ctx, "/rpc/force_stop_actors", req, nil)
}

func (c *httpClient) InjectBarrier(ctx context.Context, req InjectBarrierRequest) (InjectBarrierResponse, error) {
	var resp InjectBarrierResponse
	err := c.postJSON(ctx, "/rpc/inject_barrier", req, &resp)
	return resp, err
}
