package rpcclient

import (
	"context"
	"sync"

	"github.com/dreamware/streamctl/internal/cluster"
)

// FakeClient is an in-memory WorkerClient recording every call it
// receives, for barrier/recovery tests that must not speak real HTTP.
type FakeClient struct {
	mu sync.Mutex

	InjectErr   error
	SyncedState map[uint64]string

	BroadcastCalls []BroadcastActorInfoTableRequest
	UpdateCalls    []UpdateActorsRequest
	BuildCalls     []BuildActorsRequest
	StopCalls      []ForceStopActorsRequest
	InjectCalls    []InjectBarrierRequest
}

func (c *FakeClient) BroadcastActorInfoTable(ctx context.Context, req BroadcastActorInfoTableRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BroadcastCalls = append(c.BroadcastCalls, req)
	return nil
}

func (c *FakeClient) UpdateActors(ctx context.Context, req UpdateActorsRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UpdateCalls = append(c.UpdateCalls, req)
	return nil
}

func (c *FakeClient) BuildActors(ctx context.Context, req BuildActorsRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BuildCalls = append(c.BuildCalls, req)
	return nil
}

func (c *FakeClient) ForceStopActors(ctx context.Context, req ForceStopActorsRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls = append(c.StopCalls, req)
	return nil
}

func (c *FakeClient) InjectBarrier(ctx context.Context, req InjectBarrierRequest) (InjectBarrierResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InjectCalls = append(c.InjectCalls, req)
	if c.InjectErr != nil {
		return InjectBarrierResponse{}, c.InjectErr
	}
	return InjectBarrierResponse{SyncedState: c.SyncedState}, nil
}

// FakePool hands out one FakeClient per worker id, creating it lazily.
type FakePool struct {
	mu      sync.Mutex
	clients map[cluster.WorkerID]*FakeClient
}

// NewFakePool constructs an empty fake pool.
func NewFakePool() *FakePool {
	return &FakePool{clients: make(map[cluster.WorkerID]*FakeClient)}
}

func (p *FakePool) Get(worker cluster.Worker) (WorkerClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[worker.ID]
	if !ok {
		c = &FakeClient{}
		p.clients[worker.ID] = c
	}
	return c, nil
}

func (p *FakePool) Release(id cluster.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, id)
}

// ClientFor returns the fake client for a worker id, for test assertions.
func (p *FakePool) ClientFor(id cluster.WorkerID) *FakeClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[id]
}
