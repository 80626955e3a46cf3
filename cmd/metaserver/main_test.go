package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/streamctl/internal/barrier"
	"github.com/dreamware/streamctl/internal/cluster"
)

func testServer() *server {
	return newServer(time.Minute, 8, zerolog.Nop())
}

func TestHandleRegisterWorkerThenList(t *testing.T) {
	srv := testServer()

	body, err := json.Marshal(registerWorkerRequest{ID: 1, Host: "w1:9090", PUCount: 2})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/workers/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleRegisterWorker(rec, req)
	assert.Equal(t, 204, rec.Code)

	listReq := httptest.NewRequest("GET", "/workers", nil)
	listRec := httptest.NewRecorder()
	srv.handleListWorkers(listRec, listReq)
	assert.Equal(t, 200, listRec.Code)

	var workers []cluster.Worker
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "w1:9090", workers[0].Host)
	assert.Equal(t, cluster.Running, workers[0].State)
}

func TestHandleRegisterWorkerRejectsDuplicate(t *testing.T) {
	srv := testServer()
	body, err := json.Marshal(registerWorkerRequest{ID: 1, Host: "w1:9090", PUCount: 2})
	require.NoError(t, err)

	req1 := httptest.NewRequest("POST", "/workers/register", bytes.NewReader(body))
	srv.handleRegisterWorker(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest("POST", "/workers/register", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	srv.handleRegisterWorker(rec2, req2)
	assert.Equal(t, 409, rec2.Code)
}

func TestHandleHeartbeatUnknownWorkerFails(t *testing.T) {
	srv := testServer()
	body, err := json.Marshal(heartbeatRequest{ID: 99})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/workers/heartbeat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleHeartbeat(rec, req)
	assert.Equal(t, 404, rec.Code)
}

func TestHandleRecoverWithEmptyClusterSucceeds(t *testing.T) {
	srv := testServer()

	req := httptest.NewRequest("POST", "/recover", nil)
	rec := httptest.NewRecorder()
	srv.handleRecover(rec, req)
	assert.Equal(t, 204, rec.Code)

	// The epoch must have advanced even with zero live workers.
	srv.mu.Lock()
	epoch := srv.epoch
	srv.mu.Unlock()
	assert.NotEqual(t, barrier.Epoch(0), epoch)
}

func TestSweepLivenessTriggersRecoveryOnExpiry(t *testing.T) {
	srv := newServer(10*time.Millisecond, 8, zerolog.Nop())

	_, err := srv.registry.AddWorker(1, "w1:9090", 1)
	require.NoError(t, err)
	require.NoError(t, srv.registry.ActivateWorker(1))

	done := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() {
		srv.sweepLiveness(ctx, 5*time.Millisecond)
		close(done)
	}()

	<-ctx.Done()
	<-done

	srv.mu.Lock()
	epoch := srv.epoch
	srv.mu.Unlock()
	assert.NotEqual(t, barrier.Epoch(0), epoch, "a stale worker should have triggered a recovery pass")
}
