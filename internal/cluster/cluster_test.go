package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddActivateList(t *testing.T) {
	r := NewRegistry(time.Minute)
	_, err := r.AddWorker(1, "host-1:1234", 4)
	require.NoError(t, err)

	running := Running
	assert.Empty(t, r.ListWorkerNodes(&running))

	require.NoError(t, r.ActivateWorker(1))
	assert.Len(t, r.ListWorkerNodes(&running), 1)
	assert.Len(t, r.ListActiveParallelUnits(), 4)
}

func TestAddWorkerTwiceFails(t *testing.T) {
	r := NewRegistry(time.Minute)
	_, err := r.AddWorker(1, "h", 2)
	require.NoError(t, err)
	_, err = r.AddWorker(1, "h", 2)
	assert.Error(t, err)
}

func TestExpireWorkerTombstones(t *testing.T) {
	r := NewRegistry(time.Minute)
	_, err := r.AddWorker(1, "h", 2)
	require.NoError(t, err)
	require.NoError(t, r.ActivateWorker(1))

	require.NoError(t, r.ExpireWorker(1))
	_, live := r.Get(1)
	assert.False(t, live)

	ts, ok := r.Tombstoned(1)
	require.True(t, ok)
	assert.Equal(t, Gone, ts.State)
	assert.Empty(t, r.ListActiveParallelUnits())
}

func TestExpireStaleSweepsHeartbeats(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	_, err := r.AddWorker(1, "h", 1)
	require.NoError(t, err)
	require.NoError(t, r.ActivateWorker(1))

	expired := r.ExpireStale(time.Now().Add(time.Hour))
	assert.Equal(t, []WorkerID{1}, expired)
	_, live := r.Get(1)
	assert.False(t, live)
}

func TestListActiveParallelUnitsGroupedByWorker(t *testing.T) {
	r := NewRegistry(time.Minute)
	for id := WorkerID(1); id <= 4; id++ {
		_, err := r.AddWorker(id, "h", 4)
		require.NoError(t, err)
		require.NoError(t, r.ActivateWorker(id))
	}
	// The registry hands back PUs grouped by ascending worker id; the
	// round-robin interleaving itself is the scheduler's job, not
	// the membership table's.
	pus := r.ListActiveParallelUnits()
	require.Len(t, pus, 16)
	for i, pu := range pus {
		expectedWorker := WorkerID(i/4 + 1)
		assert.Equal(t, expectedWorker, pu.WorkerID)
	}
}
