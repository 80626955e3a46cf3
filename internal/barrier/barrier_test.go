package barrier

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/streamctl/internal/cluster"
	"github.com/dreamware/streamctl/internal/rpcclient"
)

func testInfo() (ActorInfo, *rpcclient.FakePool) {
	pool := rpcclient.NewFakePool()
	info := ActorInfo{
		ActorMap: map[cluster.WorkerID][]uint64{1: {10, 11}, 2: {20}},
		NodeMap: map[cluster.WorkerID]cluster.Worker{
			1: {ID: 1, Host: "w1:1"},
			2: {ID: 2, Host: "w2:1"},
		},
	}
	return info, pool
}

func TestInjectAndCollectBumpsEpochAndFansOut(t *testing.T) {
	info, pool := testInfo()
	m := NewManager(pool, nil, 0, zerolog.Nop())
	require.Equal(t, Epoch(0), m.CurrEpoch())

	result, err := m.InjectAndCollect(context.Background(), info, AddCommand(nil), false)
	require.NoError(t, err)
	assert.Equal(t, Epoch(1), result.Epoch)
	assert.Equal(t, Epoch(1), m.CurrEpoch())
	assert.Equal(t, Epoch(0), m.PrevEpoch())

	c1, err := pool.Get(info.NodeMap[1])
	require.NoError(t, err)
	fake1 := c1.(*rpcclient.FakeClient)
	require.Len(t, fake1.InjectCalls, 1)
	assert.Equal(t, uint64(0), fake1.InjectCalls[0].PrevEpoch)
	assert.Equal(t, uint64(1), fake1.InjectCalls[0].CurrEpoch)
}

func TestInjectAndCollectFailsOnRPCError(t *testing.T) {
	info, pool := testInfo()
	c, err := pool.Get(info.NodeMap[1])
	require.NoError(t, err)
	c.(*rpcclient.FakeClient).InjectErr = assert.AnError

	m := NewManager(pool, nil, 0, zerolog.Nop())
	_, err = m.InjectAndCollect(context.Background(), info, AddCommand(nil), false)
	assert.Error(t, err)
}

func TestInjectAndCollectRunsPostCollect(t *testing.T) {
	info, pool := testInfo()
	var gotPrev, gotCurr Epoch
	postCollect := func(ctx context.Context, prev, curr Epoch, cmd Command) error {
		gotPrev, gotCurr = prev, curr
		return nil
	}
	m := NewManager(pool, postCollect, 0, zerolog.Nop())
	_, err := m.InjectAndCollect(context.Background(), info, AddCommand(nil), true)
	require.NoError(t, err)
	assert.Equal(t, Epoch(0), gotPrev)
	assert.Equal(t, Epoch(1), gotCurr)
}

func TestCheckpointControlTrackUntrackAbort(t *testing.T) {
	c := NewCheckpointControl(2)
	require.NoError(t, c.Track(1))
	require.NoError(t, c.Track(2))
	assert.Error(t, c.Track(3), "exceeding max-in-flight must fail")

	aborted := c.Abort()
	assert.ElementsMatch(t, []Epoch{1, 2}, aborted)
	assert.Equal(t, 0, c.InFlightCount())
}

func TestResetEpochSeedsCurrEpoch(t *testing.T) {
	_, pool := testInfo()
	m := NewManager(pool, nil, 0, zerolog.Nop())
	m.ResetEpoch(41)
	assert.Equal(t, Epoch(41), m.CurrEpoch())
}
