package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/streamctl/internal/fragment"
	"github.com/dreamware/streamctl/internal/scheduler"
)

func TestAssignAndListSorted(t *testing.T) {
	m := NewManager()
	m.Assign(5, []string{"split-5"})
	m.Assign(1, []string{"split-1a", "split-1b"})

	got := m.ListAssignments()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].ActorID)
	assert.Equal(t, uint64(5), got[1].ActorID)
	assert.Equal(t, []string{"split-1a", "split-1b"}, got[0].Splits)
}

func TestDropSourceChangeForgetsDroppedActors(t *testing.T) {
	m := NewManager()
	m.Assign(1, []string{"a"})
	m.Assign(2, []string{"b"})

	dropped := []fragment.TableFragments{{
		Actors: map[scheduler.ActorID]fragment.PlacedActor{1: {ActorID: 1}},
	}}
	m.DropSourceChange(dropped)

	got := m.ListAssignments()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ActorID)
}

func TestPauseGuardBlocksConcurrentPause(t *testing.T) {
	m := NewManager()
	g := m.Pause()

	acquired := make(chan struct{})
	go func() {
		g2 := m.Pause()
		close(acquired)
		g2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Pause should block while first guard is held")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Pause should have acquired after Release")
	}
}
