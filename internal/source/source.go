// Package source implements the Source Manager: connector split
// assignment bookkeeping and the pause guard recovery holds while it
// reshapes the cluster.
package source

import (
	"sort"
	"sync"

	"github.com/dreamware/streamctl/internal/fragment"
)

// Assignment is one actor's current split assignment.
type Assignment struct {
	Splits  []string
	ActorID uint64
}

// Manager tracks which splits each source actor is reading, and
// exposes the pause guard recovery acquires for its duration.
type Manager struct {
	mu          sync.Mutex
	pause       sync.Mutex
	assignments map[uint64][]string
}

// NewManager constructs an empty source manager.
func NewManager() *Manager {
	return &Manager{assignments: make(map[uint64][]string)}
}

// Assign records actor's current split set, replacing any prior one.
func (m *Manager) Assign(actorID uint64, splits []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]string(nil), splits...)
	m.assignments[actorID] = cp
}

// ListAssignments returns every tracked actor's splits, sorted by
// actor id for deterministic callers.
func (m *Manager) ListAssignments() []Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Assignment, 0, len(m.assignments))
	for id, splits := range m.assignments {
		out = append(out, Assignment{ActorID: id, Splits: append([]string(nil), splits...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

// DropSourceChange forgets every actor belonging to the given table
// fragments, called when recovery drops dirty fragments so split
// bookkeeping doesn't resurrect them.
func (m *Manager) DropSourceChange(dropped []fragment.TableFragments) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tf := range dropped {
		for actorID := range tf.Actors {
			delete(m.assignments, uint64(actorID))
		}
	}
}

// PauseGuard is held for the duration of recovery: while held,
// connector split discovery must not run.
type PauseGuard struct {
	m *Manager
}

// Pause suspends connector split discovery until the returned guard's
// Release is called. Pause blocks if a guard is already outstanding.
func (m *Manager) Pause() *PauseGuard {
	m.pause.Lock()
	return &PauseGuard{m: m}
}

// Release ends the pause, resuming connector split discovery.
func (g *PauseGuard) Release() {
	g.m.pause.Unlock()
}
