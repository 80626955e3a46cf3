// Package scheduler implements the fragment scheduler: it places
// a fragment's actors onto parallel units and builds the vnode
// mapping each actor routes by.
//
// Placement walks workers round-robin, one parallel unit at a time,
// so a fragment whose actor count does not exceed the worker count
// lands on distinct workers.
package scheduler

import (
	"math/rand"
	"sort"

	"slices"

	"github.com/dreamware/streamctl/internal/cluster"
	"github.com/dreamware/streamctl/internal/metaerrors"
	"github.com/dreamware/streamctl/internal/vnode"
)

// ActorID identifies one running instance of a fragment.
type ActorID uint64

// DistributionType is a fragment's placement strategy.
type DistributionType int

const (
	Single DistributionType = iota
	Hash
)

// Actor is one parallel slice of a fragment awaiting placement.
type Actor struct {
	ColocatedUpstreamActorID *ActorID
	ActorID                  ActorID
	FragmentID               uint32
	UpstreamActorIDs         []ActorID
}

// Fragment is a group of homogeneous actors for one streaming operator.
type Fragment struct {
	VnodeMapping     *vnode.Mapping
	FragmentID       uint32
	DistributionType DistributionType
	Actors           []Actor
}

// ScheduledLocations accumulates the side effects of scheduling one or
// more fragments: where each actor landed, and what vnode bitmap (if
// any) it owns. It is owned exclusively by the caller driving
// scheduling, never shared across goroutines.
type ScheduledLocations struct {
	ActorLocations   map[ActorID]cluster.ParallelUnit
	ActorVnodeBitmap map[ActorID]*vnode.Bitmap
	WorkerLocations  map[cluster.WorkerID]cluster.Worker
}

// NewScheduledLocations seeds an accumulator with the known worker set
// (used to resolve an actor's host from its parallel unit).
func NewScheduledLocations(workers []cluster.Worker) *ScheduledLocations {
	loc := &ScheduledLocations{
		ActorLocations:   make(map[ActorID]cluster.ParallelUnit),
		ActorVnodeBitmap: make(map[ActorID]*vnode.Bitmap),
		WorkerLocations:  make(map[cluster.WorkerID]cluster.Worker),
	}
	for _, w := range workers {
		loc.WorkerLocations[w.ID] = w
	}
	return loc
}

// WorkerActors returns, for every worker, the actors currently placed
// on it.
func (s *ScheduledLocations) WorkerActors() map[cluster.WorkerID][]ActorID {
	out := make(map[cluster.WorkerID][]ActorID)
	// Deterministic order for callers that print/log this.
	ids := make([]ActorID, 0, len(s.ActorLocations))
	for id := range s.ActorLocations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		pu := s.ActorLocations[id]
		out[pu.WorkerID] = append(out[pu.WorkerID], id)
	}
	return out
}

// ScheduleColocateWith finds the single parallel unit shared by all
// actorIDs, failing if any is unplaced or they disagree. This is the
// colocation lookup used by singleton and hash fragments that declare
// a colocated upstream.
func (s *ScheduledLocations) ScheduleColocateWith(actorIDs []ActorID) (cluster.ParallelUnit, error) {
	var result *cluster.ParallelUnit
	for _, id := range actorIDs {
		pu, ok := s.ActorLocations[id]
		if !ok {
			return cluster.ParallelUnit{}, metaerrors.New(metaerrors.Internal, "actor location not found")
		}
		if result == nil {
			p := pu
			result = &p
		} else if *result != pu {
			return cluster.ParallelUnit{}, metaerrors.New(metaerrors.Internal, "cannot satisfy colocation: upstreams disagree on parallel unit")
		}
	}
	if result == nil {
		return cluster.ParallelUnit{}, metaerrors.New(metaerrors.Internal, "ScheduleColocateWith: empty actor id list")
	}
	return *result, nil
}

// Scheduler schedules fragments onto a fixed, round-robin-ordered list
// of parallel units computed once at construction time.
type Scheduler struct {
	allParallelUnits []cluster.ParallelUnit
	rng              *rand.Rand
}

// New groups pus by worker and interleaves them round-robin (one PU
// per worker per round) so that an N-actor fragment with N ≤
// worker-count lands on N distinct workers.
func New(pus []cluster.ParallelUnit) *Scheduler {
	return NewWithRand(pus, rand.New(rand.NewSource(defaultSeed)))
}

// NewWithRand is New with an injected RNG, for deterministic tests of
// singleton placement.
func NewWithRand(pus []cluster.ParallelUnit, rng *rand.Rand) *Scheduler {
	byWorker := make(map[cluster.WorkerID][]cluster.ParallelUnit)
	var workerOrder []cluster.WorkerID
	for _, p := range pus {
		if _, ok := byWorker[p.WorkerID]; !ok {
			workerOrder = append(workerOrder, p.WorkerID)
		}
		byWorker[p.WorkerID] = append(byWorker[p.WorkerID], p)
	}
	slices.Sort(workerOrder)

	cursor := make(map[cluster.WorkerID]int, len(workerOrder))
	var roundRobin []cluster.ParallelUnit
	for {
		progressed := false
		for _, wid := range workerOrder {
			i := cursor[wid]
			if i < len(byWorker[wid]) {
				roundRobin = append(roundRobin, byWorker[wid][i])
				cursor[wid] = i + 1
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	return &Scheduler{allParallelUnits: roundRobin, rng: rng}
}

const defaultSeed = 42

// Schedule places fragment's actors into locations, mutating both the
// fragment (setting VnodeMapping) and locations (actor placements and
// bitmaps) in place.
func (s *Scheduler) Schedule(fragment *Fragment, locations *ScheduledLocations) error {
	if len(fragment.Actors) == 0 {
		return metaerrors.New(metaerrors.Internal, "fragment has no actor")
	}

	if fragment.DistributionType == Single {
		return s.scheduleSingleton(fragment, locations)
	}
	return s.scheduleHash(fragment, locations)
}

func (s *Scheduler) scheduleSingleton(fragment *Fragment, locations *ScheduledLocations) error {
	if len(fragment.Actors) != 1 {
		return metaerrors.New(metaerrors.Internal, "singleton fragment must have exactly one actor")
	}
	actor := fragment.Actors[0]

	var pu cluster.ParallelUnit
	if actor.ColocatedUpstreamActorID != nil {
		var err error
		pu, err = locations.ScheduleColocateWith([]ActorID{*actor.ColocatedUpstreamActorID})
		if err != nil {
			return err
		}
	} else {
		if len(s.allParallelUnits) == 0 {
			return metaerrors.New(metaerrors.Internal, "no parallel unit to schedule")
		}
		pu = s.allParallelUnits[s.rng.Intn(len(s.allParallelUnits))]
	}

	m, err := vnode.Build([]vnode.PUID{pu.ID})
	if err != nil {
		return err
	}
	fragment.VnodeMapping = &m
	locations.ActorLocations[actor.ActorID] = pu
	// Singletons route all rows to the one actor: no vnode_bitmap set
	// on the actor itself.
	return nil
}

func (s *Scheduler) scheduleHash(fragment *Fragment, locations *ScheduledLocations) error {
	n := len(fragment.Actors)
	if n > len(s.allParallelUnits) {
		return metaerrors.New(metaerrors.Internal, "NotEnoughCapacity: fragment has more actors than available parallel units")
	}

	anyColocated := false
	for _, a := range fragment.Actors {
		if a.ColocatedUpstreamActorID != nil {
			anyColocated = true
			break
		}
	}

	if anyColocated {
		return s.scheduleHashColocated(fragment, locations)
	}
	return s.scheduleHashFresh(fragment, locations)
}

func (s *Scheduler) scheduleHashColocated(fragment *Fragment, locations *ScheduledLocations) error {
	byPU := make(map[vnode.PUID]vnode.Bitmap)
	for i := range fragment.Actors {
		actor := &fragment.Actors[i]
		if actor.ColocatedUpstreamActorID == nil {
			return metaerrors.New(metaerrors.Internal, "mixed colocated/non-colocated actors in one hash fragment")
		}
		pu, err := locations.ScheduleColocateWith([]ActorID{*actor.ColocatedUpstreamActorID})
		if err != nil {
			return err
		}
		upstreamBitmap, ok := locations.ActorVnodeBitmap[*actor.ColocatedUpstreamActorID]
		if !ok || upstreamBitmap == nil {
			return metaerrors.New(metaerrors.Internal, "colocated upstream has no vnode bitmap")
		}
		bm := upstreamBitmap.Clone()
		byPU[vnode.PUID(pu.ID)] = bm

		locations.ActorLocations[actor.ActorID] = pu
		locations.ActorVnodeBitmap[actor.ActorID] = &bm
	}

	m, err := vnode.FromBitmaps(byPU)
	if err != nil {
		return err
	}
	fragment.VnodeMapping = &m
	return nil
}

func (s *Scheduler) scheduleHashFresh(fragment *Fragment, locations *ScheduledLocations) error {
	n := len(fragment.Actors)
	chosen := append([]cluster.ParallelUnit(nil), s.allParallelUnits[:n]...)
	sort.Slice(chosen, func(i, j int) bool { return chosen[i].ID < chosen[j].ID })

	puIDs := make([]vnode.PUID, n)
	for i, p := range chosen {
		puIDs[i] = p.ID
	}
	m, err := vnode.Build(puIDs)
	if err != nil {
		return err
	}
	fragment.VnodeMapping = &m
	bitmaps := m.ToBitmaps()

	for i := range fragment.Actors {
		actor := &fragment.Actors[i]
		pu := chosen[i]
		bm := bitmaps[pu.ID]
		locations.ActorLocations[actor.ActorID] = pu
		locations.ActorVnodeBitmap[actor.ActorID] = &bm
	}
	return nil
}
