// Package vnode implements the virtual-node partitioner: a
// deterministic mapping from a fixed range of virtual nodes to the
// parallel units that currently own them, plus the CRC32-family hash
// used to route a key into that range.
//
// The vnode count is fixed cluster-wide; every node must agree on it
// and on the hash function, or shuffled data will be misrouted.
package vnode

import (
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/dreamware/streamctl/internal/metaerrors"
)

// Count is the fixed, power-of-two size of the virtual-node space.
// All cluster members must agree on this constant.
const Count = 256

// VirtualNode is an index in [0, Count).
type VirtualNode uint32

// PUID identifies a parallel unit (a scheduling slot on a worker).
type PUID uint32

// Bitmap is a fixed-Count bitset over virtual nodes, used as the dual
// representation of a Mapping: one Bitmap per PU, each bit set iff
// that PU owns the corresponding vnode.
type Bitmap struct {
	bits *bitset.BitSet
}

// NewBitmap returns an empty bitmap over the vnode range.
func NewBitmap() Bitmap {
	return Bitmap{bits: bitset.New(Count)}
}

// Set marks vnode v as owned.
func (b Bitmap) Set(v VirtualNode) { b.bits.Set(uint(v)) }

// Test reports whether vnode v is set.
func (b Bitmap) Test(v VirtualNode) bool { return b.bits.Test(uint(v)) }

// Count returns the number of vnodes set in the bitmap.
func (b Bitmap) Count() int { return int(b.bits.Count()) }

// Union returns a new bitmap that is the union of b and other.
func (b Bitmap) Union(other Bitmap) Bitmap {
	return Bitmap{bits: b.bits.Union(other.bits)}
}

// IntersectionCount returns the number of vnodes present in both bitmaps.
func (b Bitmap) IntersectionCount(other Bitmap) int {
	return int(b.bits.IntersectionCardinality(other.bits))
}

// Clone returns an independent copy of the bitmap.
func (b Bitmap) Clone() Bitmap { return Bitmap{bits: b.bits.Clone()} }

// Mapping is a total function vnode → PUID, the canonical
// representation of a vnode partitioning. Every vnode in [0, Count)
// must map to exactly one PU.
type Mapping struct {
	table [Count]PUID
}

// Build assigns the Count vnodes to pus in round-robin order, giving a
// balanced partition (bucket sizes differ by at most one) that is a
// pure function of the input ordering, with no randomness. pus must
// be non-empty.
func Build(pus []PUID) (Mapping, error) {
	if len(pus) == 0 {
		return Mapping{}, metaerrors.New(metaerrors.Internal, "vnode.Build: empty parallel unit list")
	}
	var m Mapping
	for v := 0; v < Count; v++ {
		m.table[v] = pus[v%len(pus)]
	}
	return m, nil
}

// At returns the PU owning vnode v.
func (m Mapping) At(v VirtualNode) PUID { return m.table[v] }

// ToBitmaps inverts the mapping into one Bitmap per PU.
func (m Mapping) ToBitmaps() map[PUID]Bitmap {
	out := make(map[PUID]Bitmap)
	for v := 0; v < Count; v++ {
		pu := m.table[v]
		bm, ok := out[pu]
		if !ok {
			bm = NewBitmap()
			out[pu] = bm
		}
		bm.Set(VirtualNode(v))
	}
	return out
}

// FromBitmaps inverts the bitmap representation back into a Mapping.
// It fails with an InconsistentMapping error if bitmaps overlap or
// leave vnodes uncovered.
func FromBitmaps(byPU map[PUID]Bitmap) (Mapping, error) {
	var m Mapping
	covered := NewBitmap()
	// Deterministic iteration order for reproducible error messages.
	ids := make([]PUID, 0, len(byPU))
	for id := range byPU {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, pu := range ids {
		bm := byPU[pu]
		if covered.IntersectionCount(bm) > 0 {
			return Mapping{}, inconsistentMapping("bitmaps overlap for parallel unit %d", pu)
		}
		for v := 0; v < Count; v++ {
			if bm.Test(VirtualNode(v)) {
				m.table[v] = pu
				covered.Set(VirtualNode(v))
			}
		}
	}
	if covered.Count() != Count {
		return Mapping{}, inconsistentMapping("bitmaps leave %d vnodes uncovered", Count-covered.Count())
	}
	return m, nil
}

func inconsistentMapping(format string, args ...any) error {
	return metaerrors.New(metaerrors.Internal, "InconsistentMapping: "+fmt.Sprintf(format, args...))
}

// hasher is the fixed, cluster-wide CRC32-family hash builder. Using
// IEEE ensures every node computes the same vnode for the same key
// without coordination.
var hasher = crc32.MakeTable(crc32.IEEE)

// Hash maps arbitrary key bytes onto a virtual node.
func Hash(key []byte) VirtualNode {
	return VirtualNode(crc32.Checksum(key, hasher) % Count)
}

// HashKey folds the hashes of multiple key columns into a single
// virtual node, the way a composite distribution key is routed. Each
// column's bytes are mixed into a running CRC32 rather than hashed and
// summed, so that differing per-column arity still spreads load evenly.
func HashKey(cols [][]byte) VirtualNode {
	crc := crc32.NewIEEE()
	for _, col := range cols {
		_, _ = crc.Write(col)
		// Separator byte prevents ("ab","c") and ("a","bc") from colliding.
		_, _ = crc.Write([]byte{0})
	}
	return VirtualNode(crc.Sum32() % Count)
}
