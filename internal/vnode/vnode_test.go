package vnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBalanced(t *testing.T) {
	pus := []PUID{1, 2, 3}
	m, err := Build(pus)
	require.NoError(t, err)

	bitmaps := m.ToBitmaps()
	require.Len(t, bitmaps, 3)

	counts := make([]int, 0, 3)
	for _, bm := range bitmaps {
		counts = append(counts, bm.Count())
	}
	min, max := counts[0], counts[0]
	for _, c := range counts {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	assert.LessOrEqual(t, max-min, 1, "vnode bucket sizes must differ by at most one")
}

func TestBuildDeterministic(t *testing.T) {
	pus := []PUID{5, 2, 9}
	m1, err := Build(pus)
	require.NoError(t, err)
	m2, err := Build(pus)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
}

func TestFromBitmapsRoundTrip(t *testing.T) {
	pus := []PUID{1, 2, 3, 4}
	m, err := Build(pus)
	require.NoError(t, err)

	bitmaps := m.ToBitmaps()
	back, err := FromBitmaps(bitmaps)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestFromBitmapsOverlapFails(t *testing.T) {
	a := NewBitmap()
	a.Set(0)
	b := NewBitmap()
	b.Set(0)
	_, err := FromBitmaps(map[PUID]Bitmap{1: a, 2: b})
	require.Error(t, err)
}

func TestFromBitmapsUncoveredFails(t *testing.T) {
	a := NewBitmap()
	a.Set(0)
	_, err := FromBitmaps(map[PUID]Bitmap{1: a})
	require.Error(t, err)
}

func TestCoverageAndDisjoint(t *testing.T) {
	pus := []PUID{10, 20, 30, 40, 50, 60, 70}
	m, err := Build(pus)
	require.NoError(t, err)
	bitmaps := m.ToBitmaps()

	union := NewBitmap()
	total := 0
	for _, bm := range bitmaps {
		assert.Equal(t, 0, union.IntersectionCount(bm), "bitmaps must be disjoint")
		union = union.Union(bm)
		total += bm.Count()
	}
	assert.Equal(t, Count, total)
	assert.Equal(t, Count, union.Count())
}

func TestHashDeterministic(t *testing.T) {
	k := []byte("user:123")
	assert.Equal(t, Hash(k), Hash(k))
	assert.Less(t, uint32(Hash(k)), uint32(Count))
}

func TestHashKeyDiffersFromSingle(t *testing.T) {
	single := HashKey([][]byte{[]byte("ab")})
	multi := HashKey([][]byte{[]byte("a"), []byte("b")})
	// Not asserting inequality (hash collisions are legal); just that
	// both land in range and are deterministic.
	assert.Less(t, uint32(single), uint32(Count))
	assert.Less(t, uint32(multi), uint32(Count))
	assert.Equal(t, single, HashKey([][]byte{[]byte("ab")}))
}
