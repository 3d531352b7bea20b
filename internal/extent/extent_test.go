package extent

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLimit = 1 << 20

type rng struct{ start, block, count uint64 }

func ranges(l *List) []rng {
	var out []rng
	l.Each(func(e *Extent) bool {
		out = append(out, rng{e.Start, e.Block, e.Count})
		return true
	})
	return out
}

func TestAddMerges(t *testing.T) {
	tests := []struct {
		name string
		adds []rng
		want []rng
	}{
		{"Single", []rng{{10, 0, 5}}, []rng{{10, 0, 5}}},
		{"Append after", []rng{{10, 0, 5}, {15, 0, 5}}, []rng{{10, 0, 10}}},
		{"Prepend before", []rng{{10, 0, 5}, {5, 0, 5}}, []rng{{5, 0, 10}}},
		{"Disjoint sorted", []rng{{20, 0, 5}, {10, 0, 5}, {30, 0, 1}}, []rng{{10, 0, 5}, {20, 0, 5}, {30, 0, 1}}},
		{"Bridge gap merges both sides", []rng{{10, 0, 5}, {20, 0, 5}, {15, 0, 5}}, []rng{{10, 0, 15}}},
		{"Bridge from the right", []rng{{20, 0, 5}, {10, 0, 5}, {15, 0, 5}}, []rng{{10, 0, 15}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewList(Space, testLimit)
			for _, a := range tt.adds {
				l.Add(a.start, a.block, a.count, true)
			}
			assert.Equal(t, tt.want, ranges(l))
			assert.True(t, l.Canonical())
		})
	}
}

func TestAddBlockMapNeedsPhysicalContiguity(t *testing.T) {
	l := NewList(BlockMap, testLimit)
	l.Add(0, 100, 4, true)
	l.Add(4, 104, 4, true) // contiguous both ways
	l.Add(8, 500, 2, true) // logically adjacent only
	l.Add(10, 502, 1, true)

	assert.Equal(t, []rng{{0, 100, 8}, {8, 500, 3}}, ranges(l))
	assert.True(t, l.Canonical())

	phys, ok := l.Lookup(9)
	require.True(t, ok)
	assert.Equal(t, uint64(501), phys)
	_, ok = l.Lookup(11)
	assert.False(t, ok)
}

func TestAddBlockMapInsertsBeforeNonContiguousNeighbour(t *testing.T) {
	l := NewList(BlockMap, testLimit)
	l.Add(10, 300, 2, true)
	l.Add(8, 50, 2, true) // ends at 10 but physically elsewhere
	assert.Equal(t, []rng{{8, 50, 2}, {10, 300, 2}}, ranges(l))
}

func TestAddUnsortedAppends(t *testing.T) {
	l := NewList(Space, testLimit)
	l.Add(50, 0, 1, false)
	l.Add(10, 0, 1, false)
	l.Add(11, 0, 1, false)
	assert.Equal(t, []rng{{50, 0, 1}, {10, 0, 2}}, ranges(l))
}

func TestAddBeyondBudgetPanics(t *testing.T) {
	l := NewList(Space, 100)
	assert.Panics(t, func() { l.Add(95, 0, 10, true) })
	assert.Panics(t, func() { l.Add(5, 0, 0, true) })

	m := NewList(BlockMap, 100)
	assert.Panics(t, func() { m.Add(0, 0, 1, true) })
}

func TestAddOverlapPanics(t *testing.T) {
	l := NewList(Space, testLimit)
	l.Add(10, 0, 10, true)
	assert.Panics(t, func() { l.Add(15, 0, 2, true) })
	assert.Panics(t, func() { l.Add(5, 0, 10, true) })

	// A range merging into one neighbour must not reach into the other
	m := NewList(Space, testLimit)
	m.Add(0, 0, 10, true)
	m.Add(12, 0, 5, true)
	assert.Panics(t, func() { m.Add(10, 0, 5, true) })
	assert.Equal(t, uint64(15), m.Total(), "a rejected range leaves the list unchanged")

	b := NewList(BlockMap, testLimit)
	b.Add(0, 100, 4, true)
	b.Add(6, 300, 4, true)
	assert.Panics(t, func() { b.Add(4, 104, 4, true) })
	assert.True(t, b.Canonical())
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name       string
		start      uint64
		count      uint64
		wantFreed  uint64
		wantExtent []rng
	}{
		{"Head trim", 10, 3, 3, []rng{{13, 0, 7}}},
		{"Tail trim", 17, 3, 3, []rng{{10, 0, 7}}},
		{"Whole extent", 10, 10, 10, nil},
		{"Clamped at extent end", 15, 100, 5, []rng{{10, 0, 5}}},
		{"Split", 13, 4, 4, []rng{{10, 0, 3}, {17, 0, 3}}},
		{"Before first extent", 2, 4, 0, []rng{{10, 0, 10}}},
		{"Past last extent", 40, 4, 0, []rng{{10, 0, 10}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewList(Space, testLimit)
			l.Add(10, 0, 10, true)
			assert.Equal(t, tt.wantFreed, l.Remove(tt.start, tt.count))
			assert.Equal(t, tt.wantExtent, ranges(l))
		})
	}
}

func TestRemoveSplitsBlockMap(t *testing.T) {
	l := NewList(BlockMap, testLimit)
	l.Add(100, 1000, 50, true)

	freed := l.Remove(110, 5)
	require.Equal(t, uint64(5), freed)
	assert.Equal(t, []rng{{100, 1000, 10}, {115, 1015, 35}}, ranges(l))

	freed = l.Remove(115, 1)
	require.Equal(t, uint64(1), freed)
	assert.Equal(t, []rng{{100, 1000, 10}, {116, 1016, 34}}, ranges(l))

	phys, ok := l.Lookup(120)
	require.True(t, ok)
	assert.Equal(t, uint64(1020), phys)
}

func TestAddThenRemoveRestores(t *testing.T) {
	l := NewList(Space, testLimit)
	l.Add(10, 0, 5, true)
	l.Add(40, 0, 5, true)
	before := ranges(l)

	l.Add(15, 0, 7, true)
	require.NotEqual(t, before, ranges(l))
	assert.Equal(t, uint64(7), l.Remove(15, 7))
	assert.Equal(t, before, ranges(l))
}

func TestTake(t *testing.T) {
	l := NewList(Space, testLimit)
	start, n := l.Take(1)
	assert.Zero(t, start)
	assert.Zero(t, n)

	l.Add(5, 0, 3, true)
	l.Add(20, 0, 10, true)

	start, n = l.Take(4)
	assert.Equal(t, uint64(5), start)
	assert.Equal(t, uint64(3), n)

	start, n = l.Take(4)
	assert.Equal(t, uint64(20), start)
	assert.Equal(t, uint64(4), n)
	assert.Equal(t, uint64(6), l.Total())
}

func TestMoveToAndClone(t *testing.T) {
	src := NewList(Space, testLimit)
	src.Add(1, 0, 4, true)
	src.Add(10, 0, 2, true)
	clone := src.Clone()
	assert.Equal(t, Space, clone.Kind())
	assert.Equal(t, uint64(testLimit), clone.Limit())

	dst := NewList(Space, testLimit)
	dst.Add(5, 0, 5, true)
	src.MoveTo(dst)

	assert.True(t, src.Empty())
	assert.Equal(t, []rng{{1, 0, 11}}, ranges(dst))
	assert.Equal(t, []rng{{1, 0, 4}, {10, 0, 2}}, ranges(clone))
	assert.Len(t, clone.Records(), 2)
}

// Random add/remove sequences keep the list canonical and conserve blocks.
func TestRandomConservation(t *testing.T) {
	for _, kind := range []Kind{Space, BlockMap} {
		t.Run(kind.String(), func(t *testing.T) {
			r := rand.New(rand.NewSource(42))
			l := NewList(kind, testLimit)
			present := make(map[uint64]uint64)
			var added, removed uint64

			for i := 0; i < 5000; i++ {
				off := uint64(r.Intn(2000))
				if r.Intn(3) > 0 {
					if _, ok := present[off]; ok {
						continue
					}
					var block uint64
					if kind == BlockMap {
						// Mostly contiguous, sometimes scattered.
						block = 10000 + off
						if r.Intn(4) == 0 {
							block = 200000 + uint64(r.Intn(400))*2000 + off
						}
					}
					l.Add(off, block, 1, true)
					present[off] = block
					added++
				} else {
					n := l.Remove(off, 1)
					if _, ok := present[off]; ok {
						require.Equal(t, uint64(1), n)
						delete(present, off)
						removed++
					} else {
						require.Zero(t, n)
					}
				}
				require.True(t, l.Canonical(), "list not canonical after step %d: %s", i, l)
			}

			assert.Equal(t, added-removed, l.Total())
			for off, block := range present {
				phys, ok := l.Lookup(off)
				require.True(t, ok)
				if kind == BlockMap {
					assert.Equal(t, block, phys)
				}
			}
		})
	}
}
