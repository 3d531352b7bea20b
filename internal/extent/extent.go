// Package extent implements sorted, self-merging extent lists. The same list
// type serves as a free-space index (Space extents) and as a logical to
// physical block map (BlockMap extents).
package extent

import (
	"fmt"

	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// Kind tells whether an extent denotes free space or a block mapping.
type Kind uint8

const (
	// Space is a run of free (or owned) physical blocks [Start, Start+Count).
	Space Kind = iota

	// BlockMap maps logical blocks [Start, Start+Count) to physical blocks
	// [Block, Block+Count).
	BlockMap
)

// String returns the kind name.
func (k Kind) String() string {
	if k == BlockMap {
		return "blockmap"
	}
	return "space"
}

// Extent is one node of a List.
type Extent struct {
	Start uint64
	Block uint64
	Count uint64
	Kind  Kind

	next *Extent
}

// End returns the first logical block past the extent.
func (e *Extent) End() uint64 {
	return e.Start + e.Count
}

// Physical returns the physical block of the first block in the extent.
func (e *Extent) Physical() uint64 {
	if e.Kind == Space {
		return e.Start
	}
	return e.Block
}

// Next returns the following extent in the list.
func (e *Extent) Next() *Extent {
	return e.next
}

// adjacent reports whether the range (s2, b2) directly follows (s1, b1, c1).
// Block maps additionally need physical contiguity.
func adjacent(s1, b1, c1, s2, b2 uint64) bool {
	if s1+c1 != s2 {
		return false
	}
	return b1 == 0 || b1+c1 == b2
}

func (e *Extent) precedes(n *Extent) bool {
	return adjacent(e.Start, e.Block, e.Count, n.Start, n.Block)
}

// List is a singly linked list of extents. A List owns its nodes. It is not
// safe for concurrent use; callers serialize access with the lock of whatever
// owns the list.
type List struct {
	head  *Extent
	limit uint64
	kind  Kind
}

// NewList returns an empty list of the given kind whose ranges must stay
// below limit, the total block budget of the pool.
func NewList(kind Kind, limit uint64) *List {
	return &List{kind: kind, limit: limit}
}

// Kind returns the kind of extents held by the list.
func (l *List) Kind() Kind {
	return l.kind
}

// Limit returns the block budget enforced on insertion.
func (l *List) Limit() uint64 {
	return l.limit
}

// Head returns the first extent, or nil.
func (l *List) Head() *Extent {
	return l.head
}

// Empty reports whether the list holds no extents.
func (l *List) Empty() bool {
	return l.head == nil
}

// Add inserts the range [start, start+count). block is zero for Space lists
// and the physical block of start for BlockMap lists. The new range is merged
// into an adjacent extent when possible, and the grown extent is merged again
// with its other neighbour so the list stays minimal. Unsorted lists only
// merge or append.
func (l *List) Add(start, block, count uint64, sorted bool) {
	l.check(start, block, count)

	var prev *Extent
	link := &l.head
	for e := l.head; e != nil; e = e.next {
		// e followed by the new range
		if adjacent(e.Start, e.Block, e.Count, start, block) {
			if n := e.next; sorted && n != nil {
				invariant(start+count <= n.Start, "extent [%d, %d) overlaps [%d, %d)", start, start+count, n.Start, n.End())
			}
			e.Count += count
			if n := e.next; n != nil && e.precedes(n) {
				e.Count += n.Count
				l.Free(n, &e.next)
			}
			return
		}

		// new range followed by e
		if adjacent(start, block, count, e.Start, e.Block) {
			if sorted && prev != nil {
				invariant(prev.End() <= start, "extent [%d, %d) overlaps [%d, %d)", start, start+count, prev.Start, prev.End())
			}
			e.Start = start
			e.Block = block
			e.Count += count
			if prev != nil && prev.precedes(e) {
				prev.Count += e.Count
				l.Free(e, &prev.next)
			}
			return
		}

		if sorted {
			if start < e.Start {
				invariant(start+count <= e.Start, "extent [%d, %d) overlaps [%d, %d)", start, start+count, e.Start, e.End())
				break
			}
			invariant(start >= e.End(), "extent [%d, %d) overlaps [%d, %d)", start, start+count, e.Start, e.End())
		}
		prev = e
		link = &e.next
	}

	*link = &Extent{Start: start, Block: block, Count: count, Kind: l.kind, next: *link}
}

func (l *List) check(start, block, count uint64) {
	invariant(count > 0, "empty extent at %d", start)
	if l.kind == BlockMap {
		invariant(block != 0, "block map extent at %d without a physical block", start)
	} else {
		invariant(block == 0, "space extent at %d with a physical block", start)
		block = start
	}
	invariant(block+count <= l.limit, "extent [%d, %d) beyond block budget %d", block, block+count, l.limit)
}

// Free unlinks e, which link must point to, and releases it.
func (l *List) Free(e *Extent, link **Extent) {
	invariant(*link == e, "extent [%d, %d) is not linked where expected", e.Start, e.End())
	*link = e.next
	e.next = nil
}

// Remove takes up to count blocks starting at start out of the extent that
// covers start and returns the number of blocks removed. Zero means nothing
// is mapped or free at start; it is not an error.
func (l *List) Remove(start, count uint64) uint64 {
	link := &l.head
	for e := l.head; e != nil; e = e.next {
		if start < e.Start {
			break
		}
		if start < e.End() {
			freed := e.End() - start
			if freed > count {
				freed = count
			}
			l.update(e, link, start, freed)
			return freed
		}
		link = &e.next
	}
	return 0
}

// update trims freed blocks at start out of e, splitting it when the range
// is interior.
func (l *List) update(e *Extent, link **Extent, start, freed uint64) {
	end := e.End()
	switch {
	case start == e.Start:
		e.Start += freed
		if e.Kind == BlockMap {
			e.Block += freed
		}
		e.Count -= freed
		if e.Count == 0 {
			l.Free(e, link)
		}
	case start+freed == end:
		e.Count -= freed
	default:
		right := &Extent{
			Start: start + freed,
			Count: end - (start + freed),
			Kind:  e.Kind,
			next:  e.next,
		}
		if e.Kind == BlockMap {
			right.Block = e.Block + (start - e.Start) + freed
		}
		e.Count = start - e.Start
		e.next = right
	}
}

// Take removes up to count blocks from the first extent of a Space list and
// returns the first block and the number taken. It returns (0, 0) when the
// list is empty.
func (l *List) Take(count uint64) (uint64, uint64) {
	e := l.head
	if e == nil || count == 0 {
		return 0, 0
	}
	start := e.Start
	return start, l.Remove(start, count)
}

// Lookup returns the physical block mapped at logical block off.
func (l *List) Lookup(off uint64) (uint64, bool) {
	for e := l.head; e != nil && e.Start <= off; e = e.next {
		if off < e.End() {
			return e.Physical() + (off - e.Start), true
		}
	}
	return 0, false
}

// Covers reports whether block lies inside some extent.
func (l *List) Covers(block uint64) bool {
	_, ok := l.Lookup(block)
	return ok
}

// Total returns the number of blocks held by the list.
func (l *List) Total() uint64 {
	var total uint64
	for e := l.head; e != nil; e = e.next {
		total += e.Count
	}
	return total
}

// Len returns the number of extents.
func (l *List) Len() int {
	n := 0
	for e := l.head; e != nil; e = e.next {
		n++
	}
	return n
}

// Each calls fn for every extent in order until fn returns false.
func (l *List) Each(fn func(e *Extent) bool) {
	for e := l.head; e != nil; e = e.next {
		if !fn(e) {
			return
		}
	}
}

// Clone returns a deep copy of the list.
func (l *List) Clone() *List {
	c := NewList(l.kind, l.limit)
	link := &c.head
	for e := l.head; e != nil; e = e.next {
		n := *e
		n.next = nil
		*link = &n
		link = &n.next
	}
	return c
}

// MoveTo drains every extent into dst, merging as it goes, and leaves l empty.
func (l *List) MoveTo(dst *List) {
	invariant(l.kind == dst.kind, "moving %s extents into a %s list", l.kind, dst.kind)
	for e := l.head; e != nil; e = e.next {
		dst.Add(e.Start, e.Block, e.Count, true)
	}
	l.head = nil
}

// Reset releases every extent.
func (l *List) Reset() {
	for l.head != nil {
		l.Free(l.head, &l.head)
	}
}

// Records returns the persisted form of the list.
func (l *List) Records() []types.ExtentRecord {
	records := make([]types.ExtentRecord, 0, l.Len())
	for e := l.head; e != nil; e = e.next {
		records = append(records, types.ExtentRecord{Start: e.Start, Block: e.Block, Count: e.Count})
	}
	return records
}

// Canonical reports whether the list is strictly ordered with no two
// neighbours mergeable.
func (l *List) Canonical() bool {
	for e := l.head; e != nil && e.next != nil; e = e.next {
		if e.End() > e.next.Start || e.precedes(e.next) {
			return false
		}
	}
	return true
}

// String formats the list for debugging.
func (l *List) String() string {
	s := "["
	for e := l.head; e != nil; e = e.next {
		if e != l.head {
			s += " "
		}
		if e.Kind == BlockMap {
			s += fmt.Sprintf("%d+%d@%d", e.Start, e.Count, e.Block)
		} else {
			s += fmt.Sprintf("%d+%d", e.Start, e.Count)
		}
	}
	return s + "]"
}

func invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("extent: "+format, args...))
	}
}
