package layer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/containerd/errdefs"

	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// forest is the index to layer table. Slots are read without locks through
// atomic loads; every mutation of a slot, of the roots map or of the
// parent/children/zfs linkage of any layer happens under mu.
type forest struct {
	slots []atomic.Pointer[Layer]
	gens  []atomic.Uint64
	roots map[uint64]int
	next  int
	count int
	mu    sync.Mutex

	// epochs counts how many layers each slot has held, modulo 1<<16.
	// Handles carry the epoch so they go stale once their layer is removed.
	epochs []uint16
}

// ref names a slot at a given generation. A ref goes stale once the slot is
// reused or swapped.
type ref struct {
	index int
	gen   uint64
}

func newForest(capacity int) *forest {
	return &forest{
		slots: make([]atomic.Pointer[Layer], capacity),
		gens:  make([]atomic.Uint64, capacity),
		roots:  make(map[uint64]int, capacity),
		next:   types.RootLayerIndex + 1,
		epochs: make([]uint16, capacity),
	}
}

// get returns the layer in slot index without locking.
func (f *forest) get(index int) *Layer {
	if index < 0 || index >= len(f.slots) {
		return nil
	}
	return f.slots[index].Load()
}

func (f *forest) refOf(index int) ref {
	return ref{index: index, gen: f.gens[index].Load()}
}

// setRoot installs the root layer in slot zero.
func (f *forest) setRoot(l *Layer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invariant(f.slots[types.RootLayerIndex].Load() == nil, "root layer installed twice")
	l.gindex = types.RootLayerIndex
	f.roots[l.root] = types.RootLayerIndex
	f.slots[types.RootLayerIndex].Store(l)
	f.count++
}

// add assigns a free index to l, links it under parent and publishes it.
// It returns the index of parent when l is its first child, zero otherwise.
func (f *forest) add(l, parent *Layer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index := -1
	for i := 0; i < len(f.slots)-1; i++ {
		candidate := (f.next-1+i)%(len(f.slots)-1) + 1
		if f.slots[candidate].Load() == nil {
			index = candidate
			break
		}
	}
	if index < 0 {
		return 0, fmt.Errorf("all %d layer slots in use: %w", len(f.slots)-1, errdefs.ErrResourceExhausted)
	}
	f.next = index + 1

	inval := 0
	if parent != nil {
		if len(parent.children) == 0 {
			inval = parent.gindex
		}
		l.parent = parent
		parent.children = append(parent.children, l)
	}
	l.gindex = index
	l.epoch = f.epochs[index]
	l.super.Index = int32(index)
	f.roots[l.root] = index
	f.gens[index].Add(1)
	f.slots[index].Store(l)
	f.count++
	return inval, nil
}

// remove unpublishes l and detaches it from its parent. When the parent is
// a zombie left with a single child, that child now gates its release.
func (f *forest) remove(l *Layer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	invariant(len(l.children) == 0, "removing layer %d with %d children", l.gindex, len(l.children))
	if f.slots[l.gindex].Load() == l {
		f.slots[l.gindex].Store(nil)
		f.gens[l.gindex].Add(1)
		f.epochs[l.gindex]++
		f.count--
	}
	if index, ok := f.roots[l.root]; ok && index == l.gindex {
		delete(f.roots, l.root)
	}

	pfs := l.parent
	if pfs == nil {
		return
	}
	pfs.children = without(pfs.children, l)
	l.parent = nil
	if pfs.state == types.LayerZombie && len(pfs.children) == 1 {
		pfs.children[0].zfs = pfs
	}
}

// makeZombie tags l as a zombie. A zombie with a single child is released
// right after that child.
func (f *forest) makeZombie(l *Layer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invariant(len(l.children) > 0, "zombie layer %d has no children", l.gindex)
	l.state = types.LayerZombie
	l.super.Flags |= types.SuperZombie
	if len(l.children) == 1 {
		l.children[0].zfs = l
	}
}

// handleOf returns the handle of the root directory of the layer rooted at
// root.
func (f *forest) handleOf(root uint64) (types.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index, ok := f.roots[root]
	if !ok {
		return 0, false
	}
	l := f.slots[index].Load()
	if l == nil {
		return 0, false
	}
	return l.handle(root), true
}

// indexOf returns the index of the layer rooted at root.
func (f *forest) indexOf(root uint64) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index, ok := f.roots[root]
	return index, ok
}

// layers returns every published layer, root layer first.
func (f *forest) layers() []*Layer {
	out := make([]*Layer, 0, len(f.slots))
	for i := range f.slots {
		if l := f.slots[i].Load(); l != nil {
			out = append(out, l)
		}
	}
	return out
}

// children returns a copy of the child list of l.
func (f *forest) childrenOf(l *Layer) []*Layer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Layer(nil), l.children...)
}

func (f *forest) parentOf(l *Layer) *Layer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return l.parent
}

func (f *forest) zfsOf(l *Layer) *Layer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return l.zfs
}

// len returns the number of published layers including the root layer.
func (f *forest) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// tryWith runs fn on the layer still published under r with a shared lock,
// without ever blocking. When the slot changed or the layer is locked by
// someone else, fn is skipped and false returned; the lock holder is doing
// the equivalent work itself.
func (f *forest) tryWith(r ref, root uint64, fn func(l *Layer)) bool {
	l := f.get(r.index)
	if l == nil || f.gens[r.index].Load() != r.gen {
		return false
	}
	if !l.mu.TryRLock() {
		return false
	}
	defer l.mu.RUnlock()
	if f.get(r.index) != l || l.root != root || l.state == types.LayerRemoved {
		return false
	}
	fn(l)
	return true
}

func without(list []*Layer, l *Layer) []*Layer {
	for i, c := range list {
		if c == l {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
