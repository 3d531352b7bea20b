// Package icache holds the per-layer inode cache and the directory provider.
// Directories are btrees of entries; a child layer starts from a lazy
// copy-on-write clone of its parent's root directory.
package icache

import (
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/btree"

	"github.com/deploymenttheory/go-lcfs/internal/extent"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// File mode bits
const (
	ModeDir  uint32 = 0o040000
	ModeFile uint32 = 0o100000
	ModeMask uint32 = 0o170000
)

const dirDegree = 16

// Dirent is one directory entry.
type Dirent struct {
	Name string
	Ino  uint64
	Mode uint32
}

func direntLess(a, b Dirent) bool {
	return a.Name < b.Name
}

// Inode is the in-memory inode of one layer. A layer only holds inodes it
// created or copied up; everything else is found in its ancestors.
type Inode struct {
	sync.RWMutex

	Ino    uint64
	Parent uint64
	Mode   uint32
	Nlink  uint32
	Size   uint64
	Mtime  time.Time
	Ctime  time.Time

	dir     *btree.BTreeG[Dirent]
	emap    *extent.List
	shared  bool
	removed bool
	dirty   bool
}

// NewDir returns an empty directory inode.
func NewDir(ino, parent uint64) *Inode {
	now := time.Now()
	return &Inode{
		Ino:    ino,
		Parent: parent,
		Mode:   ModeDir | 0o755,
		Nlink:  2,
		Mtime:  now,
		Ctime:  now,
		dir:    btree.NewG[Dirent](dirDegree, direntLess),
		dirty:  true,
	}
}

// NewFile returns an empty regular file inode whose block map accepts
// physical blocks below limit.
func NewFile(ino, parent, limit uint64) *Inode {
	now := time.Now()
	return &Inode{
		Ino:    ino,
		Parent: parent,
		Mode:   ModeFile | 0o644,
		Nlink:  1,
		Mtime:  now,
		Ctime:  now,
		emap:   extent.NewList(extent.BlockMap, limit),
		dirty:  true,
	}
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool {
	return i.Mode&ModeMask == ModeDir
}

// Removed reports whether the inode was unlinked.
func (i *Inode) Removed() bool {
	return i.removed
}

// MarkRemoved flags the inode unlinked.
func (i *Inode) MarkRemoved() {
	i.removed = true
	i.Nlink = 0
	i.dirty = true
}

// Dirty reports whether the inode changed since it was last persisted.
func (i *Inode) Dirty() bool {
	return i.dirty
}

// MarkDirty records a change and updates the modification time.
func (i *Inode) MarkDirty() {
	i.dirty = true
	i.Mtime = time.Now()
}

// CopyUp returns a private copy of i for a descendant layer. The block map
// is copied; the directory is cloned lazily and flagged shared.
func (i *Inode) CopyUp() *Inode {
	c := &Inode{
		Ino:    i.Ino,
		Parent: i.Parent,
		Mode:   i.Mode,
		Nlink:  i.Nlink,
		Size:   i.Size,
		Mtime:  i.Mtime,
		Ctime:  time.Now(),
		dirty:  true,
	}
	if i.emap != nil {
		c.emap = i.emap.Clone()
	}
	if i.dir != nil {
		c.dir = i.dir.Clone()
		c.shared = true
	}
	return c
}

// Directory provider

// Shared reports whether the directory still shares structure with the copy
// it was cloned from.
func (i *Inode) Shared() bool {
	return i.shared
}

// Lookup returns the entry for name.
func (i *Inode) Lookup(name string) (Dirent, bool) {
	if i.dir == nil {
		return Dirent{}, false
	}
	return i.dir.Get(Dirent{Name: name})
}

// AddEntry adds name to the directory.
func (i *Inode) AddEntry(name string, ino uint64, mode uint32) error {
	if i.dir == nil {
		return fmt.Errorf("inode %d is not a directory: %w", i.Ino, errdefs.ErrInvalidArgument)
	}
	if _, ok := i.dir.Get(Dirent{Name: name}); ok {
		return fmt.Errorf("entry %q in directory %d: %w", name, i.Ino, errdefs.ErrAlreadyExists)
	}
	i.dir.ReplaceOrInsert(Dirent{Name: name, Ino: ino, Mode: mode})
	i.MarkDirty()
	return nil
}

// RemoveEntry removes name from the directory and returns the old entry.
func (i *Inode) RemoveEntry(name string) (Dirent, error) {
	if i.dir == nil {
		return Dirent{}, fmt.Errorf("inode %d is not a directory: %w", i.Ino, errdefs.ErrInvalidArgument)
	}
	d, ok := i.dir.Delete(Dirent{Name: name})
	if !ok {
		return Dirent{}, fmt.Errorf("entry %q in directory %d: %w", name, i.Ino, errdefs.ErrNotFound)
	}
	i.MarkDirty()
	return d, nil
}

// Entries returns the directory entries in name order.
func (i *Inode) Entries() []Dirent {
	if i.dir == nil {
		return nil
	}
	entries := make([]Dirent, 0, i.dir.Len())
	i.dir.Ascend(func(d Dirent) bool {
		entries = append(entries, d)
		return true
	})
	return entries
}

// EntryCount returns the number of directory entries.
func (i *Inode) EntryCount() int {
	if i.dir == nil {
		return 0
	}
	return i.dir.Len()
}

// CloneDir replaces the contents of directory i with a lazy copy-on-write
// clone of src.
func (i *Inode) CloneDir(src *Inode) {
	i.dir = src.dir.Clone()
	i.shared = true
	i.dirty = true
}

// CopyDir materializes a shared directory into a private tree that shares
// nothing with any other copy.
func (i *Inode) CopyDir() {
	if i.dir == nil {
		return
	}
	private := btree.NewG[Dirent](dirDegree, direntLess)
	i.dir.Ascend(func(d Dirent) bool {
		private.ReplaceOrInsert(d)
		return true
	})
	i.dir = private
	i.shared = false
	i.dirty = true
}

// Block map

// Emap returns the logical to physical block map of a regular file.
func (i *Inode) Emap() *extent.List {
	return i.emap
}

// MapPage returns the physical block backing page.
func (i *Inode) MapPage(page uint64) (uint64, bool) {
	if i.emap == nil {
		return 0, false
	}
	return i.emap.Lookup(page)
}

// SetPage maps page to block, replacing any earlier mapping.
func (i *Inode) SetPage(page, block uint64) {
	i.emap.Remove(page, 1)
	i.emap.Add(page, block, 1, true)
	i.dirty = true
}

// Pages returns the number of pages covered by Size.
func (i *Inode) Pages() uint64 {
	return (i.Size + types.BlockSize - 1) / types.BlockSize
}
