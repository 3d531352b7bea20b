package layer

import (
	"context"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/deploymenttheory/go-lcfs/internal/icache"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

// Attr is the subset of inode attributes exposed to callers.
type Attr struct {
	Handle types.Handle `json:"handle" yaml:"handle"`
	Ino    uint64       `json:"ino" yaml:"ino"`
	Mode   uint32       `json:"mode" yaml:"mode"`
	Nlink  uint32       `json:"nlink" yaml:"nlink"`
	Size   uint64       `json:"size" yaml:"size"`
	Mtime  time.Time    `json:"mtime" yaml:"mtime"`
}

func attrOf(l *Layer, inode *icache.Inode) Attr {
	return Attr{
		Handle: l.handle(inode.Ino),
		Ino:    inode.Ino,
		Mode:   inode.Mode,
		Nlink:  inode.Nlink,
		Size:   inode.Size,
		Mtime:  inode.Mtime,
	}
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool {
	return a.Mode&icache.ModeMask == icache.ModeDir
}

// fileOp runs fn with the layer of h locked and accounts it in the layer's
// stats.
func (p *Pool) fileOp(h types.Handle, kind types.RequestType, exclusive bool, fn func(l *Layer) error) error {
	l, err := p.lockLayer(h, exclusive)
	if err != nil {
		return err
	}
	defer l.unlock(exclusive)
	start := l.stats.Begin()
	err = fn(l)
	l.stats.Add(kind, err, start)
	return err
}

func (l *Layer) getInode(ino uint64) (*icache.Inode, error) {
	inode, _ := l.findInode(ino)
	if inode == nil {
		return nil, notFound("inode %d in layer %s", ino, l)
	}
	return inode, nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return invalidArgument("invalid file name %q", name)
	}
	return nil
}

// Lookup resolves name in directory dir.
func (p *Pool) Lookup(ctx context.Context, dir types.Handle, name string) (Attr, error) {
	var attr Attr
	err := p.fileOp(dir, types.RequestLookup, false, func(l *Layer) error {
		d, err := l.getInode(dir.Inode())
		if err != nil {
			return err
		}
		d.RLock()
		entry, ok := d.Lookup(name)
		d.RUnlock()
		if !ok {
			return notFound("%q in directory %d", name, d.Ino)
		}
		inode, err := l.getInode(entry.Ino)
		if err != nil {
			return err
		}
		inode.RLock()
		attr = attrOf(l, inode)
		inode.RUnlock()
		return nil
	})
	return attr, err
}

// GetAttr returns the attributes of h.
func (p *Pool) GetAttr(ctx context.Context, h types.Handle) (Attr, error) {
	var attr Attr
	err := p.fileOp(h, types.RequestGetattr, false, func(l *Layer) error {
		inode, err := l.getInode(h.Inode())
		if err != nil {
			return err
		}
		inode.RLock()
		attr = attrOf(l, inode)
		inode.RUnlock()
		return nil
	})
	return attr, err
}

// Readdir lists directory h.
func (p *Pool) Readdir(ctx context.Context, h types.Handle) ([]icache.Dirent, error) {
	var entries []icache.Dirent
	err := p.fileOp(h, types.RequestReaddir, false, func(l *Layer) error {
		d, err := l.getInode(h.Inode())
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return invalidArgument("inode %d is not a directory", d.Ino)
		}
		d.RLock()
		entries = d.Entries()
		d.RUnlock()
		return nil
	})
	return entries, err
}

// Mkdir creates directory name in dir.
func (p *Pool) Mkdir(ctx context.Context, dir types.Handle, name string) (Attr, error) {
	return p.createInode(ctx, dir, name, true)
}

// Create creates an empty regular file name in dir.
func (p *Pool) Create(ctx context.Context, dir types.Handle, name string) (Attr, error) {
	return p.createInode(ctx, dir, name, false)
}

func (p *Pool) createInode(ctx context.Context, dir types.Handle, name string, isDir bool) (Attr, error) {
	kind := types.RequestCreate
	if isDir {
		kind = types.RequestMkdir
	}
	var attr Attr
	err := p.fileOp(dir, kind, false, func(l *Layer) error {
		if err := checkName(name); err != nil {
			return err
		}
		if err := l.checkWritable(); err != nil {
			return err
		}
		d, err := l.ownInode(dir.Inode())
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return invalidArgument("inode %d is not a directory", d.Ino)
		}

		var inode *icache.Inode
		ino := p.allocInode()
		if isDir {
			inode = icache.NewDir(ino, d.Ino)
		} else {
			inode = icache.NewFile(ino, d.Ino, p.totalBlocks)
		}

		d.Lock()
		defer d.Unlock()
		if err := d.AddEntry(name, ino, inode.Mode); err != nil {
			return err
		}
		if isDir {
			d.Nlink++
		}
		l.icache.Insert(inode)
		attr = attrOf(l, inode)
		return nil
	})
	if err == nil {
		log.G(ctx).WithFields(log.Fields{"name": name, "ino": attr.Ino, "dir": isDir}).Trace("created inode")
	}
	return attr, err
}

// Unlink removes name from dir. Blocks of a file private to the layer move
// to the layer's deferred-free list.
func (p *Pool) Unlink(ctx context.Context, dir types.Handle, name string) error {
	return p.fileOp(dir, types.RequestUnlink, false, func(l *Layer) error {
		if err := l.checkWritable(); err != nil {
			return err
		}
		d, err := l.ownInode(dir.Inode())
		if err != nil {
			return err
		}
		d.Lock()
		defer d.Unlock()
		entry, ok := d.Lookup(name)
		if !ok {
			return notFound("%q in directory %d", name, d.Ino)
		}
		target, owner := l.findInode(entry.Ino)
		if target != nil && target.IsDir() {
			target.RLock()
			n := target.EntryCount()
			target.RUnlock()
			if n > 0 {
				return failedPrecondition("directory %q is not empty", name)
			}
		}
		if _, err := d.RemoveEntry(name); err != nil {
			return err
		}
		if entry.Mode&icache.ModeMask == icache.ModeDir {
			d.Nlink--
		}

		// A tombstone hides copies in older layers
		if target == nil {
			return nil
		}
		if owner != l {
			target = l.icache.Insert(icache.NewFile(entry.Ino, d.Ino, p.totalBlocks))
		}
		target.Lock()
		l.disown(target)
		target.MarkRemoved()
		target.Unlock()
		return nil
	})
}

// Open records an open handle on h.
func (p *Pool) Open(ctx context.Context, h types.Handle) error {
	return p.fileOp(h, types.RequestOpen, false, func(l *Layer) error {
		if _, err := l.getInode(h.Inode()); err != nil {
			return err
		}
		l.pcount.Add(1)
		return nil
	})
}

// Release drops an open handle on h.
func (p *Pool) Release(ctx context.Context, h types.Handle) error {
	return p.fileOp(h, types.RequestRelease, false, func(l *Layer) error {
		if l.pcount.Add(-1) < 0 {
			l.pcount.Add(1)
			return invalidArgument("handle %#x is not open", uint64(h))
		}
		return nil
	})
}

// Write writes data at off into file h, copying the file up into the layer
// and remapping pages to blocks the layer owns.
func (p *Pool) Write(ctx context.Context, h types.Handle, off uint64, data []byte) (int, error) {
	written := 0
	err := p.fileOp(h, types.RequestWrite, false, func(l *Layer) error {
		if err := l.checkWritable(); err != nil {
			return err
		}
		inode, err := l.ownInode(h.Inode())
		if err != nil {
			return err
		}
		if inode.IsDir() {
			return invalidArgument("inode %d is a directory", inode.Ino)
		}
		inode.Lock()
		defer inode.Unlock()

		for written < len(data) {
			pos := off + uint64(written)
			page := pos / types.BlockSize
			poff := int(pos % types.BlockSize)
			n := types.BlockSize - poff
			if rest := len(data) - written; n > rest {
				n = rest
			}

			buf := make([]byte, types.BlockSize)
			phys, mapped := inode.MapPage(page)
			if mapped && (poff != 0 || n != types.BlockSize) {
				old, err := l.bcache.Read(phys)
				if err != nil {
					return err
				}
				copy(buf, old)
			}
			copy(buf[poff:], data[written:written+n])

			if !mapped || !l.owns(phys) {
				block, err := p.allocBlock(l)
				if err != nil {
					return err
				}
				inode.SetPage(page, block)
				phys = block
			}
			if err := l.bcache.Write(phys, buf); err != nil {
				return err
			}
			l.markPageDirty(phys)
			written += n
		}
		if end := off + uint64(written); end > inode.Size {
			inode.Size = end
		}
		inode.MarkDirty()
		return nil
	})
	return written, err
}

// Read reads up to size bytes at off from file h. Holes read as zeros.
func (p *Pool) Read(ctx context.Context, h types.Handle, off uint64, size int) ([]byte, error) {
	var out []byte
	err := p.fileOp(h, types.RequestRead, false, func(l *Layer) error {
		inode, err := l.getInode(h.Inode())
		if err != nil {
			return err
		}
		if inode.IsDir() {
			return invalidArgument("inode %d is a directory", inode.Ino)
		}
		inode.RLock()
		defer inode.RUnlock()
		if off >= inode.Size || size <= 0 {
			return nil
		}
		if rest := inode.Size - off; uint64(size) > rest {
			size = int(rest)
		}

		out = make([]byte, size)
		for done := 0; done < size; {
			pos := off + uint64(done)
			page := pos / types.BlockSize
			poff := int(pos % types.BlockSize)
			n := types.BlockSize - poff
			if rest := size - done; n > rest {
				n = rest
			}
			if phys, ok := inode.MapPage(page); ok {
				buf, err := l.bcache.Read(phys)
				if err != nil {
					return err
				}
				copy(out[done:done+n], buf[poff:])
			}
			done += n
		}
		return nil
	})
	return out, err
}
