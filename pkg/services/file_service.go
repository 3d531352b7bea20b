package services

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/deploymenttheory/go-lcfs/internal/layer"
)

// fileService implements the FileService interface
type fileService struct {
	pool *layer.Pool
}

// NewFileService creates a new file service over a pool
func NewFileService(pool *layer.Pool) FileService {
	return &fileService{pool: pool}
}

// splitPath cleans p and returns its components
func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// walk resolves every component of parts below the root of layer. With
// create set, missing directories are made along the way.
func (fs *fileService) walk(ctx context.Context, layerName string, parts []string, create bool) (layer.Attr, error) {
	root, err := fs.pool.LayerRoot(layerName)
	if err != nil {
		return layer.Attr{}, err
	}
	attr, err := fs.pool.GetAttr(ctx, root)
	if err != nil {
		return layer.Attr{}, err
	}
	for _, part := range parts {
		if !attr.IsDir() {
			return layer.Attr{}, fmt.Errorf("%q is not a directory: %w", part, errdefs.ErrInvalidArgument)
		}
		next, err := fs.pool.Lookup(ctx, attr.Handle, part)
		if errdefs.IsNotFound(err) && create {
			next, err = fs.pool.Mkdir(ctx, attr.Handle, part)
		}
		if err != nil {
			return layer.Attr{}, err
		}
		attr = next
	}
	return attr, nil
}

// WriteFile writes data at the start of the file at p
func (fs *fileService) WriteFile(ctx context.Context, layerName, p string, data []byte) error {
	parts := splitPath(p)
	if len(parts) == 0 {
		return fmt.Errorf("cannot write the layer root: %w", errdefs.ErrInvalidArgument)
	}
	dir, err := fs.walk(ctx, layerName, parts[:len(parts)-1], true)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	file, err := fs.pool.Lookup(ctx, dir.Handle, name)
	if errdefs.IsNotFound(err) {
		file, err = fs.pool.Create(ctx, dir.Handle, name)
	}
	if err != nil {
		return err
	}
	if file.IsDir() {
		return fmt.Errorf("%q is a directory: %w", p, errdefs.ErrInvalidArgument)
	}
	if len(data) == 0 {
		return nil
	}
	_, err = fs.pool.Write(ctx, file.Handle, 0, data)
	return err
}

// ReadFile reads the whole file at p
func (fs *fileService) ReadFile(ctx context.Context, layerName, p string) ([]byte, error) {
	file, err := fs.walk(ctx, layerName, splitPath(p), false)
	if err != nil {
		return nil, err
	}
	if err := fs.pool.Open(ctx, file.Handle); err != nil {
		return nil, err
	}
	defer fs.pool.Release(ctx, file.Handle)
	return fs.pool.Read(ctx, file.Handle, 0, int(file.Size))
}

// Mkdir creates the directory at p and its parents
func (fs *fileService) Mkdir(ctx context.Context, layerName, p string) error {
	_, err := fs.walk(ctx, layerName, splitPath(p), true)
	return err
}

// Remove unlinks the entry at p
func (fs *fileService) Remove(ctx context.Context, layerName, p string) error {
	parts := splitPath(p)
	if len(parts) == 0 {
		return fmt.Errorf("cannot remove the layer root: %w", errdefs.ErrInvalidArgument)
	}
	dir, err := fs.walk(ctx, layerName, parts[:len(parts)-1], false)
	if err != nil {
		return err
	}
	return fs.pool.Unlink(ctx, dir.Handle, parts[len(parts)-1])
}

// List returns the entries of the directory at p
func (fs *fileService) List(ctx context.Context, layerName, p string) ([]FileInfo, error) {
	dir, err := fs.walk(ctx, layerName, splitPath(p), false)
	if err != nil {
		return nil, err
	}
	entries, err := fs.pool.Readdir(ctx, dir.Handle)
	if err != nil {
		return nil, err
	}
	files := make([]FileInfo, 0, len(entries))
	for _, d := range entries {
		attr, err := fs.pool.GetAttr(ctx, dir.Handle.WithInode(d.Ino))
		if err != nil {
			return nil, err
		}
		files = append(files, fileInfo(path.Join("/", p, d.Name), attr))
	}
	return files, nil
}

// Stat returns information about the entry at p
func (fs *fileService) Stat(ctx context.Context, layerName, p string) (FileInfo, error) {
	attr, err := fs.walk(ctx, layerName, splitPath(p), false)
	if err != nil {
		return FileInfo{}, err
	}
	return fileInfo(path.Join("/", p), attr), nil
}

func fileInfo(p string, attr layer.Attr) FileInfo {
	return FileInfo{
		Name:     path.Base(p),
		Path:     p,
		Inode:    attr.Ino,
		Dir:      attr.IsDir(),
		Size:     attr.Size,
		Links:    attr.Nlink,
		Modified: attr.Mtime,
	}
}
