// Package store persists superblocks in a bbolt database.
package store

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/deploymenttheory/go-lcfs/internal/interfaces"
	"github.com/deploymenttheory/go-lcfs/internal/parsers/superblock"
	"github.com/deploymenttheory/go-lcfs/internal/types"
)

var (
	superBucket  = []byte("superblocks")
	extentBucket = []byte("extents")
	globalBucket = []byte("global")
	globalKey    = []byte("super")
)

var _ interfaces.SuperblockWriter = (*Store)(nil)

// Record is a persisted layer superblock with its deferred-free extents.
type Record struct {
	Superblock *types.Superblock
	Deferred   []types.ExtentRecord
}

// Store writes superblocks into a bbolt database.
type Store struct {
	db     *bbolt.DB
	path   string
	writes int64
	mu     sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	opts := bbolt.Options{
		NoFreelistSync: true,
		FreelistType:   bbolt.FreelistMapType,
	}
	db, err := bbolt.Open(path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{superBucket, extentBucket, globalBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

func indexKey(index int) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(index))
	return key
}

// WriteSuperblock stores a layer superblock and its deferred-free extents.
func (s *Store) WriteSuperblock(sb *types.Superblock, deferred []types.ExtentRecord) error {
	key := indexKey(int(sb.Index))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(superBucket).Put(key, superblock.EncodeSuperblock(sb, superblock.Endian)); err != nil {
			return err
		}
		eb := tx.Bucket(extentBucket)
		if len(deferred) == 0 {
			return eb.Delete(key)
		}
		return eb.Put(key, superblock.EncodeExtentRecords(deferred, superblock.Endian))
	})
	if err != nil {
		return fmt.Errorf("failed to write superblock %d: %w", sb.Index, err)
	}
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

// RemoveSuperblock drops the record of a released layer index.
func (s *Store) RemoveSuperblock(index int) error {
	key := indexKey(index)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(superBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(extentBucket).Delete(key)
	})
}

// WriteGlobal stores the global superblock.
func (s *Store) WriteGlobal(gsb *types.GlobalSuperblock) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(globalBucket).Put(globalKey, superblock.EncodeGlobalSuperblock(gsb, superblock.Endian))
	})
}

// Global reads the global superblock. It returns nil when none was written.
func (s *Store) Global() (*types.GlobalSuperblock, error) {
	var gsb *types.GlobalSuperblock
	err := s.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(globalBucket).Get(globalKey)
		if buf == nil {
			return nil
		}
		r, err := superblock.NewGlobalSuperblockReader(buf, superblock.Endian)
		if err != nil {
			return err
		}
		gsb = r.Superblock()
		return nil
	})
	return gsb, err
}

// Records reads every layer superblock ordered by index.
func (s *Store) Records() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(extentBucket)
		return tx.Bucket(superBucket).ForEach(func(k, v []byte) error {
			r, err := superblock.NewSuperblockReader(v, superblock.Endian)
			if err != nil {
				return fmt.Errorf("superblock %x: %w", k, err)
			}
			rec := Record{Superblock: r.Superblock()}
			if buf := eb.Get(k); buf != nil {
				if rec.Deferred, err = superblock.ParseExtentRecords(buf, superblock.Endian); err != nil {
					return fmt.Errorf("extents %x: %w", k, err)
				}
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// Writes returns the number of superblocks written since open.
func (s *Store) Writes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
