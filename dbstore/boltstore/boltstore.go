// Package boltstore implements db.Database on top of an embedded BoltDB
// file, the same embedded-KV idiom the teacher uses for its bolt-backed
// source cache: one bolt.DB, one bucket per logical table, one write
// transaction per batch call.
package boltstore

import (
	"time"

	"github.com/boltdb/bolt"
	"github.com/jmank88/nuts"
	"github.com/pkg/errors"

	"github.com/orangeapk/libdetect/db"
	"github.com/orangeapk/libdetect/fingerprint"
	"github.com/orangeapk/libdetect/model"
)

var (
	packagesBucket  = []byte("packages")
	librariesBucket = []byte("libraries")
)

// Store is a db.Database backed by a single BoltDB file.
type Store struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) a BoltDB file at path and ensures
// both logical buckets exist.
func Open(path string) (*Store, error) {
	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "boltstore: failed to open %q", path)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(packagesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(librariesBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, errors.Wrap(err, "boltstore: failed to create buckets")
	}
	return &Store{bolt: bdb}, nil
}

// Close releases the underlying BoltDB file handle.
func (s *Store) Close() error {
	return errors.Wrap(s.bolt.Close(), "boltstore: close")
}

// packages bucket key layout: hash (32 bytes) || 0x00 || name. The value
// is two nuts.Key-encoded uint64s back to back: weight then count. Using
// a byte-sortable fixed-width encoding for both keeps the on-disk
// representation consistent with the hash-prefixed key scheme, even
// though boltstore never range-scans on the numeric fields themselves.
const valueWidth = 16 // two 8-byte nuts.Key fields

func packagesKey(hash fingerprint.Hash, name string) []byte {
	key := make([]byte, 0, fingerprint.Size+1+len(name))
	key = append(key, hash[:]...)
	key = append(key, 0x00)
	key = append(key, name...)
	return key
}

func splitPackagesKey(key []byte) (fingerprint.Hash, string) {
	var h fingerprint.Hash
	copy(h[:], key[:fingerprint.Size])
	return h, string(key[fingerprint.Size+1:])
}

func encodeWeightCount(weight, count int) []byte {
	v := make([]byte, valueWidth)
	nuts.Key(v[:8]).Put(uint64(weight))
	nuts.Key(v[8:]).Put(uint64(count))
	return v
}

func decodeWeightCount(v []byte) (weight, count int) {
	return int(nuts.Key(v[:8]).Uint64()), int(nuts.Key(v[8:]).Uint64())
}

// MatchLibs implements db.Database.
func (s *Store) MatchLibs(hashes []fingerprint.Hash) ([]model.LibInfo, error) {
	want := make(map[fingerprint.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		want[h] = struct{}{}
	}

	var out []model.LibInfo
	err := s.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(librariesBucket)
		return b.ForEach(func(k, v []byte) error {
			var h fingerprint.Hash
			copy(h[:], k[:fingerprint.Size])
			if _, ok := want[h]; !ok {
				return nil
			}
			out = append(out, model.LibInfo{Hash: h, Name: string(v)})
			return nil
		})
	})
	return out, errors.Wrap(err, "boltstore: MatchLibs")
}

// AddPkgs implements db.Database.
func (s *Store) AddPkgs(pkgs []model.PkgInfo) error {
	err := s.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(packagesBucket)
		for _, p := range pkgs {
			key := packagesKey(p.Hash, p.Name)
			weight, count := p.Weight, 0
			if existing := b.Get(key); existing != nil {
				weight, count = decodeWeightCount(existing)
			}
			if err := b.Put(key, encodeWeightCount(weight, count+1)); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "boltstore: AddPkgs")
}

// RemovePkgs implements db.Database.
func (s *Store) RemovePkgs(pkgs []model.PkgInfo) error {
	err := s.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(packagesBucket)
		for _, p := range pkgs {
			key := packagesKey(p.Hash, p.Name)
			existing := b.Get(key)
			if existing == nil {
				continue
			}
			weight, count := decodeWeightCount(existing)
			if count <= 1 {
				if err := b.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(key, encodeWeightCount(weight, count-1)); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "boltstore: RemovePkgs")
}

// GetPkgs implements db.Database.
func (s *Store) GetPkgs(minCount int) ([]db.PkgRecord, error) {
	var out []db.PkgRecord
	err := s.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(packagesBucket)
		return b.ForEach(func(k, v []byte) error {
			weight, count := decodeWeightCount(v)
			if count < minCount {
				return nil
			}
			hash, name := splitPackagesKey(k)
			out = append(out, db.PkgRecord{Hash: hash, Name: name, Weight: weight, Count: count})
			return nil
		})
	})
	return out, errors.Wrap(err, "boltstore: GetPkgs")
}

// AddLibs implements db.Database.
func (s *Store) AddLibs(libs []model.LibInfo) error {
	err := s.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(librariesBucket)
		for _, l := range libs {
			key := append(append([]byte{}, l.Hash[:]...), []byte(l.Name)...)
			if err := b.Put(key, []byte(l.Name)); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "boltstore: AddLibs")
}

// Preload is a no-op for boltstore: every MatchLibs call already runs
// inside a consistent, lock-free read transaction, so there is nothing a
// separate in-memory copy would buy.
func (s *Store) Preload() error { return nil }

// Dump returns db.ErrUnsupported: boltstore's file on disk already is
// the persisted state, so a separate dump format does not apply.
func (s *Store) Dump() error { return db.ErrUnsupported }

// Load returns db.ErrUnsupported; see Dump.
func (s *Store) Load() error { return db.ErrUnsupported }
