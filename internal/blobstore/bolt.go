package blobstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	blobBucket   = []byte("blobs")
	accessBucket = []byte("access")
)

// BoltStore keeps entries in a single bbolt file. A second bucket records
// last access times for Prune.
type BoltStore struct {
	path string
	db   *bolt.DB
	// TTL, when positive, expires entries not accessed within it.
	TTL time.Duration
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string, strict bool) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt store: path required")
	}
	dirPerm := os.FileMode(0o755)
	if strict {
		dirPerm = 0o700
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create directory for bolt store: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blobBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(accessBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{path: path, db: db}, nil
}

func stamp() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(time.Now().UnixNano()))
	return b
}

func (s *BoltStore) Put(_ context.Context, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobBucket).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(accessBucket).Put([]byte(key), stamp())
	})
}

// Get copies the value out of the transaction and records the access.
func (s *BoltStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	expired := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		if s.TTL > 0 && s.stale(tx.Bucket(accessBucket).Get([]byte(key)), time.Now().Add(-s.TTL)) {
			expired = true
			return nil
		}
		out = append([]byte{}, v...)
		return nil
	})
	if expired {
		return nil, false, s.Delete(context.Background(), key)
	}
	if err != nil || out == nil {
		return nil, false, err
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(accessBucket).Put([]byte(key), stamp())
	})
	return out, true, nil
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(accessBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) Stat(_ context.Context) (Stat, error) {
	var st Stat
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).ForEach(func(_, v []byte) error {
			st.Entries++
			st.Bytes += int64(len(v))
			return nil
		})
	})
	return st, err
}

// Prune deletes the least recently accessed entries until both limits hold.
func (s *BoltStore) Prune(_ context.Context, maxBytes int64, maxEntries int) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		blobs, access := tx.Bucket(blobBucket), tx.Bucket(accessBucket)
		type item struct {
			key  string
			size int64
			at   uint64
		}
		var items []item
		var total int64
		err := blobs.ForEach(func(k, v []byte) error {
			var at uint64
			if a := access.Get(k); len(a) == 8 {
				at = binary.BigEndian.Uint64(a)
			}
			items = append(items, item{key: string(k), size: int64(len(v)), at: at})
			total += int64(len(v))
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(items, func(i, j int) bool { return items[i].at < items[j].at })
		count := len(items)
		for _, it := range items {
			if !(maxBytes > 0 && total > maxBytes) && !(maxEntries > 0 && count > maxEntries) {
				break
			}
			if err := blobs.Delete([]byte(it.key)); err != nil {
				return err
			}
			if err := access.Delete([]byte(it.key)); err != nil {
				return err
			}
			total -= it.size
			count--
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *BoltStore) stale(at []byte, cutoff time.Time) bool {
	if len(at) != 8 {
		return true
	}
	return int64(binary.BigEndian.Uint64(at)) < cutoff.UnixNano()
}

// PurgeByAge removes entries not accessed within maxAge.
func (s *BoltStore) PurgeByAge(_ context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		blobs, access := tx.Bucket(blobBucket), tx.Bucket(accessBucket)
		var stale [][]byte
		err := blobs.ForEach(func(k, _ []byte) error {
			if s.stale(access.Get(k), cutoff) {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := blobs.Delete(k); err != nil {
				return err
			}
			if err := access.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Expire applies TTL to every entry.
func (s *BoltStore) Expire(ctx context.Context) (int, error) {
	return s.PurgeByAge(ctx, s.TTL)
}

// Clear drops and recreates both buckets.
func (s *BoltStore) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blobBucket, accessBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
