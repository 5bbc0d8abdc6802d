package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hoosegow/pkg/types"
)

var (
	// Bucket names
	bucketImages = []byte("images")
	bucketCalls  = []byte("calls")
)

// DBFile is the ledger's file name inside the state directory.
const DBFile = "hoosegow.db"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the ledger in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketImages, bucketCalls} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Image operations
func (s *BoltStore) PutImage(image *types.ImageRecord) error {
	if image.Reference == "" {
		return fmt.Errorf("image reference is required")
	}
	return s.put(bucketImages, image.Reference, image)
}

func (s *BoltStore) GetImage(reference string) (*types.ImageRecord, error) {
	var image types.ImageRecord
	if err := s.get(bucketImages, reference, &image); err != nil {
		return nil, fmt.Errorf("image %s: %w", reference, err)
	}
	return &image, nil
}

// ListImages returns every image, most recently built first.
func (s *BoltStore) ListImages() ([]*types.ImageRecord, error) {
	var images []*types.ImageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.ForEach(func(k, v []byte) error {
			var image types.ImageRecord
			if err := json.Unmarshal(v, &image); err != nil {
				return err
			}
			images = append(images, &image)
			return nil
		})
	})
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].BuiltAt.After(images[j].BuiltAt)
	})
	return images, err
}

func (s *BoltStore) DeleteImage(reference string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		return b.Delete([]byte(reference))
	})
}

// Call operations
func (s *BoltStore) PutCall(call *types.CallRecord) error {
	if call.ID == "" {
		return fmt.Errorf("call id is required")
	}
	return s.put(bucketCalls, call.ID, call)
}

func (s *BoltStore) GetCall(id string) (*types.CallRecord, error) {
	var call types.CallRecord
	if err := s.get(bucketCalls, id, &call); err != nil {
		return nil, fmt.Errorf("call %s: %w", id, err)
	}
	return &call, nil
}

// ListCalls returns up to limit calls, most recent first. A limit of zero
// or less returns all of them.
func (s *BoltStore) ListCalls(limit int) ([]*types.CallRecord, error) {
	calls, err := s.allCalls()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

// PruneCalls deletes all but the keep most recent calls and returns how
// many were removed.
func (s *BoltStore) PruneCalls(keep int) (int, error) {
	calls, err := s.allCalls()
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(calls) <= keep {
		return 0, nil
	}

	stale := calls[keep:]
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCalls)
		for _, call := range stale {
			if err := b.Delete([]byte(call.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (s *BoltStore) allCalls() ([]*types.CallRecord, error) {
	var calls []*types.CallRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCalls)
		return b.ForEach(func(k, v []byte) error {
			var call types.CallRecord
			if err := json.Unmarshal(v, &call); err != nil {
				return err
			}
			calls = append(calls, &call)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(calls, func(i, j int) bool {
		return calls[i].StartedAt.After(calls[j].StartedAt)
	})
	return calls, nil
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}
