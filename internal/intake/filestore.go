package intake

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/domain"
)

var bucketFiles = []byte("files")

// FileStore persists the server-side File row spec.md §3/§4.4 describe.
// Both intake (insert pending) and the dispatcher (advance to completed)
// operate on it.
type FileStore interface {
	Insert(f domain.File) error
	Get(fileID string) (domain.File, bool, error)
	Update(f domain.File) error
	ListByUser(userID string) ([]domain.File, error)
	ListPending(limit int) ([]domain.File, error)
	FindByBlobID(blobID string) (domain.File, bool, error)
}

// BoltFileStore is the bbolt-backed FileStore implementation.
type BoltFileStore struct {
	db *bolt.DB
}

// NewBoltFileStore opens (creating if absent) a bbolt-backed file store.
func NewBoltFileStore(db *bolt.DB) (*BoltFileStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFiles)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("intake: init files bucket: %w", err)
	}
	return &BoltFileStore{db: db}, nil
}

func (s *BoltFileStore) Insert(f domain.File) error {
	return s.put(f)
}

func (s *BoltFileStore) Update(f domain.File) error {
	return s.put(f)
}

func (s *BoltFileStore) put(f domain.File) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("intake: marshal file %s: %w", f.FileID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(f.FileID), data)
	})
}

func (s *BoltFileStore) Get(fileID string) (domain.File, bool, error) {
	var f domain.File
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFiles).Get([]byte(fileID))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &f)
	})
	return f, ok, err
}

func (s *BoltFileStore) ListByUser(userID string) ([]domain.File, error) {
	var out []domain.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var f domain.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.UserID == userID {
				out = append(out, f)
			}
			return nil
		})
	})
	return out, err
}

// ListPending returns up to limit pending files, oldest first, for the
// trigger-pending sweep (spec.md §4.4).
func (s *BoltFileStore) ListPending(limit int) ([]domain.File, error) {
	var out []domain.File
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var f domain.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.Status == domain.FilePending {
				out = append(out, f)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortFilesByAge(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortFilesByAge(files []domain.File) {
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && olderThan(files[j], files[j-1]); j-- {
			files[j], files[j-1] = files[j-1], files[j]
		}
	}
}

func olderThan(a, b domain.File) bool {
	return a.UploadedAt.Before(b.UploadedAt)
}

// FindByBlobID scans for the file carrying blobID. The store has no
// secondary index; at this service's scale (single process, bounded
// dispatch concurrency) a linear scan is acceptable for the download and
// verify lookups.
func (s *BoltFileStore) FindByBlobID(blobID string) (domain.File, bool, error) {
	var found domain.File
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			if ok {
				return nil
			}
			var f domain.File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.BlobID != "" && f.BlobID == blobID {
				found = f
				ok = true
			}
			return nil
		})
	})
	return found, ok, err
}

var _ FileStore = (*BoltFileStore)(nil)
