// Package clientqueue implements the per-user, persistent client-side
// upload queue described in spec.md §4.3: a local key-value store holding
// three logical keyspaces (per-user id list, per-item metadata, per-item
// staged bytes), a retry/backoff FSM, and startup recovery for orphaned or
// stuck items. Adapted from the teacher's bbolt usage pattern (the pack's
// cuemby-warren repo uses bbolt directly as a local KV store; the teacher
// itself favors embedded WAL-backed stores over a network database for
// single-process durability) generalized to the three top-level buckets
// this queue needs.
package clientqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/domain"
)

var (
	bucketList = []byte("upload_list")
	bucketMeta = []byte("upload_meta")
	bucketBlob = []byte("upload_blob")
)

// StuckTimeout is how long an item may sit in UploadUploading before
// startup recovery promotes it to UploadError (spec.md §4.3).
const StuckTimeout = 5 * time.Minute

// InterItemDelay is the fixed pause processQueue makes between items.
const InterItemDelay = 5 * time.Second

// DoneRemovalDelay is how long a successfully uploaded item lingers in
// UploadDone before being removed from the queue, giving UI a moment to
// render the terminal state.
const DoneRemovalDelay = 1 * time.Second

// UploadError carries enough structure for the retryability predicate to
// inspect both an HTTP status (0 meaning "no response", i.e. a network
// error) and the human-readable message the server or transport produced.
type UploadError struct {
	StatusCode int
	Message    string
}

func (e *UploadError) Error() string { return e.Message }

// Uploader performs the actual network upload for a single item; the
// dispatcher-facing HTTP POST to /api/upload lives behind this interface so
// the queue's FSM and retry logic can be tested without a live server.
type Uploader interface {
	Upload(ctx context.Context, item domain.QueuedUpload, blob []byte) error
}

// Signal is the advisory upload-queue-updated notification (spec.md §9
// Design Note "Event-driven UI coupling"): a Go channel/broadcast, not a
// browser event. Never load-bearing for correctness.
type Signal struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (s *Signal) Subscribe() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Signal) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Queue is the persistent, single-writer-per-session upload queue.
type Queue struct {
	db       *bolt.DB
	uploader Uploader
	Updated  Signal

	mu   sync.Mutex
	busy bool

	now func() time.Time
}

// Open opens (creating if absent) a bbolt-backed queue at path.
func Open(path string, uploader Uploader) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("clientqueue: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketList, bucketMeta, bucketBlob} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clientqueue: init buckets: %w", err)
	}
	q := &Queue{db: db, uploader: uploader, now: time.Now}
	if err := q.recoverOnStartup(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

func listKey(userID string) []byte     { return []byte("upload:list:" + userID) }
func metaKey(userID, id string) []byte { return []byte(fmt.Sprintf("meta:%s:%s", userID, id)) }
func blobKey(userID, id string) []byte { return []byte(fmt.Sprintf("blob:%s:%s", userID, id)) }

func (q *Queue) idList(tx *bolt.Tx, userID string) ([]string, error) {
	raw := tx.Bucket(bucketList).Get(listKey(userID))
	if raw == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("clientqueue: unmarshal id list for %s: %w", userID, err)
	}
	return ids, nil
}

func (q *Queue) saveIDList(tx *bolt.Tx, userID string, ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("clientqueue: marshal id list: %w", err)
	}
	return tx.Bucket(bucketList).Put(listKey(userID), data)
}

// Enqueue allocates an id, persists metadata and staged bytes, and
// publishes upload-queue-updated. Per-file encryption is out of scope
// (spec.md §1 Non-goals) — callers pass already-opaque bytes (plaintext or
// pre-encrypted by internal/envelope upstream).
func (q *Queue) Enqueue(userID, id, filename, mimeType string, blob []byte, encrypt bool, paymentUSD float64, epochs int, folderID string) (domain.QueuedUpload, error) {
	item := domain.QueuedUpload{
		ID:          id,
		UserID:      userID,
		Filename:    filename,
		MimeType:    mimeType,
		ByteLength:  int64(len(blob)),
		CreatedAt:   q.now().UTC(),
		Status:      domain.UploadQueued,
		Encrypt:     encrypt,
		PaymentUSD:  paymentUSD,
		Epochs:      epochs,
		MaxAttempts: domain.DefaultMaxAttempts,
		FolderID:    folderID,
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		if err := q.putMeta(tx, item); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlob).Put(blobKey(userID, id), blob); err != nil {
			return fmt.Errorf("clientqueue: put blob: %w", err)
		}
		ids, err := q.idList(tx, userID)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return q.saveIDList(tx, userID, ids)
	})
	if err != nil {
		return domain.QueuedUpload{}, err
	}
	q.Updated.publish()
	return item, nil
}

func (q *Queue) putMeta(tx *bolt.Tx, item domain.QueuedUpload) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("clientqueue: marshal meta: %w", err)
	}
	return tx.Bucket(bucketMeta).Put(metaKey(item.UserID, item.ID), data)
}

func (q *Queue) getMeta(tx *bolt.Tx, userID, id string) (domain.QueuedUpload, bool, error) {
	raw := tx.Bucket(bucketMeta).Get(metaKey(userID, id))
	if raw == nil {
		return domain.QueuedUpload{}, false, nil
	}
	var item domain.QueuedUpload
	if err := json.Unmarshal(raw, &item); err != nil {
		return domain.QueuedUpload{}, false, fmt.Errorf("clientqueue: unmarshal meta %s/%s: %w", userID, id, err)
	}
	return item, true, nil
}

// Remove deletes an item's metadata, blob and list entry (full removal: a
// user-initiated delete, or the 1s post-done cleanup).
func (q *Queue) Remove(userID, id string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMeta).Delete(metaKey(userID, id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlob).Delete(blobKey(userID, id)); err != nil {
			return err
		}
		ids, err := q.idList(tx, userID)
		if err != nil {
			return err
		}
		ids = removeString(ids, id)
		return q.saveIDList(tx, userID, ids)
	})
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Get returns a single item's metadata.
func (q *Queue) Get(userID, id string) (domain.QueuedUpload, bool, error) {
	var item domain.QueuedUpload
	var ok bool
	err := q.db.View(func(tx *bolt.Tx) error {
		var err error
		item, ok, err = q.getMeta(tx, userID, id)
		return err
	})
	return item, ok, err
}

// List returns all items for a user, in enqueue order.
func (q *Queue) List(userID string) ([]domain.QueuedUpload, error) {
	var items []domain.QueuedUpload
	err := q.db.View(func(tx *bolt.Tx) error {
		ids, err := q.idList(tx, userID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			item, ok, err := q.getMeta(tx, userID, id)
			if err != nil {
				return err
			}
			if ok {
				items = append(items, item)
			}
		}
		return nil
	})
	return items, err
}

// IsRetryable implements the predicate from spec.md §4.3.
func IsRetryable(statusCode int, message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range []string{"insufficient balance", "file too large", "missing required", "aborted"} {
		if strings.Contains(lower, phrase) {
			return false
		}
	}

	switch statusCode {
	case 0, 408, 429:
		return true
	}
	if statusCode >= 500 && statusCode < 600 {
		return true
	}

	for _, phrase := range []string{"timeout", "network", "unreachable", "server may be down", "connection refused", "econnreset", "etimedout", "temporarily unavailable"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return true // default to retryable
}

// Backoff implements delay = min(10s * 2^attempt, 60s).
func Backoff(attempt int) time.Duration {
	d := 10 * time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= 60*time.Second {
			return 60 * time.Second
		}
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// ProcessOne drives a single item through upload ── 2xx ──▶ done, or the
// retrying/error branches of the FSM in spec.md §4.3.
func (q *Queue) ProcessOne(ctx context.Context, userID, id string) error {
	var item domain.QueuedUpload
	var blob []byte
	err := q.db.View(func(tx *bolt.Tx) error {
		var ok bool
		var err error
		item, ok, err = q.getMeta(tx, userID, id)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.New(apierr.NotFound, "clientqueue: item not found")
		}
		blob = tx.Bucket(bucketBlob).Get(blobKey(userID, id))
		return nil
	})
	if err != nil {
		return err
	}

	item.Status = domain.UploadUploading
	startedAt := q.now().UTC()
	item.UploadStartedAt = &startedAt
	if err := q.db.Update(func(tx *bolt.Tx) error { return q.putMeta(tx, item) }); err != nil {
		return err
	}
	q.Updated.publish()

	uploadErr := q.uploader.Upload(ctx, item, blob)
	if uploadErr == nil {
		item.Status = domain.UploadDone
		item.Progress = 100
		item.LastError = ""
		item.AttemptCount = 0
		item.RetryDeadline = nil
		if err := q.db.Update(func(tx *bolt.Tx) error { return q.putMeta(tx, item) }); err != nil {
			return err
		}
		q.Updated.publish()
		go func() {
			time.Sleep(DoneRemovalDelay)
			_ = q.Remove(userID, id)
			q.Updated.publish()
		}()
		return nil
	}

	statusCode, msg := classifyUploadError(uploadErr)
	item.AttemptCount++
	item.LastError = msg

	retryable := IsRetryable(statusCode, msg)
	if retryable && item.AttemptCount < item.MaxAttempts {
		item.Status = domain.UploadRetrying
		delay := Backoff(item.AttemptCount)
		deadline := q.now().Add(delay)
		item.RetryDeadline = &deadline
		logrus.WithFields(logrus.Fields{"user": userID, "id": id, "attempt": item.AttemptCount, "delay": delay}).Warn("clientqueue: item failed, scheduling retry")
	} else {
		item.Status = domain.UploadError
		logrus.WithFields(logrus.Fields{"user": userID, "id": id, "attempt": item.AttemptCount}).Error("clientqueue: item failed permanently")
	}

	if err := q.db.Update(func(tx *bolt.Tx) error { return q.putMeta(tx, item) }); err != nil {
		return err
	}
	q.Updated.publish()
	return uploadErr
}

func classifyUploadError(err error) (statusCode int, message string) {
	var ue *UploadError
	if e, ok := err.(*UploadError); ok {
		ue = e
	}
	if ue != nil {
		return ue.StatusCode, ue.Message
	}
	return 0, err.Error()
}

// ProcessQueue filters items with status=queued, sorts ascending by size,
// and processes them sequentially with InterItemDelay between items. The
// busy flag prevents reentrancy (spec.md §4.3).
func (q *Queue) ProcessQueue(ctx context.Context, userID string) error {
	q.mu.Lock()
	if q.busy {
		q.mu.Unlock()
		return nil
	}
	q.busy = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
	}()

	items, err := q.List(userID)
	if err != nil {
		return err
	}

	var queued []domain.QueuedUpload
	for _, it := range items {
		if it.Status == domain.UploadQueued {
			queued = append(queued, it)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].ByteLength < queued[j].ByteLength })

	for i, it := range queued {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = q.ProcessOne(ctx, userID, it.ID) // a failing item leaves error/retrying; next item proceeds
		if i < len(queued)-1 {
			time.Sleep(InterItemDelay)
		}
	}
	return nil
}

// RetryErrorFiles promotes error items back to queued (resets attempts),
// optionally only those whose last failure was itself retryable.
func (q *Queue) RetryErrorFiles(userID string, maxAttempts int, retryableOnly bool) (int, error) {
	items, err := q.List(userID)
	if err != nil {
		return 0, err
	}

	var promoted int
	for _, it := range items {
		if it.Status != domain.UploadError {
			continue
		}
		if retryableOnly && !IsRetryable(0, it.LastError) {
			continue
		}
		it.Status = domain.UploadQueued
		it.AttemptCount = 0
		it.RetryDeadline = nil
		if maxAttempts > 0 {
			it.MaxAttempts = maxAttempts
		}
		if err := q.db.Update(func(tx *bolt.Tx) error { return q.putMeta(tx, it) }); err != nil {
			return promoted, err
		}
		promoted++
	}
	if promoted > 0 {
		q.Updated.publish()
	}
	return promoted, nil
}

// stuckSince returns the time an uploading item's stuck-duration is measured
// from: when its upload actually started, not when it was enqueued. An item
// can sit queued behind others for longer than StuckTimeout before its
// upload ever starts, and CreatedAt would misclassify that as stuck.
func stuckSince(it domain.QueuedUpload) time.Time {
	if it.UploadStartedAt != nil {
		return *it.UploadStartedAt
	}
	return it.CreatedAt
}

// ClearStuckFiles promotes items stuck in uploading for longer than
// timeout to error, per spec.md §4.3 (used both at startup and on a
// periodic sweep).
func (q *Queue) ClearStuckFiles(userID string, timeout time.Duration) (int, error) {
	items, err := q.List(userID)
	if err != nil {
		return 0, err
	}

	var cleared int
	now := q.now()
	for _, it := range items {
		if it.Status != domain.UploadUploading {
			continue
		}
		if now.Sub(stuckSince(it)) <= timeout {
			continue
		}
		it.Status = domain.UploadError
		it.LastError = "Upload timed out"
		if err := q.db.Update(func(tx *bolt.Tx) error { return q.putMeta(tx, it) }); err != nil {
			return cleared, err
		}
		cleared++
	}
	if cleared > 0 {
		q.Updated.publish()
	}
	return cleared, nil
}

// UpdateQueuedEpochs rewrites the epochs field on every still-queued item
// for a user, e.g. after a global default-epochs config change.
func (q *Queue) UpdateQueuedEpochs(userID string, epochs int) (int, error) {
	items, err := q.List(userID)
	if err != nil {
		return 0, err
	}

	var updated int
	for _, it := range items {
		if it.Status != domain.UploadQueued {
			continue
		}
		it.Epochs = epochs
		if err := q.db.Update(func(tx *bolt.Tx) error { return q.putMeta(tx, it) }); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// recoverOnStartup implements spec.md §4.3's startup scan: initialize
// missing retry fields, promote orphaned error-message-but-non-terminal
// items to error, and promote long-stuck uploading items to error.
func (q *Queue) recoverOnStartup() error {
	return q.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMeta).Cursor()
		now := q.now()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item domain.QueuedUpload
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("clientqueue: recover: unmarshal %s: %w", k, err)
			}

			changed := false
			if item.MaxAttempts == 0 {
				item.MaxAttempts = domain.DefaultMaxAttempts
				changed = true
			}
			if item.LastError != "" && item.Status != domain.UploadError && item.Status != domain.UploadDone {
				item.Status = domain.UploadError
				changed = true
			}
			if item.Status == domain.UploadUploading && now.Sub(stuckSince(item)) > StuckTimeout {
				item.Status = domain.UploadError
				item.LastError = "Upload timed out"
				changed = true
			}
			if changed {
				data, err := json.Marshal(item)
				if err != nil {
					return fmt.Errorf("clientqueue: recover: marshal %s: %w", k, err)
				}
				if err := tx.Bucket(bucketMeta).Put(k, data); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
