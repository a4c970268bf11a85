// Package ledger implements the prepaid balance store described in
// spec.md §4.6: a per-user USD balance plus an append-only Transaction log,
// with a serializable-isolation deduct operation gating every durable
// dispatch commit. Adapted from the teacher's core/ledger.go (WAL-backed
// balances, mutex-guarded state) and core/escrow.go (sharded per-key
// mutexes guarding multi-step mutations) — generalized here to a
// bbolt-backed balance bucket plus an append-only transaction bucket,
// since the corpus shows no strong preference for a SQL dependency in this
// teacher.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/domain"
)

var (
	bucketBalances     = []byte("balances")
	bucketTransactions = []byte("transactions")
)

// DefaultMaxRetries matches spec.md §4.6's documented retry contract for
// transient "Unable to start a transaction" errors.
const DefaultMaxRetries = 3

// DeductTimeout is the serializable-transaction timeout spec.md §4.6
// specifies for a single deduct call.
const DeductTimeout = 15 * time.Second

// Ledger is the balance store. bbolt already serializes writers globally,
// so the per-user mutex shard below exists to keep the documented
// "transient start-timeout, retry with backoff" contract observable and
// testable rather than to add correctness bbolt doesn't already provide.
type Ledger struct {
	db *bolt.DB

	shardMu sync.Mutex
	shards  map[string]*sync.Mutex

	// transientInjector lets tests force the "Unable to start a
	// transaction" retry path without racing real bbolt internals.
	transientInjector func(userID string, attempt int) error
}

// Open creates or opens a bbolt-backed ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBalances); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTransactions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: init buckets: %w", err)
	}
	return &Ledger{db: db, shards: make(map[string]*sync.Mutex)}, nil
}

// Close releases the underlying bbolt handle.
func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) shardFor(userID string) *sync.Mutex {
	l.shardMu.Lock()
	defer l.shardMu.Unlock()
	m, ok := l.shards[userID]
	if !ok {
		m = &sync.Mutex{}
		l.shards[userID] = m
	}
	return m
}

// Balance returns a user's current USD balance; zero for an unknown user
// (new users start at zero until credited by the billing flow).
func (l *Ledger) Balance(userID string) (float64, error) {
	var bal float64
	err := l.db.View(func(tx *bolt.Tx) error {
		bal = readBalance(tx, userID)
		return nil
	})
	return bal, err
}

func readBalance(tx *bolt.Tx, userID string) float64 {
	b := tx.Bucket(bucketBalances).Get([]byte(userID))
	if b == nil {
		return 0
	}
	bits := binary.BigEndian.Uint64(b)
	return math.Float64frombits(bits)
}

// Credit applies an external top-up. Idempotency against the external
// session reference is the caller's responsibility (spec.md §4.6: "Credits
// from external billing are applied by a separate, idempotent flow keyed by
// an external session reference") — this method is the mechanical half of
// that flow.
func (l *Ledger) Credit(ctx context.Context, userID string, amountUSD float64, description, reference string) (float64, error) {
	if amountUSD <= 0 {
		return 0, apierr.New(apierr.InputInvalid, "ledger: credit amount must be positive")
	}

	shard := l.shardFor(userID)
	shard.Lock()
	defer shard.Unlock()

	var newBalance float64
	err := l.db.Update(func(tx *bolt.Tx) error {
		cur := readBalance(tx, userID)
		newBalance = cur + amountUSD
		if err := writeBalance(tx, userID, newBalance); err != nil {
			return err
		}
		return appendTransaction(tx, domain.Transaction{
			ID:           uuid.New().String(),
			UserID:       userID,
			Amount:       amountUSD,
			Currency:     "USD",
			Type:         domain.TxCredit,
			Description:  description,
			Reference:    reference,
			BalanceAfter: newBalance,
			CreatedAt:    time.Now().UTC(),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: credit: %w", err)
	}
	return newBalance, nil
}

// Deduct executes the serializable-isolation debit spec.md §4.6 describes:
// read balance, reject with InsufficientBalance (non-retriable) if short,
// else decrement and append a debit Transaction. Transient
// "Unable to start a transaction" errors are retried up to maxRetries times
// with backoff 500ms*attempt; maxRetries<=0 uses DefaultMaxRetries.
func (l *Ledger) Deduct(ctx context.Context, userID string, amountUSD float64, description string, maxRetries int) (float64, error) {
	if amountUSD <= 0 {
		return 0, apierr.New(apierr.InputInvalid, "ledger: deduct amount must be positive")
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	ctx, cancel := context.WithTimeout(ctx, DeductTimeout)
	defer cancel()

	shard := l.shardFor(userID)
	shard.Lock()
	defer shard.Unlock()

	var newBalance float64
	var attempt int
	for attempt = 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, apierr.Wrap(apierr.Unknown, "ledger: deduct deadline exceeded", err)
		}

		if l.transientInjector != nil {
			if err := l.transientInjector(userID, attempt); err != nil {
				logrus.WithFields(logrus.Fields{"user": userID, "attempt": attempt}).Warn("ledger: transient transaction start error, retrying")
				time.Sleep(500 * time.Millisecond * time.Duration(attempt+1))
				continue
			}
		}

		var insufficient bool
		err := l.db.Update(func(tx *bolt.Tx) error {
			cur := readBalance(tx, userID)
			if cur < amountUSD {
				insufficient = true
				return nil
			}
			newBalance = cur - amountUSD
			if err := writeBalance(tx, userID, newBalance); err != nil {
				return err
			}
			return appendTransaction(tx, domain.Transaction{
				ID:           uuid.New().String(),
				UserID:       userID,
				Amount:       -amountUSD,
				Currency:     "USD",
				Type:         domain.TxDebit,
				Description:  description,
				BalanceAfter: newBalance,
				CreatedAt:    time.Now().UTC(),
			})
		})
		if err != nil {
			if isTransientTxError(err) && attempt < maxRetries {
				time.Sleep(500 * time.Millisecond * time.Duration(attempt+1))
				continue
			}
			return 0, fmt.Errorf("ledger: deduct: %w", err)
		}
		if insufficient {
			return 0, apierr.New(apierr.InsufficientBalance, fmt.Sprintf("ledger: user %s balance insufficient for %.2f USD", userID, amountUSD))
		}
		return newBalance, nil
	}
	return 0, apierr.New(apierr.Unknown, "ledger: deduct exhausted retries starting transaction")
}

func isTransientTxError(err error) bool {
	return strings.Contains(err.Error(), "Unable to start a transaction")
}

// Transactions returns a user's append-only transaction history in
// insertion order, for balance auditing and the sum-of-deltas invariant.
func (l *Ledger) Transactions(userID string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransactions).Cursor()
		prefix := []byte(userID + "/")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var t domain.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("ledger: unmarshal transaction %s: %w", k, err)
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

func writeBalance(tx *bolt.Tx, userID string, balance float64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(balance))
	return tx.Bucket(bucketBalances).Put([]byte(userID), buf)
}

func appendTransaction(tx *bolt.Tx, t domain.Transaction) error {
	b := tx.Bucket(bucketTransactions)
	seq, _ := b.NextSequence()
	key := fmt.Sprintf("%s/%020d", t.UserID, seq)
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("ledger: marshal transaction: %w", err)
	}
	return b.Put([]byte(key), data)
}
