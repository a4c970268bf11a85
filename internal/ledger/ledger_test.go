package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestCredit_IncreasesBalance(t *testing.T) {
	l := newTestLedger(t)
	bal, err := l.Credit(context.Background(), "user-1", 10, "top-up", "session-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, bal)
}

func TestDeduct_SufficientBalance(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Credit(context.Background(), "user-1", 5, "top-up", "session-1")
	require.NoError(t, err)

	newBal, err := l.Deduct(context.Background(), "user-1", 2, "upload quote", 0)
	require.NoError(t, err)
	assert.Equal(t, 3.0, newBal)
}

func TestDeduct_InsufficientBalance(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Deduct(context.Background(), "user-1", 1, "upload quote", 0)
	require.Error(t, err)
	assert.Equal(t, apierr.InsufficientBalance, apierr.As(err))
}

func TestDeduct_RetriesTransientThenSucceeds(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Credit(context.Background(), "user-1", 5, "top-up", "session-1")
	require.NoError(t, err)

	calls := 0
	l.transientInjector = func(userID string, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("Unable to start a transaction")
		}
		return nil
	}

	newBal, err := l.Deduct(context.Background(), "user-1", 1, "upload quote", 3)
	require.NoError(t, err)
	assert.Equal(t, 4.0, newBal)
	assert.Equal(t, 3, calls)
}

func TestTransactions_SumOfDeltasMatchesBalance(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Credit(context.Background(), "user-1", 10, "top-up", "session-1")
	require.NoError(t, err)
	_, err = l.Deduct(context.Background(), "user-1", 3, "upload", 0)
	require.NoError(t, err)
	_, err = l.Deduct(context.Background(), "user-1", 2, "upload", 0)
	require.NoError(t, err)

	txs, err := l.Transactions("user-1")
	require.NoError(t, err)
	require.Len(t, txs, 3)

	var sum float64
	for _, tx := range txs {
		sum += tx.Amount
	}
	bal, err := l.Balance("user-1")
	require.NoError(t, err)
	assert.InDelta(t, bal, sum, 0.0001)
}
