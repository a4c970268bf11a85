package intake

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/domain"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/ledger"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/quote"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/staging"
)

type fixedOracle struct{ p quote.PriceSnapshot }

func (o fixedOracle) SpotPrices(ctx context.Context) (quote.PriceSnapshot, error) { return o.p, nil }

func newTestIntake(t *testing.T) (*Intake, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	_, err = l.Credit(context.Background(), "user-1", 100, "top-up", "session-1")
	require.NoError(t, err)

	db, err := bolt.Open(filepath.Join(t.TempDir(), "files.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	files, err := NewBoltFileStore(db)
	require.NoError(t, err)

	in := &Intake{
		Staging: staging.NewMemory(),
		Quotes:  quote.NewStore(nil),
		Oracle:  fixedOracle{p: quote.PriceSnapshot{SUI: 2.0, WAL: 0.10}},
		Ledger:  l,
		Files:   files,
	}
	return in, l
}

func TestValidateExtension(t *testing.T) {
	assert.True(t, ValidateExtension("report.pdf"))
	assert.True(t, ValidateExtension("archive.ZIP"))
	assert.False(t, ValidateExtension("payload.exe"))
}

func TestAccept_JustInTimeQuote(t *testing.T) {
	in, l := newTestIntake(t)

	receipt, err := in.Accept(context.Background(), Request{
		UserID:   "user-1",
		Filename: "notes.txt",
		Bytes:    make([]byte, 1024),
		Epochs:   3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.FileID)
	assert.Equal(t, "async", receipt.UploadMode)

	f, ok, err := in.Files.Get(receipt.FileID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.FilePending, f.Status)
	assert.Equal(t, receipt.StagedKey, f.StagedKey)

	bal, err := l.Balance("user-1")
	require.NoError(t, err)
	assert.Less(t, bal, 100.0)
}

func TestAccept_WithQuoteID(t *testing.T) {
	in, l := newTestIntake(t)

	q, err := quote.Mint(context.Background(), in.Quotes, in.Oracle, "user-1",
		[]quote.FileRequest{{TempID: "t1", SizeBytes: 1024, Epochs: 3}}, time.Now())
	require.NoError(t, err)

	receipt, err := in.Accept(context.Background(), Request{
		UserID:   "user-1",
		Filename: "notes.txt",
		Bytes:    make([]byte, 1024),
		Epochs:   3,
		QuoteID:  q.QuoteID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.FileID)

	bal, err := l.Balance("user-1")
	require.NoError(t, err)
	assert.InDelta(t, 100-q.TotalCostUSD, bal, 0.0001)

	// the quote is single-use
	_, err = in.Quotes.Consume(q.QuoteID, "user-1")
	require.Error(t, err)
}

func TestAccept_RejectsDisallowedExtension(t *testing.T) {
	in, _ := newTestIntake(t)
	_, err := in.Accept(context.Background(), Request{UserID: "user-1", Filename: "payload.exe", Bytes: []byte("x")})
	require.Error(t, err)
}

func TestAccept_RejectsInsufficientBalance(t *testing.T) {
	in, _ := newTestIntake(t)
	_, err := in.Accept(context.Background(), Request{
		UserID:   "user-2", // no balance credited
		Filename: "notes.txt",
		Bytes:    make([]byte, 1024),
		Epochs:   3,
	})
	require.Error(t, err)
}
