// Package quote implements the fingerprint & cost quoter described in
// spec.md §4.1: a deterministic pricing function plus a short-lived,
// single-use in-memory store.
package quote

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/domain"
)

// Pricing constants from spec.md §4.1.
const (
	encodedSizeMultiplier = 7
	miB                   = 1 << 20
	giB                   = 1 << 30

	frostPerWAL = 1_000_000_000

	metadataPerEpochWAL         = 0.0007
	writeFeePerEpochFROST       = 20_000
	marginalPerMiBPerEpochFROST = 66_000

	uploadFeeOverheadPerGiBWAL = 0.02

	gasTokenCostFactor = 0.005

	markup = 1.25

	floorUSD = 0.01

	fallbackSUIPriceUSD = 1.85
	fallbackWALPriceUSD = 0.15

	defaultEpochs = 3
	minEpochs     = 1
)

// DefaultEpochs is the default epoch count callers may fall back to when
// none is supplied (spec.md §4.1: "epoch count (default 3, minimum 1)").
const DefaultEpochs = defaultEpochs

// PriceSnapshot is a pair of live spot prices in USD.
type PriceSnapshot struct {
	SUI float64
	WAL float64
}

// PriceOracle fetches live SUI/WAL spot prices. Production wiring hits a
// configurable HTTP price feed; tests substitute a fixed oracle.
type PriceOracle interface {
	SpotPrices(ctx context.Context) (PriceSnapshot, error)
}

// Result is the output of the pure cost function for a single file.
type Result struct {
	EncodedSize    int64
	StorageUnits   int64
	CostUSD        float64
	CostSUI        float64
	FallbackPrices bool
}

// Compute maps (byte length, epoch count, optional price snapshot) to a
// priced Result, per the formula in spec.md §4.1. If snapshot is nil, the
// live oracle is consulted; on fetch failure the fixed fallback prices are
// used and Result.FallbackPrices is set.
func Compute(ctx context.Context, oracle PriceOracle, bytesLen int64, epochs int, snapshot *PriceSnapshot) (Result, error) {
	if epochs < minEpochs {
		epochs = defaultEpochs
	}

	prices := PriceSnapshot{SUI: fallbackSUIPriceUSD, WAL: fallbackWALPriceUSD}
	fallback := false
	if snapshot != nil {
		prices = *snapshot
	} else if oracle != nil {
		fetched, err := oracle.SpotPrices(ctx)
		if err != nil {
			logrus.WithError(err).Warn("quote: price oracle unavailable, using fallback prices")
			fallback = true
		} else {
			prices = fetched
		}
	} else {
		fallback = true
	}

	encodedSize := bytesLen * encodedSizeMultiplier
	units := int64(math.Ceil(float64(encodedSize) / miB))
	if units < 1 {
		units = 1
	}

	perEpochFrost := metadataPerEpochWAL*frostPerWAL + writeFeePerEpochFROST + float64(units)*marginalPerMiBPerEpochFROST
	overheadWAL := (float64(encodedSize) / giB) * uploadFeeOverheadPerGiBWAL

	totalWAL := (perEpochFrost*float64(epochs))/frostPerWAL + overheadWAL
	storageCostUSD := totalWAL * prices.WAL

	gasCostUSD := gasTokenCostFactor * prices.SUI

	finalUSD := (storageCostUSD + gasCostUSD) * markup
	if finalUSD < floorUSD {
		finalUSD = floorUSD
	}
	costUSD := roundCents(finalUSD)
	costSUI := costUSD / prices.SUI

	return Result{
		EncodedSize:    encodedSize,
		StorageUnits:   units,
		CostUSD:        costUSD,
		CostSUI:        costSUI,
		FallbackPrices: fallback,
	}, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// FileRequest describes one file to be quoted in a batch (spec.md §6
// POST /api/quote).
type FileRequest struct {
	TempID    string
	SizeBytes int64
	Epochs    int
}

// Mint computes a multi-file Quote and stores it under a fresh opaque id.
func Mint(ctx context.Context, store *Store, oracle PriceOracle, userID string, files []FileRequest, now time.Time) (*domain.Quote, error) {
	if len(files) == 0 {
		return nil, apierr.New(apierr.InputInvalid, "quote: no files supplied")
	}

	q := &domain.Quote{
		QuoteID:   uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(domain.QuoteTTL),
	}

	for _, f := range files {
		res, err := Compute(ctx, oracle, f.SizeBytes, f.Epochs, nil)
		if err != nil {
			return nil, err
		}
		q.FallbackPrices = q.FallbackPrices || res.FallbackPrices
		q.Files = append(q.Files, domain.PerFileQuote{
			TempID:      f.TempID,
			SizeMiB:     float64(f.SizeBytes) / miB,
			Epochs:      f.Epochs,
			StorageDays: epochsToDays(f.Epochs),
			CostSUI:     res.CostSUI,
			CostUSD:     res.CostUSD,
		})
		q.TotalCostUSD += res.CostUSD
		q.TotalCostSUI += res.CostSUI
	}
	q.TotalCostUSD = roundCents(q.TotalCostUSD)

	store.put(q)
	return q, nil
}

// epochsToDays is a display-only conversion; the storage network's actual
// epoch-to-wallclock mapping is an external collaborator concern.
func epochsToDays(epochs int) int {
	const daysPerEpoch = 14
	return epochs * daysPerEpoch
}

// Store is an in-memory, single-use quote store with a 5-minute TTL
// (spec.md §4.1). An expired-sweep runs on every read.
type Store struct {
	mu     sync.Mutex
	quotes map[string]*domain.Quote
	now    func() time.Time
}

// NewStore constructs an empty Store. nowFn defaults to time.Now.
func NewStore(nowFn func() time.Time) *Store {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Store{quotes: make(map[string]*domain.Quote), now: nowFn}
}

func (s *Store) put(q *domain.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	s.quotes[q.QuoteID] = q
}

func (s *Store) sweep() {
	now := s.now()
	for id, q := range s.quotes {
		if q.Expired(now) {
			delete(s.quotes, id)
		}
	}
}

// Consume atomically retrieves and deletes the quote for (quoteID, userID).
// Returns QuoteInvalid if the quote is missing, expired, or owned by a
// different user — a quote may be consumed at most once.
func (s *Store) Consume(quoteID, userID string) (*domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()

	q, ok := s.quotes[quoteID]
	if !ok {
		return nil, apierr.New(apierr.QuoteInvalid, "quote not found or already consumed")
	}
	if q.UserID != userID {
		return nil, apierr.New(apierr.QuoteInvalid, "quote owned by a different user")
	}
	if q.Expired(s.now()) {
		delete(s.quotes, quoteID)
		return nil, apierr.New(apierr.QuoteInvalid, "quote expired")
	}
	delete(s.quotes, quoteID)
	return q, nil
}

// Get returns the quote without consuming it, for diagnostics/tests.
func (s *Store) Get(quoteID string) (*domain.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep()
	q, ok := s.quotes[quoteID]
	return q, ok
}
