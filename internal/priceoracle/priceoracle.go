// Package priceoracle implements the live SUI/WAL spot price feed
// internal/quote.PriceOracle needs (spec.md §4.1: "queries a live price
// oracle"). A fetch failure is the caller's concern — quote.Compute already
// falls back to the fixed prices spec.md §4.1 documents, so this client
// only needs to report the error, not retry it.
package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/quote"
)

// HTTPOracle fetches spot prices from a configurable JSON endpoint returning
// {"sui": <usd>, "wal": <usd>}.
type HTTPOracle struct {
	url string
	hc  *http.Client
}

// NewHTTPOracle builds an oracle bound to url with the given per-call
// timeout. An empty url makes every fetch fail fast, which quote.Compute
// treats as "use fallback prices" — useful for local/offline operation.
func NewHTTPOracle(url string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{url: url, hc: &http.Client{Timeout: timeout}}
}

func (o *HTTPOracle) SpotPrices(ctx context.Context) (quote.PriceSnapshot, error) {
	if o.url == "" {
		return quote.PriceSnapshot{}, fmt.Errorf("priceoracle: no feed URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return quote.PriceSnapshot{}, fmt.Errorf("priceoracle: build request: %w", err)
	}

	resp, err := o.hc.Do(req)
	if err != nil {
		return quote.PriceSnapshot{}, fmt.Errorf("priceoracle: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return quote.PriceSnapshot{}, fmt.Errorf("priceoracle: feed returned status %d", resp.StatusCode)
	}

	var body struct {
		SUI float64 `json:"sui"`
		WAL float64 `json:"wal"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return quote.PriceSnapshot{}, fmt.Errorf("priceoracle: decode response: %w", err)
	}

	return quote.PriceSnapshot{SUI: body.SUI, WAL: body.WAL}, nil
}

var _ quote.PriceOracle = (*HTTPOracle)(nil)
