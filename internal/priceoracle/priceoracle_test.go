package priceoracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOracle_SpotPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sui": 2.5, "wal": 0.12}`))
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 5*time.Second)
	snap, err := o.SpotPrices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2.5, snap.SUI)
	assert.Equal(t, 0.12, snap.WAL)
}

func TestHTTPOracle_NoURLConfigured(t *testing.T) {
	o := NewHTTPOracle("", time.Second)
	_, err := o.SpotPrices(context.Background())
	assert.Error(t, err)
}

func TestHTTPOracle_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 5*time.Second)
	_, err := o.SpotPrices(context.Background())
	assert.Error(t, err)
}
