package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/config"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/dispatch"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/intake"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/ledger"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/quote"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/staging"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/wallet"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/walrus"
)

type fixedOracle struct{ p quote.PriceSnapshot }

func (o fixedOracle) SpotPrices(ctx context.Context) (quote.PriceSnapshot, error) { return o.p, nil }

type stubWalrus struct {
	res walrus.WriteResult
}

func (s stubWalrus) WriteBlob(ctx context.Context, req walrus.WriteRequest) (walrus.WriteResult, error) {
	return s.res, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	_, err = l.Credit(context.Background(), "user-1", 100, "top-up", "session-1")
	require.NoError(t, err)

	db, err := bolt.Open(filepath.Join(t.TempDir(), "files.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	files, err := intake.NewBoltFileStore(db)
	require.NoError(t, err)

	w, _, err := wallet.NewRandom(128)
	require.NoError(t, err)

	store := staging.NewMemory()
	oracle := fixedOracle{p: quote.PriceSnapshot{SUI: 2.0, WAL: 0.10}}
	quotes := quote.NewStore(nil)

	in := &intake.Intake{
		Staging: store,
		Quotes:  quotes,
		Oracle:  oracle,
		Ledger:  l,
		Files:   files,
	}

	d := dispatch.New(files, testStaging{store}, stubWalrus{res: walrus.WriteResult{BlobID: "blob-1", BlobObjectID: "obj-1"}}, w, nil, 0)

	return New(&Server{
		Config:     &config.Config{Network: config.Testnet},
		Intake:     in,
		Dispatcher: d,
		Ledger:     l,
		Quotes:     quotes,
		Oracle:     oracle,
		Staging:    store,
		Files:      files,
		Wallet:     w,
	})
}

// testStaging adds the Rename method dispatch.StagedObjectStore requires,
// mirroring the dispatch package's own test harness wrapper.
type testStaging struct {
	*staging.Memory
}

func (t testStaging) Rename(ctx context.Context, oldKey, newKey string) error {
	data, err := t.Memory.Get(ctx, oldKey)
	if err != nil {
		return err
	}
	if err := t.Memory.Put(ctx, newKey, data, staging.Metadata{}); err != nil {
		return err
	}
	return t.Memory.Delete(ctx, oldKey)
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleQuote(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"userId": "user-1",
		"files":  []map[string]any{{"tempId": "t1", "sizeBytes": 1024, "epochs": 3}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/quote", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.NotEmpty(t, resp["quoteId"])
}

func TestHandleUploadAndListFiles(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("userId", "user-1"))
	require.NoError(t, mw.WriteField("epochs", "3"))
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var uploadResp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&uploadResp))
	fileID, _ := uploadResp["fileId"].(string)
	require.NotEmpty(t, fileID)

	listReq := httptest.NewRequest(http.MethodGet, "/api/files?userId=user-1", nil)
	listRR := httptest.NewRecorder()
	s.ServeHTTP(listRR, listReq)
	assert.Equal(t, http.StatusOK, listRR.Code)
}

func TestHandleUploadRejectsDisallowedExtension(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("userId", "user-1"))
	part, err := mw.CreateFormFile("file", "payload.exe")
	require.NoError(t, err)
	_, err = part.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestHandleBalance(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/balance?userId=user-1", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.NotEmpty(t, resp["address"])
}

func TestHandleVerifyNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/verify?blobId=does-not-exist", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, false, resp["exists"])
}

func TestHandleMetrics(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"kind": "upload", "durationMs": 120})
	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
