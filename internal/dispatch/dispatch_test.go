package dispatch

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/chainrpc"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/domain"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/intake"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/registry"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/staging"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/wallet"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/walrus"
)

// renamingStaging wraps staging.Memory with the Rename method the
// dispatcher needs from a real object-store backend.
type renamingStaging struct {
	*staging.Memory
}

func (r renamingStaging) Rename(ctx context.Context, oldKey, newKey string) error {
	data, err := r.Memory.Get(ctx, oldKey)
	if err != nil {
		return err
	}
	if err := r.Memory.Put(ctx, newKey, data, staging.Metadata{}); err != nil {
		return err
	}
	return r.Memory.Delete(ctx, oldKey)
}

type fakeWalrus struct {
	result walrus.WriteResult
	err    error
}

func (f fakeWalrus) WriteBlob(ctx context.Context, req walrus.WriteRequest) (walrus.WriteResult, error) {
	return f.result, f.err
}

// overlapWalrus records the largest number of WriteBlob calls in flight at
// once, so a test can see whether two writes for one wallet overlapped.
type overlapWalrus struct {
	mu        sync.Mutex
	active    int
	maxActive int
	result    walrus.WriteResult
}

func (o *overlapWalrus) WriteBlob(ctx context.Context, req walrus.WriteRequest) (walrus.WriteResult, error) {
	o.mu.Lock()
	o.active++
	if o.active > o.maxActive {
		o.maxActive = o.active
	}
	o.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	o.mu.Lock()
	o.active--
	o.mu.Unlock()
	return o.result, nil
}

func testHarness(t *testing.T, wc walrus.Client) (*Dispatcher, intake.FileStore, *wallet.Wallet) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "files.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	files, err := intake.NewBoltFileStore(db)
	require.NoError(t, err)

	w, err := wallet.FromHexSeed(hex.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)

	chain := chainrpc.NewMock()
	reg := registry.New(chain, w)

	st := renamingStaging{staging.NewMemory()}

	d := New(files, st, wc, w, reg, 50000)
	return d, files, w
}

func TestDispatch_SuccessfulWrite(t *testing.T) {
	wc := fakeWalrus{result: walrus.WriteResult{BlobID: "blob-1", BlobObjectID: "obj-1"}}
	d, files, _ := testHarness(t, wc)

	st := d.Staging
	require.NoError(t, st.Put(context.Background(), "user-1/pending/temp/x.txt", []byte("hello"), staging.Metadata{}))

	f := domain.File{FileID: "file-1", UserID: "user-1", Filename: "x.txt", Status: domain.FilePending, StagedKey: "user-1/pending/temp/x.txt", Epochs: 3}
	require.NoError(t, files.Insert(f))

	res, err := d.Dispatch(context.Background(), "file-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "blob-1", res.BlobID)

	got, ok, err := files.Get("file-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.FileCompleted, got.Status)
	assert.Equal(t, "blob-1", got.BlobID)
}

func TestDispatch_AlreadyCompleted(t *testing.T) {
	wc := fakeWalrus{}
	d, files, _ := testHarness(t, wc)

	f := domain.File{FileID: "file-1", UserID: "user-1", Status: domain.FileCompleted, BlobID: "blob-x"}
	require.NoError(t, files.Insert(f))

	_, err := d.Dispatch(context.Background(), "file-1", "user-1")
	require.Error(t, err)
	assert.Equal(t, apierr.AlreadyCompleted, apierr.As(err))
}

func TestDispatch_TransientErrorLeavesFilePending(t *testing.T) {
	wc := fakeWalrus{err: apierr.New(apierr.Unknown, "transport error")}
	d, files, _ := testHarness(t, wc)

	st := d.Staging
	require.NoError(t, st.Put(context.Background(), "user-1/pending/temp/x.txt", []byte("hello"), staging.Metadata{}))

	f := domain.File{FileID: "file-1", UserID: "user-1", Filename: "x.txt", Status: domain.FilePending, StagedKey: "user-1/pending/temp/x.txt", Epochs: 3}
	require.NoError(t, files.Insert(f))

	_, err := d.Dispatch(context.Background(), "file-1", "user-1")
	require.Error(t, err)

	got, ok, err := files.Get("file-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.FilePending, got.Status)
}

func TestDispatch_ChainRejectedMarksFailed(t *testing.T) {
	wc := fakeWalrus{err: apierr.New(apierr.ChainRejected, "validators rejected")}
	d, files, _ := testHarness(t, wc)

	st := d.Staging
	require.NoError(t, st.Put(context.Background(), "user-1/pending/temp/x.txt", []byte("hello"), staging.Metadata{}))

	f := domain.File{FileID: "file-1", UserID: "user-1", Filename: "x.txt", Status: domain.FilePending, StagedKey: "user-1/pending/temp/x.txt", Epochs: 3}
	require.NoError(t, files.Insert(f))

	_, err := d.Dispatch(context.Background(), "file-1", "user-1")
	require.Error(t, err)

	got, ok, err := files.Get("file-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.FileFailed, got.Status)
}

func TestDispatch_PerWalletSerialization(t *testing.T) {
	wc := &overlapWalrus{result: walrus.WriteResult{BlobID: "blob-1", BlobObjectID: "obj-1"}}
	d, files, _ := testHarness(t, wc)

	st := d.Staging
	for _, id := range []string{"file-1", "file-2"} {
		key := "user-1/pending/temp/" + id + ".txt"
		require.NoError(t, st.Put(context.Background(), key, []byte("hello"), staging.Metadata{}))
		f := domain.File{FileID: id, UserID: "user-1", Filename: id + ".txt", Status: domain.FilePending, StagedKey: key, Epochs: 3}
		require.NoError(t, files.Insert(f))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var res1, res2 Result
	var err1, err2 error
	wg.Add(2)
	go func() { defer wg.Done(); res1, err1 = d.Dispatch(ctx, "file-1", "user-1") }()
	go func() { defer wg.Done(); res2, err2 = d.Dispatch(ctx, "file-2", "user-1") }()
	wg.Wait()
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, "blob-1", res1.BlobID)
	assert.Equal(t, "blob-1", res2.BlobID)

	wc.mu.Lock()
	defer wc.mu.Unlock()
	assert.Equal(t, 1, wc.maxActive)
}
