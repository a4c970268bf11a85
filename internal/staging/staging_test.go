package staging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "user_1/pending/tmp_42/my_file.txt", SanitizeKey("user 1/pending/tmp@42/my file.txt"))
}

func TestSanitizeMetadataValue(t *testing.T) {
	assert.Equal(t, "hello world", SanitizeMetadataValue("hello\x00 w\x07orldé"))
}

func TestPendingAndFinalKey(t *testing.T) {
	assert.Equal(t, "u1/pending/t1/a.pdf", PendingKey("u1", "t1", "a.pdf"))
	assert.Equal(t, "u1/b1/a.pdf", FinalKey("u1", "b1", "a.pdf"))
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	meta := Metadata{ContentType: "text/plain", Filename: "a.txt", Lifecycle: LifecycleTemporary, UploadedAt: time.Now()}

	require.NoError(t, m.Put(ctx, "u1/pending/t1/a.txt", []byte("hello"), meta))

	ok, err := m.Head(ctx, "u1/pending/t1/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := m.Get(ctx, "u1/pending/t1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, m.Delete(ctx, "u1/pending/t1/a.txt"))
	ok, _ = m.Head(ctx, "u1/pending/t1/a.txt")
	assert.False(t, ok)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "nope")
	require.Error(t, err)
}
