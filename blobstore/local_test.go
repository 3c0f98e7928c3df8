package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStoreRoundTrip(t *testing.T, store BlobStore) {
	t.Helper()
	ctx := context.Background()

	w, err := store.Create(ctx, "snap-1")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "snap-1")
	require.NoError(t, err)
	data, err := io.ReadAll(b)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, int64(5), b.Size())

	names, err := store.List(ctx, "snap")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-1"}, names)

	require.NoError(t, store.Delete(ctx, "snap-1"))
	_, err = store.Open(ctx, "snap-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting twice is not an error.
	require.NoError(t, store.Delete(ctx, "snap-1"))
}

func testStoreNestedNames(t *testing.T, store BlobStore) {
	t.Helper()
	ctx := context.Background()

	w, err := store.Create(ctx, "backups/daily/snap-1")
	require.NoError(t, err)
	_, err = w.Write([]byte("nested"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "backups/daily/snap-1")
	require.NoError(t, err)
	data, err := io.ReadAll(b)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.Equal(t, []byte("nested"), data)

	names, err := store.List(ctx, "backups/")
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/daily/snap-1"}, names)
}

func testStoreAbort(t *testing.T, store BlobStore) {
	t.Helper()
	ctx := context.Background()

	w, err := store.Create(ctx, "snap-abort")
	require.NoError(t, err)
	_, err = w.Write([]byte("good"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// An aborted rewrite must publish nothing and keep the old blob.
	w, err = store.Create(ctx, "snap-abort")
	require.NoError(t, err)
	_, err = w.Write([]byte("trunc"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	require.NoError(t, w.Close(), "close after abort is a no-op")

	b, err := store.Open(ctx, "snap-abort")
	require.NoError(t, err)
	data, err := io.ReadAll(b)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.Equal(t, []byte("good"), data)

	names, err := store.List(ctx, "snap-abort")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-abort"}, names, "no leftover temp artifacts")
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	testStoreRoundTrip(t, store)
	testStoreNestedNames(t, store)
	testStoreAbort(t, store)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	testStoreRoundTrip(t, store)
	testStoreNestedNames(t, store)
	testStoreAbort(t, store)
}

func TestLocalStore_UnpublishedWriteInvisible(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	w, err := store.Create(ctx, "snap-2")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	// Not closed yet: must not be visible.
	_, err = store.Open(ctx, "snap-2")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, w.Close())

	_, err = store.Open(ctx, "snap-2")
	assert.NoError(t, err)
}
