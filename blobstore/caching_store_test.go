package blobstore

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/internal/cache"
)

// countingStore counts backend reads of a MemoryStore.
type countingStore struct {
	*MemoryStore
	mu        sync.Mutex
	reads     int
	readBytes int
}

func (s *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.MemoryStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingBlob{Blob: b, store: s}, nil
}

type countingBlob struct {
	Blob
	store *countingStore
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := b.Blob.ReadAt(ctx, p, off)
	b.store.mu.Lock()
	b.store.reads++
	b.store.readBytes += n
	b.store.mu.Unlock()
	return n, err
}

func newCountingStore(t *testing.T, blobs map[string][]byte) *countingStore {
	t.Helper()
	s := &countingStore{MemoryStore: NewMemoryStore()}
	for name, data := range blobs {
		require.NoError(t, s.Put(context.Background(), name, data))
	}
	return s
}

func TestCachingStore_ReadAt(t *testing.T) {
	ctx := context.Background()
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	inner := newCountingStore(t, map[string][]byte{"test": data})
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024*1024, nil), 256)

	blob, err := store.Open(ctx, "test")
	require.NoError(t, err)
	defer blob.Close()

	// 1. First block is fetched whole.
	buf := make([]byte, 100)
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[:100], buf)
	assert.Equal(t, 1, inner.reads)
	assert.Equal(t, 256, inner.readBytes)

	// 2. Same range hits the cache.
	_, err = blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.reads)

	// 3. A read spanning blocks 0 and 1 only fetches block 1.
	n, err = blob.ReadAt(ctx, buf, 200)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[200:300], buf)
	assert.Equal(t, 2, inner.reads)
	assert.Equal(t, 512, inner.readBytes)
}

func TestCachingStore_Coalescing(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore(t, map[string][]byte{"test": make([]byte, 64*1024)})
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024*1024, nil), 1024)

	blob, err := store.Open(ctx, "test")
	require.NoError(t, err)

	buf := make([]byte, 10*1024)
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, 1, inner.reads, "ten missing blocks are one backend read")
}

func TestCachingStore_ShortBlob(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore(t, map[string][]byte{"small": []byte("hello")})
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024, nil), 256)

	blob, err := store.Open(ctx, "small")
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := blob.ReadAt(ctx, buf, 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf[:n]))

	r, err := blob.ReadRange(ctx, 1, 100)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ello", string(content))

	_, err = blob.ReadRange(ctx, 5, 1)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCachingStore_PutInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore(t, map[string][]byte{currentBlob: []byte("MANIFEST-000001.bin")})
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024, nil), 256)

	read := func() string {
		blob, err := store.Open(ctx, currentBlob)
		require.NoError(t, err)
		defer blob.Close()
		r, err := blob.ReadRange(ctx, 0, blob.Size())
		require.NoError(t, err)
		content, err := io.ReadAll(r)
		require.NoError(t, err)
		return string(content)
	}

	assert.Equal(t, "MANIFEST-000001.bin", read())
	require.NoError(t, store.Put(ctx, currentBlob, []byte("MANIFEST-000002.bin")))
	assert.Equal(t, "MANIFEST-000002.bin", read())

	require.NoError(t, store.Delete(ctx, currentBlob))
	_, err := store.Open(ctx, currentBlob)
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

const currentBlob = "CURRENT"
