package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/colstore/internal/resource"
)

func blobKey(path string, off uint64) CacheKey {
	return CacheKey{Kind: CacheKindBlob, Path: path, Offset: off}
}

func TestLRU_EdgeCases(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c := NewLRUBlockCache(50, rc)
	ctx := context.Background()
	k := blobKey("SNAPSHOT-000001.bin", 1)

	// 1. Item larger than capacity
	c.Set(ctx, k, make([]byte, 60))
	_, ok := c.Get(ctx, k)
	assert.False(t, ok, "item larger than capacity is not cached")
	assert.Zero(t, rc.MemoryUsage())

	// 2. Update existing item
	c.Set(ctx, k, make([]byte, 10))
	assert.Equal(t, int64(10), c.Size())
	c.Set(ctx, k, make([]byte, 20))
	assert.Equal(t, int64(20), c.Size())
	c.Set(ctx, k, make([]byte, 5))
	assert.Equal(t, int64(5), c.Size())
	assert.Equal(t, int64(5), rc.MemoryUsage())

	// 3. Growth denied by the controller keeps the old value
	rc2 := resource.NewController(resource.Config{MemoryLimitBytes: 10})
	c2 := NewLRUBlockCache(50, rc2)
	c2.Set(ctx, k, make([]byte, 8))
	c2.Set(ctx, k, make([]byte, 12))

	val, ok := c2.Get(ctx, k)
	assert.True(t, ok)
	assert.Len(t, val, 8)

	// 4. New item denied by the controller is not cached
	c2.Set(ctx, blobKey("other", 0), make([]byte, 4))
	_, ok = c2.Get(ctx, blobKey("other", 0))
	assert.False(t, ok)
}

func TestLRU_Eviction(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	c := NewLRUBlockCache(30, rc)
	ctx := context.Background()

	c.Set(ctx, blobKey("a", 0), make([]byte, 10))
	c.Set(ctx, blobKey("a", 1), make([]byte, 10))
	c.Set(ctx, blobKey("a", 2), make([]byte, 10))

	// Touch block 0 so block 1 is the oldest.
	_, ok := c.Get(ctx, blobKey("a", 0))
	assert.True(t, ok)

	c.Set(ctx, blobKey("a", 3), make([]byte, 10))
	_, ok = c.Get(ctx, blobKey("a", 1))
	assert.False(t, ok)
	_, ok = c.Get(ctx, blobKey("a", 0))
	assert.True(t, ok)
	assert.Equal(t, int64(30), c.Size())
	assert.Equal(t, int64(30), rc.MemoryUsage())
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRUBlockCache(100, nil)
	ctx := context.Background()
	k := blobKey("a", 1)
	c.Set(ctx, k, []byte{1})
	c.Get(ctx, k)
	c.Get(ctx, blobKey("b", 2))

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.NoError(t, c.Close())
}

func TestLRU_Invalidate(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	c := NewLRUBlockCache(100, rc)
	ctx := context.Background()
	c.Set(ctx, blobKey("CURRENT", 0), []byte("a"))
	c.Set(ctx, blobKey("CURRENT", 1), []byte("b"))
	c.Set(ctx, blobKey("MANIFEST-000001.bin", 0), []byte("c"))

	c.Invalidate(func(k CacheKey) bool {
		return k.Path == "CURRENT"
	})

	_, ok := c.Get(ctx, blobKey("CURRENT", 0))
	assert.False(t, ok)
	_, ok = c.Get(ctx, blobKey("MANIFEST-000001.bin", 0))
	assert.True(t, ok)
	assert.Equal(t, int64(1), rc.MemoryUsage())
}
