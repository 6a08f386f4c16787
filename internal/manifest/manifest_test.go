package manifest

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/blobstore"
	"github.com/hupe1980/colstore/model"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blobstore.NewMemoryStore())

	// 1. Load on empty
	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	// 2. Snapshot, then save (increments ID)
	m := New()
	m.MaxCommitTS = 10
	m.MaxTxnID = 9
	require.NoError(t, store.WriteSnapshot(ctx, m, []byte("catalog v1")))
	assert.Equal(t, "SNAPSHOT-000001.bin", m.Snapshot.Path)
	require.NoError(t, store.Save(ctx, m))
	assert.Equal(t, uint64(1), m.ID)

	// 3. Load updated
	m2, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m2.ID)
	assert.Equal(t, model.TxnTimeStamp(10), m2.MaxCommitTS)
	assert.Equal(t, model.TxnID(9), m2.MaxTxnID)

	data, err := store.ReadSnapshot(ctx, m2)
	require.NoError(t, err)
	assert.Equal(t, "catalog v1", string(data))

	// 4. Save another one
	m.MaxCommitTS = 20
	require.NoError(t, store.WriteSnapshot(ctx, m, []byte("catalog v2")))
	require.NoError(t, store.Save(ctx, m))
	assert.Equal(t, uint64(2), m.ID)

	m3, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m3.ID)
	assert.Equal(t, model.TxnTimeStamp(20), m3.MaxCommitTS)

	old, err := store.LoadVersion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TxnTimeStamp(10), old.MaxCommitTS)

	versions, err := store.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, uint64(1), versions[0].ID)
	assert.Equal(t, uint64(2), versions[1].ID)
}

func TestStore_LoadErrors(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	store := NewStore(blobs)

	require.NoError(t, blobs.Put(ctx, CurrentFileName, []byte("MANIFEST-999999.bin")))
	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, blobs.Put(ctx, "MANIFEST-999999.bin", []byte("garbage")))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_ReadSnapshotCorrupt(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	store := NewStore(blobs)

	m := New()
	require.NoError(t, store.WriteSnapshot(ctx, m, []byte("catalog")))

	require.NoError(t, blobs.Put(ctx, m.Snapshot.Path, []byte("catalOg")))
	_, err := store.ReadSnapshot(ctx, m)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, blobs.Put(ctx, m.Snapshot.Path, []byte("cat")))
	_, err = store.ReadSnapshot(ctx, m)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	store := NewStore(blobs)

	m := New()
	for i := range 4 {
		require.NoError(t, store.WriteSnapshot(ctx, m, fmt.Appendf(nil, "catalog %d", i)))
		require.NoError(t, store.Save(ctx, m))
	}
	// Orphan from a checkpoint that never published.
	require.NoError(t, blobs.Put(ctx, "SNAPSHOT-000002.bin.orphan", []byte("x")))
	// Snapshot of a checkpoint in progress.
	require.NoError(t, blobs.Put(ctx, "SNAPSHOT-000005.bin", []byte("next")))

	require.NoError(t, store.Prune(ctx, 2))

	names, err := blobs.List(ctx, "")
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{
		CurrentFileName,
		"MANIFEST-000003.bin",
		"MANIFEST-000004.bin",
		"SNAPSHOT-000003.bin",
		"SNAPSHOT-000004.bin",
		"SNAPSHOT-000005.bin",
	}, names)

	cur, err := store.Load(ctx)
	require.NoError(t, err)
	data, err := store.ReadSnapshot(ctx, cur)
	require.NoError(t, err)
	assert.Equal(t, "catalog 3", string(data))
}

type failingStore struct {
	*blobstore.MemoryStore
	failOn string
}

func (s *failingStore) Put(ctx context.Context, name string, data []byte) error {
	if name == s.failOn {
		return assert.AnError
	}
	return s.MemoryStore.Put(ctx, name, data)
}

func TestStore_SaveErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("manifest put", func(t *testing.T) {
		store := NewStore(&failingStore{MemoryStore: blobstore.NewMemoryStore(), failOn: "MANIFEST-000001.bin"})
		assert.ErrorIs(t, store.Save(ctx, New()), assert.AnError)
		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("current put keeps previous checkpoint", func(t *testing.T) {
		blobs := &failingStore{MemoryStore: blobstore.NewMemoryStore()}
		store := NewStore(blobs)
		m := New()
		require.NoError(t, store.Save(ctx, m))

		blobs.failOn = CurrentFileName
		assert.Error(t, store.Save(ctx, m))

		cur, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), cur.ID)
	})

	t.Run("snapshot put", func(t *testing.T) {
		store := NewStore(&failingStore{MemoryStore: blobstore.NewMemoryStore(), failOn: "SNAPSHOT-000001.bin"})
		m := New()
		assert.Error(t, store.WriteSnapshot(ctx, m, []byte("x")))
		assert.Empty(t, m.Snapshot.Path)
	})
}

func TestParseManifestName(t *testing.T) {
	id, ok := ParseManifestName(ManifestName(42))
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)

	id, ok = ParseManifestName("MANIFEST-1234567.bin")
	require.True(t, ok)
	assert.Equal(t, uint64(1234567), id)

	for _, name := range []string{"", "MANIFEST", "MANIFEST-.bin", "MANIFEST-000000.bin", "MANIFEST-x.bin", "SNAPSHOT-000001.bin", "MANIFEST-000001"} {
		_, ok := ParseManifestName(name)
		assert.False(t, ok, name)
	}
}
