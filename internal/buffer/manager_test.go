package buffer

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/internal/fs"
	"github.com/hupe1980/colstore/internal/resource"
	"github.com/hupe1980/colstore/internal/status"
)

func newManager(t *testing.T, limit int64) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: limit})
	return NewManager(Options{Resource: rc, SpillDir: filepath.Join(root, ".spill")}), root
}

func TestAllocateLoadWrite(t *testing.T) {
	m, root := newManager(t, 0)
	dir := filepath.Join(root, "seg_0")

	h := m.AllocateBufferHandle(dir, "0.col", 16)
	obj, err := h.Load()
	require.NoError(t, err)
	require.Len(t, obj.Data(), 16)
	copy(obj.Data(), "0123456789abcdef")
	obj.MarkDirty()
	obj.Release()

	require.NoError(t, h.WriteFile(10))
	require.NoError(t, h.SyncFile())
	require.NoError(t, h.CloseFile())

	info, err := os.Stat(filepath.Join(dir, "0.col"))
	require.NoError(t, err)
	assert.Equal(t, int64(10+24), info.Size())
	assert.Equal(t, 0, m.Stats().Resident)

	data, err := h.LoadData()
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data[:10]))
	assert.Len(t, data, 16)
}

func TestAllocateTwicePanics(t *testing.T) {
	m, root := newManager(t, 0)
	m.AllocateBufferHandle(root, "0.col", 8)
	require.Panics(t, func() { m.AllocateBufferHandle(root, "0.col", 8) })

	var ue *status.UnrecoverableError
	func() {
		defer func() { ue, _ = recover().(*status.UnrecoverableError) }()
		m.AllocateBufferHandle(root, "0.col", 8)
	}()
	require.NotNil(t, ue)
}

func TestGetBufferHandleIsShared(t *testing.T) {
	m, root := newManager(t, 0)
	h := m.AllocateBufferHandle(root, "1.col", 8)
	assert.Same(t, h, m.GetBufferHandle(root, "1.col", KindData, 8))

	lazy := m.GetBufferHandle(root, "2.col", KindData, 8)
	assert.Same(t, lazy, m.GetBufferHandle(root, "2.col", KindData, 8))
	_, err := lazy.Load()
	assert.ErrorIs(t, err, status.ErrDataIO)
}

func TestEvictionSpillsDirtyBuffers(t *testing.T) {
	m, root := newManager(t, 32)

	a := m.AllocateBufferHandle(root, "a.col", 16)
	b := m.AllocateBufferHandle(root, "b.col", 16)
	c := m.AllocateBufferHandle(root, "c.col", 16)

	for i, h := range []*Handle{a, b} {
		obj, err := h.Load()
		require.NoError(t, err)
		obj.Data()[0] = byte(i + 1)
		obj.MarkDirty()
		obj.Release()
	}

	// c needs memory: a is the least recently used and gets spilled.
	obj, err := c.Load()
	require.NoError(t, err)
	obj.Release()

	st := m.Stats()
	assert.Equal(t, int64(1), st.Spills)
	assert.Equal(t, 2, st.Resident)

	data, err := a.LoadData()
	require.NoError(t, err)
	assert.Equal(t, byte(1), data[0])
	assert.Equal(t, int64(1), m.Stats().Loads)
}

func TestEvictionDropsCleanBuffers(t *testing.T) {
	m, root := newManager(t, 16)

	a := m.AllocateBufferHandle(root, "a.col", 16)
	obj, err := a.Load()
	require.NoError(t, err)
	obj.Data()[3] = 7
	obj.MarkDirty()
	obj.Release()
	require.NoError(t, a.WriteFile(0))

	b := m.AllocateBufferHandle(root, "b.col", 16)
	objB, err := b.Load()
	require.NoError(t, err)
	objB.Release()
	assert.Equal(t, int64(0), m.Stats().Spills)
	assert.Equal(t, int64(1), m.Stats().Evictions)

	data, err := a.LoadData()
	require.NoError(t, err)
	assert.Equal(t, byte(7), data[3])
}

func TestPinnedBuffersAreNotEvicted(t *testing.T) {
	m, root := newManager(t, 16)
	a := m.AllocateBufferHandle(root, "a.col", 16)
	obj, err := a.Load()
	require.NoError(t, err)

	b := m.AllocateBufferHandle(root, "b.col", 16)
	_, err = b.Load()
	assert.ErrorIs(t, err, ErrOutOfMemory)

	obj.Release()
	objB, err := b.Load()
	require.NoError(t, err)
	objB.Release()
}

func TestRemoveBufferHandle(t *testing.T) {
	m, root := newManager(t, 0)
	h := m.AllocateBufferHandle(root, "0.col", 8)
	require.NoError(t, h.WriteFile(0))

	require.NoError(t, m.RemoveBufferHandle(root, "0.col"))
	_, err := os.Stat(filepath.Join(root, "0.col"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, m.Stats().Handles)

	// The pair can be allocated again once removed.
	m.AllocateBufferHandle(root, "0.col", 8)
}

func TestCloseFileRejectsDirtyBuffer(t *testing.T) {
	m, root := newManager(t, 0)
	h := m.AllocateBufferHandle(root, "0.col", 8)
	obj, err := h.Load()
	require.NoError(t, err)
	obj.MarkDirty()
	obj.Release()
	assert.ErrorIs(t, h.CloseFile(), status.ErrDataIO)
}

func TestManagerClose(t *testing.T) {
	m, root := newManager(t, 0)
	h := m.AllocateBufferHandle(root, "0.col", 8)
	obj, err := h.Load()
	require.NoError(t, err)
	obj.Release()
	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Stats().Resident)
	assert.Equal(t, int64(1), m.Stats().Spills)
}

// gatedFS blocks reads of files containing pattern until release is closed.
type gatedFS struct {
	fs.FileSystem
	pattern string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedFS) OpenFile(name string, flag int, perm os.FileMode) (fs.File, error) {
	if g.armed.Load() && flag == os.O_RDONLY && strings.Contains(name, g.pattern) {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.FileSystem.OpenFile(name, flag, perm)
}

func TestLoadDoesNotBlockOtherHandles(t *testing.T) {
	root := t.TempDir()
	gfs := &gatedFS{
		FileSystem: fs.Default,
		pattern:    "a.col",
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	m := NewManager(Options{
		FS:       gfs,
		Resource: resource.NewController(resource.Config{}),
		SpillDir: filepath.Join(root, ".spill"),
	})

	a := m.AllocateBufferHandle(root, "a.col", 8)
	obj, err := a.Load()
	require.NoError(t, err)
	copy(obj.Data(), "abcdefgh")
	obj.MarkDirty()
	obj.Release()
	require.NoError(t, a.WriteFile(0))
	require.NoError(t, a.CloseFile())
	b := m.AllocateBufferHandle(root, "b.col", 8)
	gfs.armed.Store(true)

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = a.LoadData()
		}()
	}
	<-gfs.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		objB, err := b.Load()
		if assert.NoError(t, err) {
			objB.Release()
		}
		_ = m.Stats()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("load of another buffer blocked behind file I/O")
	}

	close(gfs.release)
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "abcdefgh", string(results[i]))
	}
	// The second load waited for the first instead of reading again.
	assert.Equal(t, int64(1), m.Stats().Loads)
	assert.Equal(t, 2, m.Stats().Resident)
}
