package fileworker

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/internal/fs"
	"github.com/hupe1980/colstore/internal/hash"
	"github.com/hupe1980/colstore/internal/status"
)

func newWorker(t *testing.T, size int, fsys fs.FileSystem) *DataFileWorker {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "seg_0"), "0.col", size, Options{FS: fsys, SpillDir: filepath.Join(dir, ".spill")})
}

func fill(data []byte) {
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, size := range []int{1, 7, 4096, 100_003} {
		w := newWorker(t, size, nil)
		w.AllocateInMemory()
		fill(w.Data())
		want := append([]byte(nil), w.Data()...)

		require.NoError(t, w.WriteToFile(false, size))
		assert.True(t, w.Prepared())
		require.NoError(t, w.Sync())

		info, err := os.Stat(w.Path())
		require.NoError(t, err)
		assert.Equal(t, int64(size+Overhead), info.Size())

		w.FreeInMemory()
		require.NoError(t, w.ReadFromFile(false))
		assert.Equal(t, want, w.Data())
	}
}

func TestPartialWriteKeepsBufferSize(t *testing.T) {
	w := newWorker(t, 64, nil)
	w.AllocateInMemory()
	fill(w.Data())
	require.NoError(t, w.WriteToFile(false, 16))

	info, err := os.Stat(w.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(16+Overhead), info.Size())

	head := append([]byte(nil), w.Data()[:16]...)
	w.FreeInMemory()
	require.NoError(t, w.ReadFromFile(false))
	require.Len(t, w.Data(), 64)
	assert.Equal(t, head, w.Data()[:16])
	assert.Equal(t, make([]byte, 48), w.Data()[16:])
}

func TestCorruptionDetection(t *testing.T) {
	write := func(t *testing.T) *DataFileWorker {
		w := newWorker(t, 128, nil)
		w.AllocateInMemory()
		fill(w.Data())
		require.NoError(t, w.WriteToFile(false, 0))
		w.FreeInMemory()
		return w
	}

	t.Run("truncated", func(t *testing.T) {
		w := write(t)
		require.NoError(t, os.Truncate(w.Path(), 100))
		assert.ErrorIs(t, w.ReadFromFile(false), status.ErrDataIO)
		assert.Nil(t, w.Data())
	})

	t.Run("shorter than header", func(t *testing.T) {
		w := write(t)
		require.NoError(t, os.Truncate(w.Path(), 10))
		assert.ErrorIs(t, w.ReadFromFile(false), status.ErrDataIO)
	})

	t.Run("magic flipped", func(t *testing.T) {
		w := write(t)
		raw, err := os.ReadFile(w.Path())
		require.NoError(t, err)
		raw[0] ^= 0xff
		require.NoError(t, os.WriteFile(w.Path(), raw, 0o644))
		assert.ErrorIs(t, w.ReadFromFile(false), status.ErrDataIO)
	})

	t.Run("payload flipped", func(t *testing.T) {
		w := write(t)
		raw, err := os.ReadFile(w.Path())
		require.NoError(t, err)
		raw[20] ^= 0x01
		require.NoError(t, os.WriteFile(w.Path(), raw, 0o644))
		assert.ErrorIs(t, w.ReadFromFile(false), status.ErrDataIO)
	})

	t.Run("zero checksum", func(t *testing.T) {
		w := write(t)
		raw, err := os.ReadFile(w.Path())
		require.NoError(t, err)
		binary.LittleEndian.PutUint64(raw[len(raw)-8:], 0)
		require.NoError(t, os.WriteFile(w.Path(), raw, 0o644))
		assert.ErrorIs(t, w.ReadFromFile(false), status.ErrDataIO)
	})
}

func TestShortWriteIsRecoverable(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(".col", fs.Fault{FailAfterBytes: 20, ShortWrite: true})

	w := newWorker(t, 64, ffs)
	w.AllocateInMemory()
	err := w.WriteToFile(false, 0)
	require.ErrorIs(t, err, status.ErrDataIO)
	assert.False(t, w.Prepared())
	assert.False(t, w.Exists())

	_, statErr := os.Stat(w.Path() + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}

func TestFailedWriteDoesNotReplaceGoodFile(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	w := newWorker(t, 32, ffs)
	w.AllocateInMemory()
	fill(w.Data())
	require.NoError(t, w.WriteToFile(false, 0))
	good, err := os.ReadFile(w.Path())
	require.NoError(t, err)

	ffs.AddRule(".col", fs.Fault{FailAfterBytes: 40})
	w.Data()[0] = 0xaa
	require.ErrorIs(t, w.WriteToFile(false, 0), status.ErrDataIO)

	now, err := os.ReadFile(w.Path())
	require.NoError(t, err)
	assert.Equal(t, good, now)
}

func TestSpillRoundTrip(t *testing.T) {
	w := newWorker(t, 16, nil)
	w.AllocateInMemory()
	fill(w.Data())
	want := append([]byte(nil), w.Data()...)

	require.NoError(t, w.WriteToFile(true, 0))
	assert.True(t, w.SpillExists())
	assert.False(t, w.Exists())

	w.FreeInMemory()
	require.NoError(t, w.ReadFromFile(true))
	assert.Equal(t, want, w.Data())
	assert.False(t, w.SpillExists())
}

func TestSpillPathSeparatesDirectories(t *testing.T) {
	spill := filepath.Join(t.TempDir(), ".spill")
	a := New(filepath.Join("db", "seg_1"), "0.col", 8, Options{SpillDir: spill})
	b := New(filepath.Join("db", "seg_2"), "0.col", 8, Options{SpillDir: spill})

	assert.NotEqual(t, a.SpillPath(), b.SpillPath())
	assert.Equal(t, spill, filepath.Dir(a.SpillPath()))
	assert.Equal(t,
		fmt.Sprintf("%08x_0.col", hash.CRC32C([]byte(filepath.Join("db", "seg_1")))),
		filepath.Base(a.SpillPath()))
}

func TestAllocationInvariants(t *testing.T) {
	w := newWorker(t, 8, nil)
	w.AllocateInMemory()
	assert.Panics(t, func() { w.AllocateInMemory() })
	w.FreeInMemory()
	assert.Panics(t, func() { w.FreeInMemory() })

	zero := newWorker(t, 0, nil)
	assert.Panics(t, func() { zero.AllocateInMemory() })
}

func TestRemove(t *testing.T) {
	w := newWorker(t, 8, nil)
	w.AllocateInMemory()
	require.NoError(t, w.WriteToFile(false, 0))
	require.NoError(t, w.Remove())
	assert.False(t, w.Exists())
	require.NoError(t, w.Remove())
}
