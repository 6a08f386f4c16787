package colstore

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/blobstore"
)

var testColumns = []ColumnDef{
	Column("id", BigInt),
	Column("v", Integer),
}

// testBlock builds a block with ids [start, start+n) and v = id*10.
func testBlock(t *testing.T, start, n int) *DataBlock {
	t.Helper()
	b := NewDataBlock([]DataType{testColumns[0].Type, testColumns[1].Type}, n)
	for i := start; i < start+n; i++ {
		require.NoError(t, b.Column(0).AppendInt64(int64(i)))
		require.NoError(t, b.Column(1).AppendInt64(int64(i*10)))
	}
	require.NoError(t, b.Finalize())
	return b
}

func openTest(t *testing.T, dir string, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithBlockCapacity(4), WithSegmentBlocks(2)}
	e, err := Open(dir, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

// crash drops the engine without checkpointing, as a killed process would.
func crash(t *testing.T, e *Engine) {
	t.Helper()
	require.True(t, e.closed.CompareAndSwap(false, true))
	close(e.closeCh)
	e.wg.Wait()
	require.NoError(t, e.wal.Close())
}

func createTable(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Update(context.Background(), func(tx *Txn) error {
		if err := tx.CreateDatabase("db"); err != nil {
			return err
		}
		return tx.CreateTable("db", "t", testColumns)
	}))
}

func insert(t *testing.T, e *Engine, start, n int) {
	t.Helper()
	require.NoError(t, e.Update(context.Background(), func(tx *Txn) error {
		return tx.Append("db", "t", testBlock(t, start, n))
	}))
}

func scanIDs(t *testing.T, e *Engine) []int64 {
	t.Helper()
	var ids []int64
	require.NoError(t, e.View(func(tx *Txn) error {
		res, err := tx.Scan("db", "t")
		if err != nil {
			return err
		}
		for i := 0; i < res.Block.RowCount(); i++ {
			ids = append(ids, res.Block.Column(0).Int64At(i))
		}
		return nil
	}))
	slices.Sort(ids)
	return ids
}

func seq(start, end int) []int64 {
	var out []int64
	for i := start; i < end; i++ {
		out = append(out, int64(i))
	}
	return out
}

func TestEngine_CommitAndScan(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer func() { require.NoError(t, e.Close()) }()

	createTable(t, e)
	insert(t, e, 0, 10)
	insert(t, e, 10, 3)

	assert.Equal(t, seq(0, 13), scanIDs(t, e))

	require.NoError(t, e.View(func(tx *Txn) error {
		res, err := tx.Scan("db", "t")
		require.NoError(t, err)
		for i := 0; i < res.Block.RowCount(); i++ {
			assert.Equal(t, res.Block.Column(0).Int64At(i)*10, res.Block.Column(1).Int64At(i))
		}
		return nil
	}))

	st := e.Stats()
	assert.Equal(t, TxnTimeStamp(3), st.LastCommitTS)
	assert.Zero(t, st.ActiveTxns)
	assert.Greater(t, st.WALBytes, int64(0))
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer func() { require.NoError(t, e.Close()) }()
	createTable(t, e)
	insert(t, e, 0, 5)

	reader, err := e.Begin()
	require.NoError(t, err)
	insert(t, e, 5, 5)

	res, err := reader.Scan("db", "t")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Block.RowCount())
	require.NoError(t, reader.Rollback())

	assert.Len(t, scanIDs(t, e), 10)
}

func TestEngine_Conflict(t *testing.T) {
	metrics := &BasicMetricsObserver{}
	e := openTest(t, t.TempDir(), WithMetricsObserver(metrics))
	defer func() { require.NoError(t, e.Close()) }()
	createTable(t, e)

	t1, err := e.Begin()
	require.NoError(t, err)
	t2, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, t1.Append("db", "t", testBlock(t, 0, 3)))
	require.NoError(t, t2.Append("db", "t", testBlock(t, 3, 3)))

	require.NoError(t, t1.Commit(context.Background()))
	err = t2.Commit(context.Background())
	require.ErrorIs(t, err, ErrTxnConflict)
	assert.ErrorIs(t, t2.Rollback(), ErrTxnClosed)

	assert.Equal(t, seq(0, 3), scanIDs(t, e))

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.ConflictCount)
	assert.Equal(t, int64(1), stats.CommitErrors)
}

func TestEngine_UpdateRollsBackOnError(t *testing.T) {
	metrics := &BasicMetricsObserver{}
	e := openTest(t, t.TempDir(), WithMetricsObserver(metrics))
	defer func() { require.NoError(t, e.Close()) }()
	createTable(t, e)

	boom := errors.New("boom")
	err := e.Update(context.Background(), func(tx *Txn) error {
		require.NoError(t, tx.Append("db", "t", testBlock(t, 0, 5)))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, scanIDs(t, e))
	assert.GreaterOrEqual(t, metrics.GetStats().RollbackCount, int64(1))
}

func TestEngine_ReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, dir)
	createTable(t, e)
	insert(t, e, 0, 11)
	require.NoError(t, e.Update(context.Background(), func(tx *Txn) error {
		return tx.Delete("db", "t", []RowID{{SegmentID: 0, SegmentOffset: 2}})
	}))
	require.NoError(t, e.Close())

	e2 := openTest(t, dir)
	defer func() { require.NoError(t, e2.Close()) }()

	st := e2.Stats()
	assert.Equal(t, uint64(1), st.CheckpointVersion)
	assert.Equal(t, TxnTimeStamp(3), st.CheckpointTS)
	assert.True(t, e2.wal.Empty())

	want := slices.DeleteFunc(seq(0, 11), func(v int64) bool { return v == 2 })
	assert.Equal(t, want, scanIDs(t, e2))

	// Commits continue after the checkpointed timestamp.
	insert(t, e2, 11, 2)
	assert.Equal(t, TxnTimeStamp(4), e2.Stats().LastCommitTS)
	assert.Len(t, scanIDs(t, e2), 12)
}

func TestEngine_RecoverFromDeltaLog(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, dir)
	createTable(t, e)
	insert(t, e, 0, 6)
	require.NoError(t, e.Checkpoint(context.Background()))
	insert(t, e, 6, 5)
	require.NoError(t, e.Update(context.Background(), func(tx *Txn) error {
		return tx.Delete("db", "t", []RowID{{SegmentID: 0, SegmentOffset: 0}})
	}))
	crash(t, e)

	e2 := openTest(t, dir)
	defer func() { require.NoError(t, e2.Close()) }()

	assert.Equal(t, seq(1, 11), scanIDs(t, e2))
	st := e2.Stats()
	assert.Equal(t, TxnTimeStamp(4), st.LastCommitTS)
	// Replayed changes are checkpointed right away.
	assert.Equal(t, uint64(2), st.CheckpointVersion)
	assert.True(t, e2.wal.Empty())
}

func TestEngine_RecoverWithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, dir)
	createTable(t, e)
	insert(t, e, 0, 9)
	crash(t, e)

	e2 := openTest(t, dir)
	defer func() { require.NoError(t, e2.Close()) }()
	assert.Equal(t, seq(0, 9), scanIDs(t, e2))
}

func TestEngine_CheckpointStore(t *testing.T) {
	dir := t.TempDir()
	store := blobstore.NewMemoryStore()

	e := openTest(t, dir, WithCheckpointStore(store))
	createTable(t, e)
	insert(t, e, 0, 7)
	require.NoError(t, e.Close())

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, names, "CURRENT")
	assert.Contains(t, names, "MANIFEST-000001.bin")
	assert.Contains(t, names, "SNAPSHOT-000001.bin")

	e2 := openTest(t, dir, WithCheckpointStore(store), WithBlockCache(1<<20, 4096))
	defer func() { require.NoError(t, e2.Close()) }()
	assert.Equal(t, seq(0, 7), scanIDs(t, e2))
	assert.Greater(t, e2.Stats().CacheMisses, int64(0))
}

func TestEngine_CheckpointRetention(t *testing.T) {
	dir := t.TempDir()
	store := blobstore.NewMemoryStore()
	e := openTest(t, dir, WithCheckpointStore(store), WithCheckpointRetention(1))
	defer func() { require.NoError(t, e.Close()) }()
	createTable(t, e)

	for i := 0; i < 3; i++ {
		insert(t, e, i*3, 3)
		require.NoError(t, e.Checkpoint(context.Background()))
	}
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"CURRENT", "MANIFEST-000003.bin", "SNAPSHOT-000003.bin"}, names)
}

func TestEngine_CorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store := blobstore.NewMemoryStore()
	e := openTest(t, dir, WithCheckpointStore(store))
	createTable(t, e)
	require.NoError(t, e.Close())

	require.NoError(t, store.Put(context.Background(), "SNAPSHOT-000001.bin", []byte("garbage")))

	_, err := Open(dir, WithCheckpointStore(store))
	require.ErrorIs(t, err, ErrCorruptCheckpoint)
}

func TestEngine_Compact(t *testing.T) {
	metrics := &BasicMetricsObserver{}
	e := openTest(t, t.TempDir(), WithSegmentBlocks(1), WithMetricsObserver(metrics))
	defer func() { require.NoError(t, e.Close()) }()
	createTable(t, e)
	insert(t, e, 0, 16)

	compacted, err := e.Compact(context.Background(), "db", "t")
	require.NoError(t, err)
	assert.False(t, compacted)

	require.NoError(t, e.Update(context.Background(), func(tx *Txn) error {
		return tx.Delete("db", "t", []RowID{
			{SegmentID: 0, SegmentOffset: 0},
			{SegmentID: 0, SegmentOffset: 1},
			{SegmentID: 0, SegmentOffset: 2},
		})
	}))

	compacted, err = e.Compact(context.Background(), "db", "t")
	require.NoError(t, err)
	assert.True(t, compacted)
	assert.Equal(t, seq(3, 16), scanIDs(t, e))

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.CompactionCount)
	assert.Equal(t, int64(1), stats.CompactionSkipped)
}

func TestEngine_AutoCheckpoint(t *testing.T) {
	e := openTest(t, t.TempDir(), WithAutoCheckpoint(1))
	defer func() { require.NoError(t, e.Close()) }()
	createTable(t, e)
	insert(t, e, 0, 3)

	require.Eventually(t, func() bool {
		return e.Stats().CheckpointVersion > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_Closed(t *testing.T) {
	e := openTest(t, t.TempDir())
	require.NoError(t, e.Close())

	_, err := e.Begin()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Checkpoint(context.Background()), ErrClosed)
	assert.ErrorIs(t, e.Close(), ErrClosed)
}

func TestEngine_UnrecoverableIsReturned(t *testing.T) {
	e := openTest(t, t.TempDir(), WithBlockCapacity(100))
	defer func() { require.NoError(t, e.Close()) }()
	createTable(t, e)
	insert(t, e, 0, 100)

	over := make([]RowID, 101)
	for i := range over {
		over[i] = RowID{SegmentID: 0, SegmentOffset: uint32(i % 100)}
	}
	tx, err := e.Begin()
	require.NoError(t, err)
	err = tx.Delete("db", "t", over)
	require.Error(t, err)
	assert.True(t, IsUnrecoverable(err))
}

func TestEngine_DDLNotFound(t *testing.T) {
	e := openTest(t, t.TempDir())
	defer func() { require.NoError(t, e.Close()) }()

	err := e.Update(context.Background(), func(tx *Txn) error {
		return tx.CreateTable("missing", "t", testColumns)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
