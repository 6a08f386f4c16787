package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/delta"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/model"
)

var floatType = datatype.New(datatype.Double)

func (e *testEnv) index(t *testing.T, name string) *catalog.TableIndexEntry {
	t.Helper()
	idx, err := e.table(t).Index(name, model.InvalidTxnID, e.mgr.LastCommitTS())
	require.NoError(t, err)
	return idx
}

func (e *testEnv) lookup(t *testing.T, name string, lo, hi int64) []model.RowID {
	t.Helper()
	txn := e.mgr.Begin()
	defer func() { _ = txn.Rollback() }()
	rows, err := txn.IndexLookup("db", "t", name, lo, hi)
	require.NoError(t, err)
	return rows
}

func TestCreateIndexThenAppendInOneTxn(t *testing.T) {
	e := newTestEnv(t, 100, 4)
	e.createTable(t)
	e.insert(t, 0, 50)

	txn := e.mgr.Begin()
	require.NoError(t, txn.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, txn.Append("db", "t", rows(t, 50, 30)))

	// Built chunks are visible to the creator only.
	own, err := txn.IndexLookup("db", "t", "by_id", 10, 19)
	require.NoError(t, err)
	assert.Len(t, own, 10)
	other := e.mgr.Begin()
	_, err = other.IndexLookup("db", "t", "by_id", 0, 100)
	assert.ErrorIs(t, err, status.ErrNotFound)
	require.NoError(t, other.Rollback())

	require.NoError(t, txn.Commit(context.Background()))

	chunks := e.index(t, "by_id").SegmentIndexes()[0].Chunks()
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Equal(t, txn.CommitTS(), c.CommitTS())
	}
	assert.Equal(t, uint32(0), chunks[0].BaseRow)
	assert.Equal(t, uint32(50), chunks[1].BaseRow)

	assert.Len(t, e.lookup(t, "by_id", 0, 79), 80)
	assert.Equal(t, []model.RowID{{SegmentID: 0, SegmentOffset: 60}}, e.lookup(t, "by_id", 60, 60))
}

func TestAppendIntoCommittedIndex(t *testing.T) {
	e := newTestEnv(t, 10, 2)
	e.createTable(t)

	create := e.mgr.Begin()
	require.NoError(t, create.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, create.Commit(context.Background()))
	assert.Empty(t, e.index(t, "by_id").SegmentIndexes())

	txn := e.mgr.Begin()
	require.NoError(t, txn.Append("db", "t", rows(t, 0, 25)))
	require.NoError(t, txn.Commit(context.Background()))

	sis := e.index(t, "by_id").SegmentIndexes()
	require.Len(t, sis, 2)
	for _, si := range sis {
		assert.Equal(t, txn.CommitTS(), si.CommitTS())
		for _, c := range si.Chunks() {
			assert.Equal(t, txn.CommitTS(), c.CommitTS())
		}
	}
	assert.Len(t, e.lookup(t, "by_id", 15, 24), 10)

	entry := e.log.entries[len(e.log.entries)-1]
	var kinds []delta.OpType
	for _, op := range entry.Operations() {
		kinds = append(kinds, op.Type())
	}
	assert.Equal(t, delta.OpAddTableEntry, kinds[0])
	assert.Equal(t, []delta.OpType{delta.OpAddSegmentIndexEntry, delta.OpAddSegmentIndexEntry, delta.OpAddChunkIndexEntry, delta.OpAddChunkIndexEntry}, kinds[1:5])
}

func TestIndexLookupSkipsDeletedRows(t *testing.T) {
	e := newTestEnv(t, 100, 4)
	e.createTable(t)
	e.insert(t, 0, 10)
	create := e.mgr.Begin()
	require.NoError(t, create.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, create.Commit(context.Background()))

	txn := e.mgr.Begin()
	require.NoError(t, txn.Delete("db", "t", []model.RowID{{SegmentID: 0, SegmentOffset: 4}}))
	rows, err := txn.IndexLookup("db", "t", "by_id", 4, 5)
	require.NoError(t, err)
	assert.Equal(t, []model.RowID{{SegmentID: 0, SegmentOffset: 5}}, rows)
	require.NoError(t, txn.Commit(context.Background()))

	assert.Len(t, e.lookup(t, "by_id", 0, 9), 9)
}

func TestCreateIndexRollback(t *testing.T) {
	e := newTestEnv(t, 100, 4)
	e.createTable(t)
	e.insert(t, 0, 10)

	txn := e.mgr.Begin()
	require.NoError(t, txn.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, txn.Rollback())

	check := e.mgr.Begin()
	_, err := check.IndexLookup("db", "t", "by_id", 0, 10)
	assert.ErrorIs(t, err, status.ErrNotFound)
	require.NoError(t, check.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, check.Commit(context.Background()))
	assert.Len(t, e.lookup(t, "by_id", 0, 9), 10)
}

func TestCreateIndexRejectsFloatColumn(t *testing.T) {
	e := newTestEnv(t, 100, 4)
	txn := e.mgr.Begin()
	require.NoError(t, txn.CreateDatabase("db"))
	cols := []catalog.ColumnDef{{Name: "x", Type: testColumns[0].Type}, {Name: "f", Type: floatType}}
	require.NoError(t, txn.CreateTable("db", "t", cols, 0, 0))
	assert.ErrorIs(t, txn.CreateIndex("db", "t", "by_f", 1), status.ErrNotImplemented)
	assert.ErrorIs(t, txn.CreateIndex("db", "t", "by_missing", 7), status.ErrNotFound)
	require.NoError(t, txn.Rollback())
}

func TestDropIndex(t *testing.T) {
	e := newTestEnv(t, 100, 4)
	e.createTable(t)
	e.insert(t, 0, 10)

	txn := e.mgr.Begin()
	require.NoError(t, txn.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, txn.DropIndex("db", "t", "by_id"))
	require.NoError(t, txn.Commit(context.Background()))

	create := e.mgr.Begin()
	require.NoError(t, create.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, create.Commit(context.Background()))

	drop := e.mgr.Begin()
	require.NoError(t, drop.DropIndex("db", "t", "by_id"))
	require.NoError(t, drop.Commit(context.Background()))

	check := e.mgr.Begin()
	_, err := check.IndexLookup("db", "t", "by_id", 0, 10)
	assert.ErrorIs(t, err, status.ErrNotFound)
	require.NoError(t, check.Rollback())
}

func TestOptimizeIndex(t *testing.T) {
	e := newTestEnv(t, 100, 4)
	e.createTable(t)
	create := e.mgr.Begin()
	require.NoError(t, create.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, create.Commit(context.Background()))
	e.insert(t, 20, 10)
	e.insert(t, 0, 10)

	si := e.index(t, "by_id").SegmentIndexes()[0]
	old := si.Chunks()
	require.Len(t, old, 2)

	txn := e.mgr.Begin()
	require.NoError(t, txn.OptimizeIndex("db", "t", "by_id"))
	require.NoError(t, txn.Commit(context.Background()))

	chunks := si.Chunks()
	require.Len(t, chunks, 3)
	for _, c := range old {
		assert.Equal(t, txn.CommitTS(), c.DeprecateTS())
	}
	merged := chunks[2]
	assert.Equal(t, txn.CommitTS(), merged.CommitTS())
	assert.Len(t, merged.Keys(), 20)
	assert.Equal(t, int64(0), merged.Keys()[0])

	rows := e.lookup(t, "by_id", 0, 29)
	assert.Len(t, rows, 20)
	assert.Equal(t, model.RowID{SegmentID: 0, SegmentOffset: 10}, rows[0])
}

func TestOptimizeIndexConflict(t *testing.T) {
	e := newTestEnv(t, 100, 4)
	e.createTable(t)
	create := e.mgr.Begin()
	require.NoError(t, create.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, create.Commit(context.Background()))
	e.insert(t, 0, 5)
	e.insert(t, 5, 5)

	t1 := e.mgr.Begin()
	t2 := e.mgr.Begin()
	require.NoError(t, t1.OptimizeIndex("db", "t", "by_id"))
	require.NoError(t, t2.OptimizeIndex("db", "t", "by_id"))
	require.NoError(t, t1.Commit(context.Background()))
	require.ErrorIs(t, t2.Commit(context.Background()), status.ErrTxnConflict)

	assert.Len(t, e.index(t, "by_id").SegmentIndexes()[0].Chunks(), 3)
	assert.Len(t, e.lookup(t, "by_id", 0, 9), 10)
}

func TestOptimizeRollbackRestoresChunks(t *testing.T) {
	e := newTestEnv(t, 100, 4)
	e.createTable(t)
	create := e.mgr.Begin()
	require.NoError(t, create.CreateIndex("db", "t", "by_id", 0))
	require.NoError(t, create.Commit(context.Background()))
	e.insert(t, 0, 5)
	e.insert(t, 5, 5)

	e.log.fail = assert.AnError
	txn := e.mgr.Begin()
	require.NoError(t, txn.OptimizeIndex("db", "t", "by_id"))
	require.Error(t, txn.Commit(context.Background()))
	e.log.fail = nil

	chunks := e.index(t, "by_id").SegmentIndexes()[0].Chunks()
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.Zero(t, c.DeprecateTS())
	}
	assert.Len(t, e.lookup(t, "by_id", 0, 9), 10)
}
