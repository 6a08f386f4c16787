package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

func int64Column(t *testing.T, values ...int64) *vector.ColumnVector {
	t.Helper()
	c := vector.NewColumnVector(datatype.New(datatype.BigInt), len(values))
	for _, v := range values {
		require.NoError(t, c.AppendInt64(v))
	}
	return c
}

func TestMakeNewColumnDataEntry(t *testing.T) {
	dir := t.TempDir()
	bufMgr := newBufMgr(t, dir)
	blk := &BlockEntry{Dir: filepath.Join(dir, "blk_0"), txnID: 7, beginTS: 3}

	e, err := MakeNewColumnDataEntry(blk, 2, 16, datatype.New(datatype.BigInt), bufMgr)
	require.NoError(t, err)
	assert.Equal(t, "2.col", e.FileName)
	assert.Equal(t, blk.Dir, e.BaseDir)
	assert.Equal(t, model.TxnTimeStamp(3), e.BeginTS)
	assert.Equal(t, model.TxnID(7), e.TxnID())
	assert.Equal(t, model.UncommittedTS, e.CommitTS())
	assert.True(t, e.Bound())
	assert.False(t, e.Flushed())

	obj, err := e.GetColumnData(bufMgr)
	require.NoError(t, err)
	assert.Len(t, obj.Data(), 16*8)
	obj.Release()

	e.Commit(9)
	assert.Equal(t, model.TxnTimeStamp(9), e.CommitTS())
}

func TestMakeNewColumnDataEntryUnsizedTypes(t *testing.T) {
	dir := t.TempDir()
	bufMgr := newBufMgr(t, dir)
	blk := &BlockEntry{Dir: dir}

	_, err := MakeNewColumnDataEntry(blk, 0, 16, datatype.New(datatype.Varchar), bufMgr)
	assert.ErrorIs(t, err, status.ErrNotImplemented)

	for _, lt := range []datatype.LogicalType{datatype.Invalid, datatype.Null, datatype.Missing} {
		_, err := MakeNewColumnDataEntry(blk, 0, 16, datatype.New(lt), bufMgr)
		assert.ErrorIs(t, err, status.ErrInvalidDataType, "type %d", lt)
	}
}

func TestColumnAppendAndFlush(t *testing.T) {
	dir := t.TempDir()
	bufMgr := newBufMgr(t, dir)
	blk := &BlockEntry{Dir: filepath.Join(dir, "blk_0")}

	e, err := MakeNewColumnDataEntry(blk, 0, 8, datatype.New(datatype.BigInt), bufMgr)
	require.NoError(t, err)

	src := int64Column(t, 10, 11, 12, 13, 14)
	require.NoError(t, e.Append(src, 0, 0, 3))
	require.NoError(t, e.Append(src, 3, 3, 2))

	raw, err := e.readRange(bufMgr, 1, 3)
	require.NoError(t, err)
	require.Len(t, raw, 24)
	assert.Equal(t, int64(11), vector.DecodeInt(raw[0:8]))
	assert.Equal(t, int64(13), vector.DecodeInt(raw[16:24]))

	wrong := vector.NewColumnVector(datatype.New(datatype.Integer), 1)
	require.NoError(t, wrong.AppendInt64(1))
	assert.ErrorIs(t, e.Append(wrong, 0, 5, 1), status.ErrDataTypeMismatch)

	assert.Panics(t, func() { _ = e.Append(src, 0, 6, 5) }, "append beyond row capacity")

	require.NoError(t, e.Flush(5))
	assert.True(t, e.Flushed())
	_, err = os.Stat(filepath.Join(blk.Dir, "0.col"))
	assert.NoError(t, err)

	assert.Panics(t, func() { _ = e.Flush(5) }, "second flush")
}

func TestColumnAppendWithoutHandlePanics(t *testing.T) {
	e := columnFromRecord(columnRecord{
		ColumnType:  datatype.New(datatype.BigInt),
		FileName:    "0.col",
		RowCapacity: 8,
	})
	assert.False(t, e.Bound())
	assert.Panics(t, func() { _ = e.Append(int64Column(t, 1), 0, 0, 1) })
}

func TestColumnSerializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bufMgr := newBufMgr(t, dir)
	blk := &BlockEntry{Dir: filepath.Join(dir, "blk_0"), txnID: 4, beginTS: 2}

	e, err := MakeNewColumnDataEntry(blk, 1, 4, datatype.New(datatype.BigInt), bufMgr)
	require.NoError(t, err)
	require.NoError(t, e.Append(int64Column(t, 5, 6, 7), 0, 0, 3))
	require.NoError(t, e.Flush(3))
	e.Commit(6)

	data, err := e.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeColumnDataEntry(data)
	require.NoError(t, err)
	assert.False(t, restored.Bound())
	assert.Equal(t, e.ColumnID, restored.ColumnID)
	assert.Equal(t, e.FileName, restored.FileName)
	assert.Equal(t, e.BaseDir, restored.BaseDir)
	assert.Equal(t, e.RowCapacity, restored.RowCapacity)
	assert.Equal(t, model.TxnTimeStamp(6), restored.CommitTS())
	assert.Equal(t, model.TxnID(4), restored.TxnID())
	assert.True(t, restored.Type.Equal(e.Type))

	// A fresh buffer manager binds the restored entry to the data file.
	other := newBufMgr(t, t.TempDir())
	raw, err := restored.readRange(other, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), vector.DecodeInt(raw[0:8]))
	assert.Equal(t, int64(7), vector.DecodeInt(raw[16:24]))

	_, err = DeserializeColumnDataEntry([]byte("{"))
	assert.ErrorIs(t, err, status.ErrDataIO)
}

func TestColumnCheckpointKeepsEntryOpen(t *testing.T) {
	dir := t.TempDir()
	bufMgr := newBufMgr(t, dir)
	blk := &BlockEntry{Dir: filepath.Join(dir, "blk_0")}

	e, err := MakeNewColumnDataEntry(blk, 0, 4, datatype.New(datatype.BigInt), bufMgr)
	require.NoError(t, err)
	require.NoError(t, e.Append(int64Column(t, 1, 2), 0, 0, 2))
	require.NoError(t, e.Checkpoint(2))
	assert.False(t, e.Flushed())

	require.NoError(t, e.Append(int64Column(t, 3), 0, 2, 1))
	raw, err := e.readRange(bufMgr, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), vector.DecodeInt(raw[16:24]))
}
