package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/internal/datatype"
)

func TestEncodeDecodePreservesOrder(t *testing.T) {
	e := NewCatalogDeltaEntry(7, 42)
	e.AddOperation(&AddDBEntryOp{CommitTS: 42, DBName: "default", Dir: "db_default"})
	e.AddOperation(&AddTableEntryOp{
		CommitTS: 42, DBName: "default", TableName: "t1",
		Columns:       []ColumnDef{{Name: "a", Type: datatype.New(datatype.Integer)}},
		BlockCapacity: 100, SegmentBlocks: 4,
	})
	e.AddOperation(&AddSegmentEntryOp{CommitTS: 42, DBName: "default", TableName: "t1", SegmentID: 0, RowCapacity: 400, RowCount: 150, Filter: []byte{1, 2, 3}})
	e.AddOperation(&AddBlockEntryOp{CommitTS: 42, DBName: "default", TableName: "t1", BlockID: 1, AppendCount: 50, DeletedOffsets: []uint16{3}})
	e.AddOperation(&AddColumnEntryOp{CommitTS: 42, DBName: "default", TableName: "t1", BlockID: 1, Data: []byte{9, 9}})

	b, err := e.Encode()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, e.TxnID, got.TxnID)
	assert.Equal(t, e.CommitTS, got.CommitTS)
	require.Equal(t, e.Len(), got.Len())
	for i, op := range e.Operations() {
		assert.Equal(t, op.Type(), got.Operations()[i].Type())
		assert.Equal(t, op.EncodeKey(), got.Operations()[i].EncodeKey())
	}
	assert.Equal(t, e.Operations()[2], got.Operations()[2])
	assert.Equal(t, e.Operations()[4], got.Operations()[4])
	tbl := got.Operations()[1].(*AddTableEntryOp)
	assert.True(t, tbl.Columns[0].Type.Equal(datatype.New(datatype.Integer)))
}

func TestDecodeUnknownOp(t *testing.T) {
	e := NewCatalogDeltaEntry(1, 1)
	e.AddOperation(&AddDBEntryOp{DBName: "x"})
	b, err := e.Encode()
	require.NoError(t, err)
	_, err = Decode(b[:len(b)-3])
	assert.Error(t, err)

	_, err = newOp(OpInvalid)
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestOpTypeString(t *testing.T) {
	assert.Equal(t, "add_segment_entry", OpAddSegmentEntry.String())
	assert.Equal(t, "invalid(99)", OpType(99).String())
}
