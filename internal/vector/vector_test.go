package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/status"
)

func TestColumnVectorIntegers(t *testing.T) {
	cv := NewColumnVector(datatype.New(datatype.Integer), 4)
	for i := int64(-1); i < 3; i++ {
		require.NoError(t, cv.AppendInt64(i))
	}
	assert.Equal(t, 4, cv.Size())
	assert.Len(t, cv.Data(), 16)
	assert.Equal(t, int64(-1), cv.Int64At(0))
	assert.Equal(t, int64(2), cv.Int64At(3))

	assert.ErrorIs(t, cv.AppendInt64(9), status.ErrInvalidArgument)
}

func TestColumnVectorFloat(t *testing.T) {
	cv := NewColumnVector(datatype.New(datatype.Double), 2)
	require.NoError(t, cv.AppendFloat64(1.5))
	assert.InDelta(t, 1.5, cv.Float64At(0), 1e-9)

	iv := NewColumnVector(datatype.New(datatype.BigInt), 2)
	assert.ErrorIs(t, iv.AppendFloat64(1), status.ErrDataTypeMismatch)
}

func TestColumnVectorVarchar(t *testing.T) {
	cv := NewColumnVector(datatype.New(datatype.Varchar), 2)
	require.NoError(t, cv.Append([]byte("abc")))
	assert.Nil(t, cv.Data())
	assert.Equal(t, []byte("abc"), cv.Value(0))
}

func TestDataBlockAppendWith(t *testing.T) {
	types := []datatype.DataType{datatype.New(datatype.Integer), datatype.New(datatype.BigInt)}
	src := NewDataBlock(types, 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, src.Column(0).AppendInt64(int64(i)))
		require.NoError(t, src.Column(1).AppendInt64(int64(i*100)))
	}
	require.NoError(t, src.Finalize())

	dst := NewDataBlock(types, 6)
	require.NoError(t, dst.AppendWith(src, 4, 6))
	assert.False(t, dst.Finalized())
	require.NoError(t, dst.Finalize())
	assert.Equal(t, 6, dst.RowCount())
	assert.Equal(t, int64(4), dst.Column(0).Int64At(0))
	assert.Equal(t, int64(900), dst.Column(1).Int64At(5))

	assert.ErrorIs(t, dst.AppendWith(src, 0, 1), status.ErrInvalidArgument)

	other := NewDataBlock(types[:1], 6)
	assert.ErrorIs(t, other.AppendWith(src, 0, 1), status.ErrColumnCountMismatch)
}

func TestDataBlockFinalizeRaggedColumns(t *testing.T) {
	types := []datatype.DataType{datatype.New(datatype.Integer), datatype.New(datatype.Integer)}
	b := NewDataBlock(types, 4)
	require.NoError(t, b.Column(0).AppendInt64(1))
	assert.ErrorIs(t, b.Finalize(), status.ErrInvalidArgument)
}
