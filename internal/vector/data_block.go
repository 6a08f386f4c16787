package vector

import (
	"fmt"

	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/status"
)

// DataBlock is a batch of rows stored column-wise.
type DataBlock struct {
	columns   []*ColumnVector
	capacity  int
	rowCount  int
	finalized bool
}

// NewDataBlock creates an empty block with one vector per type.
func NewDataBlock(types []datatype.DataType, capacity int) *DataBlock {
	cols := make([]*ColumnVector, len(types))
	for i, dt := range types {
		cols[i] = NewColumnVector(dt, capacity)
	}
	return &DataBlock{columns: cols, capacity: capacity}
}

// Types returns the column types of the block.
func (b *DataBlock) Types() []datatype.DataType {
	types := make([]datatype.DataType, len(b.columns))
	for i, c := range b.columns {
		types[i] = c.dt
	}
	return types
}

func (b *DataBlock) ColumnCount() int { return len(b.columns) }

// Column returns the vector of column i.
func (b *DataBlock) Column(i int) *ColumnVector { return b.columns[i] }

func (b *DataBlock) Capacity() int { return b.capacity }

// RowCount returns the number of rows. Before Finalize it is the size of the first column.
func (b *DataBlock) RowCount() int {
	if b.finalized {
		return b.rowCount
	}
	if len(b.columns) == 0 {
		return 0
	}
	return b.columns[0].size
}

// Finalized reports whether Finalize was called.
func (b *DataBlock) Finalized() bool { return b.finalized }

// Finalize fixes the row count. All columns must hold the same number of rows.
func (b *DataBlock) Finalize() error {
	n := 0
	for i, c := range b.columns {
		if i == 0 {
			n = c.size
		} else if c.size != n {
			return fmt.Errorf("%w: column %d has %d rows, expected %d", status.ErrInvalidArgument, i, c.size, n)
		}
	}
	b.rowCount = n
	b.finalized = true
	return nil
}

// AppendWith copies count rows starting at from out of other. The block
// becomes mutable again until the next Finalize.
func (b *DataBlock) AppendWith(other *DataBlock, from, count int) error {
	if len(other.columns) != len(b.columns) {
		return fmt.Errorf("%w: %d vs %d", status.ErrColumnCountMismatch, len(other.columns), len(b.columns))
	}
	if b.RowCount()+count > b.capacity {
		return fmt.Errorf("%w: block capacity %d exceeded", status.ErrInvalidArgument, b.capacity)
	}
	for i, c := range b.columns {
		if err := c.AppendFrom(other.columns[i], from, count); err != nil {
			return err
		}
	}
	b.finalized = false
	return nil
}
