package model

import (
	"fmt"
	"math"
)

// TxnID identifies a transaction.
type TxnID uint64

// TxnTimeStamp is a logical timestamp handed out by the transaction manager.
type TxnTimeStamp uint64

const (
	// UncommittedTS marks entries whose owning transaction has not committed yet.
	UncommittedTS TxnTimeStamp = math.MaxUint64

	// MaxTS is used as "never deleted".
	MaxTS TxnTimeStamp = math.MaxUint64 - 1

	// InvalidTxnID is the zero transaction id.
	InvalidTxnID TxnID = 0
)

// SegmentID is the unique identifier for a segment within a table.
type SegmentID uint32

// BlockID identifies a block within its segment.
type BlockID uint16

// ColumnID is the position of a column in the table definition.
type ColumnID uint64

const (
	// DefaultBlockCapacity is the number of rows a block holds by default.
	DefaultBlockCapacity = 8192

	// DefaultSegmentBlocks is the number of blocks per segment by default.
	DefaultSegmentBlocks = 128
)

// RowID is the physical address of a row.
type RowID struct {
	SegmentID     SegmentID
	SegmentOffset uint32
}

// String returns a string representation of the RowID.
func (r RowID) String() string {
	return fmt.Sprintf("Row(%d:%d)", r.SegmentID, r.SegmentOffset)
}

// Block returns the block id and block-local offset of the row for the given block capacity.
func (r RowID) Block(blockCapacity uint32) (BlockID, uint16) {
	return BlockID(r.SegmentOffset / blockCapacity), uint16(r.SegmentOffset % blockCapacity)
}
