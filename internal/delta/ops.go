package delta

import (
	"fmt"

	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/model"
)

// OpType identifies an operation.
type OpType uint8

const (
	OpInvalid OpType = iota
	OpAddDBEntry
	OpAddTableEntry
	OpAddTableIndexEntry
	OpAddSegmentIndexEntry
	OpAddChunkIndexEntry
	OpAddSegmentEntry
	OpAddBlockEntry
	OpAddColumnEntry
)

func (t OpType) String() string {
	switch t {
	case OpAddDBEntry:
		return "add_db_entry"
	case OpAddTableEntry:
		return "add_table_entry"
	case OpAddTableIndexEntry:
		return "add_table_index_entry"
	case OpAddSegmentIndexEntry:
		return "add_segment_index_entry"
	case OpAddChunkIndexEntry:
		return "add_chunk_index_entry"
	case OpAddSegmentEntry:
		return "add_segment_entry"
	case OpAddBlockEntry:
		return "add_block_entry"
	case OpAddColumnEntry:
		return "add_column_entry"
	}
	return fmt.Sprintf("invalid(%d)", uint8(t))
}

// Operation is one catalog mutation.
type Operation interface {
	Type() OpType
	// EncodeKey identifies the entry the operation applies to.
	EncodeKey() string
}

// ColumnDef describes a table column.
type ColumnDef struct {
	Name string            `json:"name"`
	Type datatype.DataType `json:"type"`
}

// AddDBEntryOp creates or drops a database.
type AddDBEntryOp struct {
	CommitTS model.TxnTimeStamp `json:"commit_ts"`
	TxnID    model.TxnID        `json:"txn_id"`
	DBName   string             `json:"db_name"`
	Dir      string             `json:"dir"`
	Deleted  bool               `json:"deleted"`
}

func (*AddDBEntryOp) Type() OpType         { return OpAddDBEntry }
func (o *AddDBEntryOp) EncodeKey() string { return "db/" + o.DBName }

// AddTableEntryOp creates or drops a table, or records that a table was written.
type AddTableEntryOp struct {
	CommitTS      model.TxnTimeStamp `json:"commit_ts"`
	TxnID         model.TxnID        `json:"txn_id"`
	DBName        string             `json:"db_name"`
	TableName     string             `json:"table_name"`
	Dir           string             `json:"dir"`
	Columns       []ColumnDef        `json:"columns,omitempty"`
	BlockCapacity uint32             `json:"block_capacity"`
	SegmentBlocks uint32             `json:"segment_blocks"`
	Deleted       bool               `json:"deleted"`
	// Write marks an operation that only records a data write on an existing table.
	Write bool `json:"write,omitempty"`
}

func (*AddTableEntryOp) Type() OpType { return OpAddTableEntry }
func (o *AddTableEntryOp) EncodeKey() string {
	return "table/" + o.DBName + "/" + o.TableName
}

// AddTableIndexEntryOp creates or drops an index.
type AddTableIndexEntryOp struct {
	CommitTS  model.TxnTimeStamp `json:"commit_ts"`
	TxnID     model.TxnID        `json:"txn_id"`
	DBName    string             `json:"db_name"`
	TableName string             `json:"table_name"`
	IndexName string             `json:"index_name"`
	ColumnID  model.ColumnID     `json:"column_id"`
	Deleted   bool               `json:"deleted"`
}

func (*AddTableIndexEntryOp) Type() OpType { return OpAddTableIndexEntry }
func (o *AddTableIndexEntryOp) EncodeKey() string {
	return "index/" + o.DBName + "/" + o.TableName + "/" + o.IndexName
}

// AddSegmentIndexEntryOp records the index of one segment.
type AddSegmentIndexEntryOp struct {
	CommitTS  model.TxnTimeStamp `json:"commit_ts"`
	DBName    string             `json:"db_name"`
	TableName string             `json:"table_name"`
	IndexName string             `json:"index_name"`
	SegmentID model.SegmentID    `json:"segment_id"`
}

func (*AddSegmentIndexEntryOp) Type() OpType { return OpAddSegmentIndexEntry }
func (o *AddSegmentIndexEntryOp) EncodeKey() string {
	return fmt.Sprintf("segment_index/%s/%s/%s/%d", o.DBName, o.TableName, o.IndexName, o.SegmentID)
}

// AddChunkIndexEntryOp records one index chunk. Keys and Rows are the
// sorted index payload.
type AddChunkIndexEntryOp struct {
	CommitTS    model.TxnTimeStamp `json:"commit_ts"`
	DBName      string             `json:"db_name"`
	TableName   string             `json:"table_name"`
	IndexName   string             `json:"index_name"`
	SegmentID   model.SegmentID    `json:"segment_id"`
	ChunkID     uint32             `json:"chunk_id"`
	BaseRow     uint32             `json:"base_row"`
	RowCount    uint32             `json:"row_count"`
	Keys        []int64            `json:"keys,omitempty"`
	Rows        []uint32           `json:"rows,omitempty"`
	DeprecateTS model.TxnTimeStamp `json:"deprecate_ts,omitempty"`
}

func (*AddChunkIndexEntryOp) Type() OpType { return OpAddChunkIndexEntry }
func (o *AddChunkIndexEntryOp) EncodeKey() string {
	return fmt.Sprintf("chunk_index/%s/%s/%s/%d/%d", o.DBName, o.TableName, o.IndexName, o.SegmentID, o.ChunkID)
}

// AddSegmentEntryOp records a segment's state after the commit.
type AddSegmentEntryOp struct {
	CommitTS    model.TxnTimeStamp `json:"commit_ts"`
	DBName      string             `json:"db_name"`
	TableName   string             `json:"table_name"`
	SegmentID   model.SegmentID    `json:"segment_id"`
	Status      uint8              `json:"status"`
	RowCapacity uint32             `json:"row_capacity"`
	RowCount    uint32             `json:"row_count"`
	// Flushed segments were built and persisted before commit (import, compaction).
	Flushed     bool               `json:"flushed,omitempty"`
	DeprecateTS model.TxnTimeStamp `json:"deprecate_ts,omitempty"`
	Filter      []byte             `json:"filter,omitempty"`
}

func (*AddSegmentEntryOp) Type() OpType { return OpAddSegmentEntry }
func (o *AddSegmentEntryOp) EncodeKey() string {
	return fmt.Sprintf("segment/%s/%s/%d", o.DBName, o.TableName, o.SegmentID)
}

// AddBlockEntryOp records the rows a commit appended to or deleted from a block.
type AddBlockEntryOp struct {
	CommitTS       model.TxnTimeStamp `json:"commit_ts"`
	DBName         string             `json:"db_name"`
	TableName      string             `json:"table_name"`
	SegmentID      model.SegmentID    `json:"segment_id"`
	BlockID        model.BlockID      `json:"block_id"`
	RowCapacity    uint32             `json:"row_capacity"`
	RowCount       uint32             `json:"row_count"`
	AppendStart    uint32             `json:"append_start"`
	AppendCount    uint32             `json:"append_count"`
	DeletedOffsets []uint16           `json:"deleted_offsets,omitempty"`
	Filter         []byte             `json:"filter,omitempty"`
}

func (*AddBlockEntryOp) Type() OpType { return OpAddBlockEntry }
func (o *AddBlockEntryOp) EncodeKey() string {
	return fmt.Sprintf("block/%s/%s/%d/%d", o.DBName, o.TableName, o.SegmentID, o.BlockID)
}

// AddColumnEntryOp records a column file and the bytes appended to it.
type AddColumnEntryOp struct {
	CommitTS  model.TxnTimeStamp `json:"commit_ts"`
	DBName    string             `json:"db_name"`
	TableName string             `json:"table_name"`
	SegmentID model.SegmentID    `json:"segment_id"`
	BlockID   model.BlockID      `json:"block_id"`
	ColumnID  model.ColumnID     `json:"column_id"`
	StartRow  uint32             `json:"start_row"`
	Data      []byte             `json:"data,omitempty"`
}

func (*AddColumnEntryOp) Type() OpType { return OpAddColumnEntry }
func (o *AddColumnEntryOp) EncodeKey() string {
	return fmt.Sprintf("column/%s/%s/%d/%d/%d", o.DBName, o.TableName, o.SegmentID, o.BlockID, o.ColumnID)
}
