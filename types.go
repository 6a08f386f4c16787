package colstore

import (
	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/delta"
	"github.com/hupe1980/colstore/internal/fs"
	"github.com/hupe1980/colstore/internal/resource"
	"github.com/hupe1980/colstore/internal/txn"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/internal/wal"
	"github.com/hupe1980/colstore/model"
)

type (
	// ColumnDef describes a table column.
	ColumnDef = delta.ColumnDef
	// DataType is a column type.
	DataType = datatype.DataType
	// LogicalType enumerates column types.
	LogicalType = datatype.LogicalType
	// DataBlock is a batch of rows in columnar layout.
	DataBlock = vector.DataBlock
	// ScanResult holds the rows a transaction sees in one table.
	ScanResult = txn.ScanResult

	// RowID is the physical address of a stored row.
	RowID = model.RowID
	// TxnID identifies a transaction.
	TxnID = model.TxnID
	// TxnTimeStamp is a logical commit timestamp.
	TxnTimeStamp = model.TxnTimeStamp
	// ColumnID is the position of a column in its table.
	ColumnID = model.ColumnID

	// FileSystem abstracts the file operations of the data directory.
	FileSystem = fs.FileSystem
	// ResourceConfig holds memory, background and IO limits.
	ResourceConfig = resource.Config
	// ResourceController enforces a ResourceConfig. It may be shared by
	// several engines.
	ResourceController = resource.Controller
	// Durability selects when a commit reaches stable storage.
	Durability = wal.Durability
)

// Column types with a fixed width. Variable-width types are rejected with
// ErrNotImplemented.
const (
	Boolean   = datatype.Boolean
	TinyInt   = datatype.TinyInt
	SmallInt  = datatype.SmallInt
	Integer   = datatype.Integer
	BigInt    = datatype.BigInt
	Float     = datatype.Float
	Double    = datatype.Double
	Date      = datatype.Date
	Time      = datatype.Time
	DateTime  = datatype.DateTime
	Timestamp = datatype.Timestamp
	Uuid      = datatype.Uuid
)

const (
	// DurabilityAsync leaves flushing the delta log to the OS.
	DurabilityAsync = wal.DurabilityAsync
	// DurabilitySync fsyncs the delta log before a commit returns.
	DurabilitySync = wal.DurabilitySync
)

// Column returns a column definition of a parameterless type.
func Column(name string, t LogicalType) ColumnDef {
	return ColumnDef{Name: name, Type: datatype.New(t)}
}

// NewDataBlock creates an empty block for rows of the given column types.
func NewDataBlock(types []DataType, capacity int) *DataBlock {
	return vector.NewDataBlock(types, capacity)
}

// NewResourceController creates a controller enforcing cfg.
func NewResourceController(cfg ResourceConfig) *ResourceController {
	return resource.NewController(cfg)
}
