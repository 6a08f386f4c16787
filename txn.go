package colstore

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/txn"
)

// Txn is a snapshot-isolated transaction. It sees the changes committed
// before it began plus its own. A Txn is not safe for concurrent use.
type Txn struct {
	e      *Engine
	t      *txn.Txn
	logger *Logger
	start  time.Time
}

// ID returns the transaction id.
func (t *Txn) ID() TxnID { return t.t.ID() }

// BeginTS returns the snapshot timestamp.
func (t *Txn) BeginTS() TxnTimeStamp { return t.t.BeginTS() }

// CommitTS returns the commit timestamp once committed.
func (t *Txn) CommitTS() TxnTimeStamp { return t.t.CommitTS() }

// guard turns a broken storage invariant inside fn into an
// *UnrecoverableError.
func guard(fn func() error) (err error) {
	defer status.Recover(&err)
	return fn()
}

// CreateDatabase creates a database.
func (t *Txn) CreateDatabase(name string) error {
	return guard(func() error { return t.t.CreateDatabase(name) })
}

// DropDatabase drops a database and every table in it.
func (t *Txn) DropDatabase(name string) error {
	return guard(func() error { return t.t.DropDatabase(name) })
}

// CreateTable creates a table with the engine's default block layout.
func (t *Txn) CreateTable(dbName, tableName string, columns []ColumnDef) error {
	return t.CreateTableWithLayout(dbName, tableName, columns, 0, 0)
}

// CreateTableWithLayout creates a table with blockCapacity rows per block
// and segmentBlocks blocks per segment. Zero selects the engine default.
func (t *Txn) CreateTableWithLayout(dbName, tableName string, columns []ColumnDef, blockCapacity, segmentBlocks uint32) error {
	return guard(func() error {
		return t.t.CreateTable(dbName, tableName, columns, blockCapacity, segmentBlocks)
	})
}

// DropTable drops a table.
func (t *Txn) DropTable(dbName, tableName string) error {
	return guard(func() error { return t.t.DropTable(dbName, tableName) })
}

// Append buffers the rows of block. They are written at commit.
func (t *Txn) Append(dbName, tableName string, block *DataBlock) error {
	return guard(func() error { return t.t.Append(dbName, tableName, block) })
}

// Import writes blocks straight to new segments that become visible at
// commit. Use it for bulk loads.
func (t *Txn) Import(ctx context.Context, dbName, tableName string, blocks []*DataBlock) error {
	return guard(func() error { return t.t.Import(ctx, dbName, tableName, blocks) })
}

// Delete marks stored rows deleted at commit.
func (t *Txn) Delete(dbName, tableName string, rows []RowID) error {
	return guard(func() error { return t.t.Delete(dbName, tableName, rows) })
}

// CreateIndex creates a secondary index over an integer column.
func (t *Txn) CreateIndex(dbName, tableName, indexName string, column ColumnID) error {
	return guard(func() error { return t.t.CreateIndex(dbName, tableName, indexName, column) })
}

// DropIndex drops an index.
func (t *Txn) DropIndex(dbName, tableName, indexName string) error {
	return guard(func() error { return t.t.DropIndex(dbName, tableName, indexName) })
}

// OptimizeIndex merges the chunks of an index at commit.
func (t *Txn) OptimizeIndex(dbName, tableName, indexName string) error {
	return guard(func() error { return t.t.OptimizeIndex(dbName, tableName, indexName) })
}

// IndexLookup returns the visible rows whose key lies in [lo, hi].
func (t *Txn) IndexLookup(dbName, tableName, indexName string, lo, hi int64) (rows []RowID, err error) {
	err = guard(func() error {
		rows, err = t.t.IndexLookup(dbName, tableName, indexName, lo, hi)
		return err
	})
	return rows, err
}

// Scan returns every row of the table visible to the transaction.
func (t *Txn) Scan(dbName, tableName string) (res *ScanResult, err error) {
	err = guard(func() error {
		res, err = t.t.Scan(dbName, tableName)
		return err
	})
	return res, err
}

// Compact rewrites every sealed segment of the table without its deleted
// rows. The new segments replace the old ones at commit.
func (t *Txn) Compact(ctx context.Context, dbName, tableName string) (compacted bool, err error) {
	err = guard(func() error {
		compacted, err = t.t.Compact(ctx, dbName, tableName)
		return err
	})
	return compacted, err
}

// CompactPicked compacts the segments the table's compaction policy picks.
func (t *Txn) CompactPicked(ctx context.Context, dbName, tableName string) (compacted bool, err error) {
	err = guard(func() error {
		compacted, err = t.t.CompactPicked(ctx, dbName, tableName)
		return err
	})
	return compacted, err
}

// Commit makes the changes visible and durable. On ErrTxnConflict the
// transaction is rolled back.
func (t *Txn) Commit(ctx context.Context) error {
	err := guard(func() error { return t.t.Commit(ctx) })
	if errors.Is(err, ErrTxnClosed) {
		return err
	}
	t.e.metrics.OnCommit(time.Since(t.start), err)
	if errors.Is(err, ErrTxnConflict) {
		t.e.metrics.OnConflict()
	}
	t.logger.LogCommit(ctx, t.ID(), t.CommitTS(), err)
	return err
}

// Rollback discards every change of the transaction.
func (t *Txn) Rollback() error {
	err := guard(t.t.Rollback)
	if errors.Is(err, ErrTxnClosed) {
		return err
	}
	t.e.metrics.OnRollback()
	t.logger.LogRollback(context.Background(), t.ID(), err)
	return err
}
