package txn

import (
	"context"
	"fmt"
	"slices"

	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

// TxnState is the lifecycle state of a transaction.
type TxnState uint8

const (
	TxnActive TxnState = iota
	TxnCommitting
	TxnCommitted
	TxnRolledBack
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnCommitting:
		return "committing"
	case TxnCommitted:
		return "committed"
	case TxnRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("txn_state(%d)", uint8(s))
}

// Txn is a snapshot-isolated transaction. A Txn is not safe for concurrent use.
type Txn struct {
	mgr      *TxnManager
	id       model.TxnID
	beginTS  model.TxnTimeStamp
	commitTS model.TxnTimeStamp
	state    TxnState
	store    *TxnStore
}

// ID returns the transaction id.
func (t *Txn) ID() model.TxnID { return t.id }

// BeginTS returns the snapshot timestamp.
func (t *Txn) BeginTS() model.TxnTimeStamp { return t.beginTS }

// CommitTS returns the commit timestamp once committed.
func (t *Txn) CommitTS() model.TxnTimeStamp { return t.commitTS }

// State returns the lifecycle state.
func (t *Txn) State() TxnState { return t.state }

// Store returns the local store.
func (t *Txn) Store() *TxnStore { return t.store }

func (t *Txn) checkActive() error {
	if t.state != TxnActive {
		return ErrTxnClosed
	}
	return nil
}

func (t *Txn) table(dbName, tableName string) (*catalog.TableEntry, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	return t.mgr.cat.GetTable(dbName, tableName, t.id, t.beginTS)
}

// CreateDatabase creates a database visible to other transactions after commit.
func (t *Txn) CreateDatabase(name string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	db, err := t.mgr.cat.CreateDatabase(name, t.id, t.beginTS)
	if err != nil {
		return err
	}
	t.store.AddDBStore(db)
	return nil
}

// DropDatabase drops a database and every table in it.
func (t *Txn) DropDatabase(name string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	db, err := t.mgr.cat.DropDatabase(name, t.id, t.beginTS)
	if err != nil {
		return err
	}
	return t.store.DropDBStore(db)
}

// CreateTable creates a table. Zero capacities select the manager defaults.
func (t *Txn) CreateTable(dbName, tableName string, columns []catalog.ColumnDef, blockCapacity, segmentBlocks uint32) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if blockCapacity == 0 {
		blockCapacity = t.mgr.opts.BlockCapacity
	}
	if segmentBlocks == 0 {
		segmentBlocks = t.mgr.opts.SegmentBlocks
	}
	table, err := t.mgr.cat.CreateTable(dbName, tableName, columns, blockCapacity, segmentBlocks, t.id, t.beginTS)
	if err != nil {
		return err
	}
	t.store.AddTableStore(table)
	return nil
}

// DropTable drops a table.
func (t *Txn) DropTable(dbName, tableName string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	table, err := t.mgr.cat.DropTable(dbName, tableName, t.id, t.beginTS)
	if err != nil {
		return err
	}
	return t.store.DropTableStore(table)
}

// Append buffers the rows of block for insertion at commit.
func (t *Txn) Append(dbName, tableName string, block *vector.DataBlock) error {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return err
	}
	return t.store.GetTxnTableStore(table).Append(block)
}

// Import writes blocks straight into new flushed segments that become
// visible at commit.
func (t *Txn) Import(ctx context.Context, dbName, tableName string, blocks []*vector.DataBlock) error {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := table.CheckSchema(b); err != nil {
			return err
		}
	}
	split, err := splitBlocks(table, blocks)
	if err != nil {
		return err
	}
	store := t.store.GetTxnTableStore(table)
	per := int(table.SegmentBlocks)
	var built []*catalog.SegmentEntry
	for from := 0; from < len(split); from += per {
		seg, err := table.BuildSegment(ctx, t.id, t.beginTS, split[from:min(from+per, len(split))], t.mgr.bufMgr)
		if err == nil {
			err = store.Import(seg)
		}
		if err != nil {
			for _, s := range built {
				_ = table.RemoveSegment(s, t.mgr.bufMgr)
			}
			if seg != nil {
				_ = table.RemoveSegment(seg, t.mgr.bufMgr)
			}
			return err
		}
		built = append(built, seg)
	}
	return nil
}

// splitBlocks copies blocks into blocks of the table's block capacity.
func splitBlocks(table *catalog.TableEntry, blocks []*vector.DataBlock) ([]*vector.DataBlock, error) {
	capacity := int(table.BlockCapacity)
	var out []*vector.DataBlock
	for _, b := range blocks {
		for from, rows := 0, b.RowCount(); from < rows; {
			if len(out) == 0 || out[len(out)-1].RowCount() == capacity {
				out = append(out, vector.NewDataBlock(table.Types(), capacity))
			}
			last := out[len(out)-1]
			n := min(rows-from, capacity-last.RowCount())
			if err := last.AppendWith(b, from, n); err != nil {
				return nil, err
			}
			from += n
		}
	}
	for _, b := range out {
		if err := b.Finalize(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete marks rows deleted at commit. Every row must be visible. Rows of
// segments this transaction compacted are deleted from their copies.
func (t *Txn) Delete(dbName, tableName string, rows []model.RowID) error {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return err
	}
	store := t.store.LookupTableStore(table)
	rows = slices.Clone(rows)
	for i, r := range rows {
		if store != nil {
			if to, moved, ok := store.compact.relocate(r); moved {
				if !ok {
					return fmt.Errorf("%w: row %s of %s", status.ErrNotFound, r, tableName)
				}
				rows[i] = to
				continue
			}
		}
		seg := table.Segment(r.SegmentID)
		if seg == nil || !seg.Visible(t.id, t.beginTS) || r.SegmentOffset >= seg.RowCount() ||
			!seg.Version().Visible(r.SegmentOffset, t.id, t.beginTS) {
			return fmt.Errorf("%w: row %s of %s", status.ErrNotFound, r, tableName)
		}
	}
	return t.store.GetTxnTableStore(table).Delete(rows)
}

// CreateIndex creates a secondary index over an integer column and builds
// it over the rows already stored. Rows this transaction appends are
// indexed at commit.
func (t *Txn) CreateIndex(dbName, tableName, indexName string, columnID model.ColumnID) error {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return err
	}
	idx, err := t.mgr.cat.CreateIndex(table, indexName, columnID, t.id, t.beginTS)
	if err != nil {
		return err
	}
	store := t.store.GetTxnTableStore(table)
	is := store.AddIndexStore(idx)
	for _, seg := range table.VisibleSegments(t.id, t.beginTS) {
		// Own imported segments are indexed at commit like appends.
		if seg.Flushed() && seg.CommitTS() == model.UncommittedTS {
			continue
		}
		rows := seg.RowCount()
		if rows == 0 {
			continue
		}
		chunk, err := catalog.NewChunkIndexEntry(seg, columnID, 0, rows, t.mgr.bufMgr)
		if err != nil {
			is.Rollback()
			t.mgr.cat.RemoveIndexEntry(idx)
			store.DropIndexStore(idx)
			return err
		}
		si, created := idx.SegmentIndex(seg.ID, true)
		si.AddChunk(chunk)
		is.AddSegmentIndexesStore(si, created)
		is.AddChunkIndexStore(si, chunk)
	}
	return nil
}

// DropIndex drops an index.
func (t *Txn) DropIndex(dbName, tableName, indexName string) error {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return err
	}
	idx, err := t.mgr.cat.DropIndex(table, indexName, t.id, t.beginTS)
	if err != nil {
		return err
	}
	store := t.store.GetTxnTableStore(table)
	if !idx.Deleted() {
		store.DropIndexStore(idx)
		return nil
	}
	store.AddIndexStore(idx)
	return nil
}

// OptimizeIndex merges the live chunks of every segment index of the named
// index into one chunk at commit.
func (t *Txn) OptimizeIndex(dbName, tableName, indexName string) error {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return err
	}
	idx, err := table.Index(indexName, t.id, t.beginTS)
	if err != nil {
		return err
	}
	var is *TxnIndexStore
	for _, si := range idx.SegmentIndexes() {
		var live []*catalog.ChunkIndexEntry
		for _, c := range si.Chunks() {
			if c.Committed() && c.CommitTS() <= t.beginTS && c.DeprecateTS() == 0 {
				live = append(live, c)
			}
		}
		if len(live) < 2 {
			continue
		}
		if is == nil {
			is = t.store.GetTxnTableStore(table).AddIndexStore(idx)
		}
		is.AddOptimize(si, catalog.MergeChunks(live), live)
	}
	return nil
}

// IndexLookup returns the visible rows whose indexed key lies in [lo, hi].
// Rows appended by this transaction are not indexed before commit.
func (t *Txn) IndexLookup(dbName, tableName, indexName string, lo, hi int64) ([]model.RowID, error) {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return nil, err
	}
	idx, err := table.Index(indexName, t.id, t.beginTS)
	if err != nil {
		return nil, err
	}
	rows := idx.Lookup(lo, hi, t.id, t.beginTS)
	store := t.store.LookupTableStore(table)
	if store == nil {
		return rows, nil
	}
	out := rows[:0]
	for _, r := range rows {
		if !pendingDelete(store, table, r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func pendingDelete(store *TxnTableStore, table *catalog.TableEntry, r model.RowID) bool {
	blockID, off := r.Block(table.BlockCapacity)
	for _, o := range store.PendingDeletes(r.SegmentID)[blockID] {
		if o == off {
			return true
		}
	}
	return false
}

// Commit runs the commit pipeline. On ErrTxnConflict the transaction is
// rolled back.
func (t *Txn) Commit(ctx context.Context) error {
	return t.mgr.commit(ctx, t)
}

// Rollback discards every change of the transaction.
func (t *Txn) Rollback() error {
	return t.mgr.rollback(t)
}
