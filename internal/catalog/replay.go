package catalog

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/delta"
	"github.com/hupe1980/colstore/internal/filter"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/model"
)

// ReplayDelta applies a committed delta entry recovered from the log.
// Entries at or below MaxCommitTS are already reflected and are skipped.
func (c *Catalog) ReplayDelta(e *delta.CatalogDeltaEntry, bufMgr *buffer.Manager) error {
	c.ObserveTxnID(e.TxnID)
	if e.CommitTS <= c.MaxCommitTS() {
		return nil
	}
	for _, op := range e.Operations() {
		if err := c.replayOp(op, e.TxnID, bufMgr); err != nil {
			return fmt.Errorf("replay %s at %d: %w", op.EncodeKey(), e.CommitTS, err)
		}
	}
	c.AdvanceCommitTS(e.CommitTS)
	return nil
}

func (c *Catalog) replayOp(op delta.Operation, txnID model.TxnID, bufMgr *buffer.Manager) error {
	switch op := op.(type) {
	case *delta.AddDBEntryOp:
		return c.replayDB(op)
	case *delta.AddTableEntryOp:
		return c.replayTable(op)
	case *delta.AddTableIndexEntryOp:
		return c.replayIndex(op)
	case *delta.AddSegmentIndexEntryOp:
		idx, err := c.committedIndex(op.DBName, op.TableName, op.IndexName)
		if err != nil {
			return err
		}
		si, _ := idx.SegmentIndex(op.SegmentID, true)
		si.CommitSegmentIndex(op.CommitTS)
		return nil
	case *delta.AddChunkIndexEntryOp:
		return c.replayChunk(op)
	case *delta.AddSegmentEntryOp:
		return c.replaySegment(op, txnID)
	case *delta.AddBlockEntryOp:
		return c.replayBlock(op, bufMgr)
	case *delta.AddColumnEntryOp:
		return c.replayColumn(op, bufMgr)
	}
	return fmt.Errorf("%w: %T", delta.ErrUnknownOp, op)
}

func (c *Catalog) replayDB(op *delta.AddDBEntryOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	chain := c.dbs[op.DBName]
	if len(chain) > 0 && chain[0].Dir == op.Dir && chain[0].Deleted() == op.Deleted {
		return nil
	}
	db := newDBEntry(c, op.DBName, op.TxnID, op.CommitTS, op.Deleted)
	db.Dir = op.Dir
	db.seq = c.nextSeq()
	db.Commit(op.CommitTS)
	c.dbs[op.DBName] = append([]*DBEntry{db}, chain...)
	return nil
}

func (c *Catalog) committedDB(name string) (*DBEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := chainLatest(c.dbs[name], model.InvalidTxnID)
	if !ok || db.Deleted() {
		return nil, fmt.Errorf("%w: database %s", status.ErrNotFound, name)
	}
	return db, nil
}

func (c *Catalog) committedTable(dbName, tableName string) (*TableEntry, error) {
	db, err := c.committedDB(dbName)
	if err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := chainLatest(db.tables[tableName], model.InvalidTxnID)
	if !ok || t.Deleted() {
		return nil, fmt.Errorf("%w: table %s.%s", status.ErrNotFound, dbName, tableName)
	}
	return t, nil
}

func (c *Catalog) committedIndex(dbName, tableName, indexName string) (*TableIndexEntry, error) {
	t, err := c.committedTable(dbName, tableName)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := chainLatest(t.indexes[indexName], model.InvalidTxnID)
	if !ok || idx.Deleted() {
		return nil, fmt.Errorf("%w: index %s on %s", status.ErrNotFound, indexName, tableName)
	}
	return idx, nil
}

func (c *Catalog) replayTable(op *delta.AddTableEntryOp) error {
	db, err := c.committedDB(op.DBName)
	if err != nil {
		return err
	}
	if op.Write {
		t, err := c.committedTable(op.DBName, op.TableName)
		if err != nil {
			return err
		}
		t.setLastWrite(op.CommitTS)
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	chain := db.tables[op.TableName]
	if len(chain) > 0 && chain[0].Dir == op.Dir && chain[0].Deleted() == op.Deleted {
		return nil
	}
	t := newTableEntry(db, op.TableName, op.Columns, op.BlockCapacity, op.SegmentBlocks, op.TxnID, op.CommitTS, op.Deleted)
	t.Dir = op.Dir
	t.seq = c.nextSeq()
	t.Commit(op.CommitTS)
	db.tables[op.TableName] = append([]*TableEntry{t}, chain...)
	return nil
}

func (c *Catalog) replayIndex(op *delta.AddTableIndexEntryOp) error {
	t, err := c.committedTable(op.DBName, op.TableName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	chain := t.indexes[op.IndexName]
	if len(chain) > 0 && chain[0].Deleted() == op.Deleted && chain[0].CommitTS() == op.CommitTS {
		return nil
	}
	idx := newTableIndexEntry(t, op.IndexName, op.ColumnID, op.TxnID, op.CommitTS, op.Deleted)
	idx.seq = c.nextSeq()
	idx.Commit(op.CommitTS)
	t.indexes[op.IndexName] = append([]*TableIndexEntry{idx}, chain...)
	return nil
}

func (c *Catalog) replayChunk(op *delta.AddChunkIndexEntryOp) error {
	idx, err := c.committedIndex(op.DBName, op.TableName, op.IndexName)
	if err != nil {
		return err
	}
	si, _ := idx.SegmentIndex(op.SegmentID, true)
	si.mu.Lock()
	defer si.mu.Unlock()
	for _, ch := range si.chunks {
		if ch.ID == op.ChunkID {
			if op.DeprecateTS != 0 {
				ch.deprecateTS.Store(uint64(op.DeprecateTS))
			}
			return nil
		}
	}
	if len(op.Keys) != len(op.Rows) {
		return fmt.Errorf("%w: chunk %d has %d keys and %d rows", status.ErrDataIO, op.ChunkID, len(op.Keys), len(op.Rows))
	}
	ch := &ChunkIndexEntry{
		ID:       op.ChunkID,
		BaseRow:  op.BaseRow,
		RowCount: op.RowCount,
		rows:     roaring.BitmapOf(op.Rows...),
		keys:     op.Keys,
		offs:     op.Rows,
	}
	ch.commitTS.Store(uint64(op.CommitTS))
	ch.deprecateTS.Store(uint64(op.DeprecateTS))
	si.chunks = append(si.chunks, ch)
	si.nextChunkID = max(si.nextChunkID, op.ChunkID+1)
	return nil
}

func (c *Catalog) replaySegment(op *delta.AddSegmentEntryOp, txnID model.TxnID) error {
	t, err := c.committedTable(op.DBName, op.TableName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	seg := t.segments[op.SegmentID]
	if seg == nil {
		seg = newSegmentEntry(t, op.SegmentID, txnID, op.CommitTS, op.Flushed)
		t.segments[seg.ID] = seg
		t.nextSegmentID = max(t.nextSegmentID, op.SegmentID+1)
		if op.Flushed {
			if err := seg.restoreFlushed(op.RowCount, op.CommitTS); err != nil {
				return err
			}
		}
	}
	if len(op.Filter) > 0 {
		f, err := filter.Deserialize(op.Filter)
		if err != nil {
			return err
		}
		seg.rw.Lock()
		seg.filter = f
		seg.rw.Unlock()
	}

	switch SegmentStatus(op.Status) {
	case SegmentOpen:
		t.unsealed = seg
	case SegmentSealed:
		seg.status.Store(uint32(SegmentSealed))
		if t.unsealed == seg {
			t.unsealed = nil
		}
	case SegmentDeprecated:
		seg.status.Store(uint32(SegmentDeprecated))
		seg.deprecateTS.Store(uint64(op.DeprecateTS))
		t.compaction.removeSegment(seg.ID)
	}
	return nil
}

// restoreFlushed rebuilds the blocks of a segment persisted before its
// commit. Column files are bound lazily.
func (s *SegmentEntry) restoreFlushed(rowCount uint32, commitTS model.TxnTimeStamp) error {
	s.rw.Lock()
	defer s.rw.Unlock()
	for start := uint32(0); start < rowCount; start += s.BlockCapacity {
		b := newBlockEntry(s, model.BlockID(start/s.BlockCapacity), s.txnID, s.beginTS)
		b.rowCount.Store(min(s.BlockCapacity, rowCount-start))
		for i, def := range s.table.Columns {
			b.columns = append(b.columns, columnFromRecord(columnRecord{
				ColumnType:  def.Type,
				BaseDir:     b.Dir,
				FileName:    columnFileName(model.ColumnID(i)),
				ColumnID:    model.ColumnID(i),
				RowCapacity: b.RowCapacity,
				BeginTS:     s.beginTS,
				CommitTS:    commitTS,
				TxnID:       s.txnID,
			}))
			b.columns[i].flushed = true
		}
		b.Commit(commitTS)
		s.blocks = append(s.blocks, b)
	}
	s.currentRow = rowCount
	s.version.Append(0, rowCount, model.InvalidTxnID, commitTS)
	s.commitTS.Store(uint64(commitTS))
	s.status.Store(uint32(SegmentSealed))
	s.filesFlushed.Store(true)
	return nil
}

func (c *Catalog) replayBlock(op *delta.AddBlockEntryOp, bufMgr *buffer.Manager) error {
	t, err := c.committedTable(op.DBName, op.TableName)
	if err != nil {
		return err
	}
	seg := t.Segment(op.SegmentID)
	if seg == nil {
		return fmt.Errorf("%w: segment %d of %s", status.ErrNotFound, op.SegmentID, op.TableName)
	}
	seg.rw.Lock()
	defer seg.rw.Unlock()

	var blk *BlockEntry
	if int(op.BlockID) < len(seg.blocks) {
		blk = seg.blocks[op.BlockID]
	} else {
		blk, err = seg.blockForAppendLocked(op.BlockID, model.InvalidTxnID, bufMgr)
		if err != nil {
			return err
		}
	}
	if op.AppendCount > 0 {
		start := blk.StartRow + op.AppendStart
		seg.version.Append(start, op.AppendCount, model.InvalidTxnID, op.CommitTS)
		if end := op.AppendStart + op.AppendCount; end > blk.RowCount() {
			blk.rowCount.Store(end)
		}
		seg.currentRow = max(seg.currentRow, start+op.AppendCount)
	}
	n := uint32(0)
	for _, off := range op.DeletedOffsets {
		if seg.version.Delete(blk.StartRow+uint32(off), op.CommitTS) == 0 {
			n++
		}
	}
	seg.deleteCount.Add(n)
	if len(op.Filter) > 0 {
		f, err := filter.Deserialize(op.Filter)
		if err != nil {
			return err
		}
		blk.filter = f
	}
	blk.Commit(op.CommitTS)
	return nil
}

func (c *Catalog) replayColumn(op *delta.AddColumnEntryOp, bufMgr *buffer.Manager) error {
	if len(op.Data) == 0 {
		return nil
	}
	t, err := c.committedTable(op.DBName, op.TableName)
	if err != nil {
		return err
	}
	seg := t.Segment(op.SegmentID)
	if seg == nil {
		return fmt.Errorf("%w: segment %d of %s", status.ErrNotFound, op.SegmentID, op.TableName)
	}
	blk := seg.Block(op.BlockID)
	if blk == nil || int(op.ColumnID) >= len(blk.columns) {
		return fmt.Errorf("%w: column %d of block %d/%d", status.ErrNotFound, op.ColumnID, op.SegmentID, op.BlockID)
	}
	return blk.columns[op.ColumnID].writeRange(bufMgr, op.StartRow, op.Data)
}
