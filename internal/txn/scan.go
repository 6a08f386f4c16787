package txn

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

// ScanResult holds the rows a transaction sees in one table.
type ScanResult struct {
	// Block holds the stored rows followed by the Local rows the
	// transaction appended but has not committed.
	Block *vector.DataBlock
	// RowIDs addresses the stored rows, in Block order.
	RowIDs []model.RowID
	Local  int
}

// Scan returns every row of the table visible to the transaction.
func (t *Txn) Scan(dbName, tableName string) (*ScanResult, error) {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return nil, err
	}
	store := t.store.LookupTableStore(table)
	sources := t.visibleRows(table, table.VisibleSegments(t.id, t.beginTS), store)

	stored := 0
	for _, src := range sources {
		stored += int(src.rows.GetCardinality())
	}
	local := 0
	if store != nil {
		local = store.RowCount()
	}

	c := newRowCopier(table, t.mgr.bufMgr, max(stored+local, 1))
	res := &ScanResult{RowIDs: make([]model.RowID, 0, stored), Local: local}
	for _, src := range sources {
		if err := c.copy(src.seg, src.rows); err != nil {
			return nil, err
		}
		for it := src.rows.Iterator(); it.HasNext(); {
			res.RowIDs = append(res.RowIDs, model.RowID{SegmentID: src.seg.ID, SegmentOffset: it.Next()})
		}
	}
	blocks, err := c.finish()
	if err != nil {
		return nil, err
	}
	out := blocks[0]
	if store != nil {
		for _, b := range store.Blocks() {
			if err := out.AppendWith(b, 0, b.RowCount()); err != nil {
				return nil, err
			}
		}
		if err := out.Finalize(); err != nil {
			return nil, err
		}
	}
	res.Block = out
	return res, nil
}

type rowSource struct {
	seg  *catalog.SegmentEntry
	rows *roaring.Bitmap
}

// visibleRows returns the readable rows of segs minus the local deletes.
func (t *Txn) visibleRows(table *catalog.TableEntry, segs []*catalog.SegmentEntry, store *TxnTableStore) []rowSource {
	var out []rowSource
	for _, seg := range segs {
		rows := seg.VisibleRows(t.id, t.beginTS)
		if store != nil {
			for blk, offs := range store.PendingDeletes(seg.ID) {
				for _, o := range offs {
					rows.Remove(uint32(blk)*table.BlockCapacity + uint32(o))
				}
			}
		}
		if rows.IsEmpty() {
			continue
		}
		out = append(out, rowSource{seg: seg, rows: rows})
	}
	return out
}

// rowCopier gathers selected stored rows into data blocks of a fixed capacity.
type rowCopier struct {
	table    *catalog.TableEntry
	bufMgr   *buffer.Manager
	capacity int
	widths   []int
	blocks   []*vector.DataBlock
}

func newRowCopier(table *catalog.TableEntry, bufMgr *buffer.Manager, capacity int) *rowCopier {
	c := &rowCopier{table: table, bufMgr: bufMgr, capacity: capacity}
	for _, dt := range table.Types() {
		w, _ := dt.Size()
		c.widths = append(c.widths, w)
	}
	return c
}

func (c *rowCopier) current() *vector.DataBlock {
	if n := len(c.blocks); n > 0 && c.blocks[n-1].RowCount() < c.capacity {
		return c.blocks[n-1]
	}
	b := vector.NewDataBlock(c.table.Types(), c.capacity)
	c.blocks = append(c.blocks, b)
	return b
}

// copy appends the rows of seg at the offsets in rows, reading each block once.
func (c *rowCopier) copy(seg *catalog.SegmentEntry, rows *roaring.Bitmap) error {
	offsets := rows.ToArray()
	for i := 0; i < len(offsets); {
		blockID := offsets[i] / seg.BlockCapacity
		j := i
		for j < len(offsets) && offsets[j]/seg.BlockCapacity == blockID {
			j++
		}
		blk := seg.Block(model.BlockID(blockID))
		if blk == nil {
			return fmt.Errorf("%w: block %d of segment %d", status.ErrNotFound, blockID, seg.ID)
		}
		cols := make([][]byte, len(c.widths))
		for col := range cols {
			data, err := blk.ReadColumn(c.bufMgr, model.ColumnID(col), 0, blk.RowCount())
			if err != nil {
				return err
			}
			cols[col] = data
		}
		for _, off := range offsets[i:j] {
			dst := c.current()
			local := int(off - blk.StartRow)
			for col, data := range cols {
				w := c.widths[col]
				if err := dst.Column(col).Append(data[local*w : (local+1)*w]); err != nil {
					return err
				}
			}
		}
		i = j
	}
	return nil
}

func (c *rowCopier) finish() ([]*vector.DataBlock, error) {
	if len(c.blocks) == 0 {
		c.current()
	}
	for _, b := range c.blocks {
		if err := b.Finalize(); err != nil {
			return nil, err
		}
	}
	return c.blocks, nil
}

// Compact rewrites every sealed segment of the table, dropping deleted
// rows. It reports whether anything was compacted.
func (t *Txn) Compact(ctx context.Context, dbName, tableName string) (bool, error) {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return false, err
	}
	var sealed []*catalog.SegmentEntry
	for _, seg := range table.VisibleSegments(t.id, t.beginTS) {
		if seg.Status() == catalog.SegmentSealed && seg.CommitTS() <= t.beginTS {
			sealed = append(sealed, seg)
		}
	}
	return t.compact(ctx, table, sealed, catalog.CompactionTable)
}

// CompactPicked compacts the segments the table's compaction policy picks.
func (t *Txn) CompactPicked(ctx context.Context, dbName, tableName string) (bool, error) {
	table, err := t.table(dbName, tableName)
	if err != nil {
		return false, err
	}
	task := t.mgr.cat.PickCompaction(table)
	if task == nil {
		return false, nil
	}
	var segs []*catalog.SegmentEntry
	for _, id := range task.Segments {
		seg := table.Segment(id)
		if seg == nil || !seg.Visible(t.id, t.beginTS) || seg.Status() != catalog.SegmentSealed {
			return false, fmt.Errorf("%w: segment %d changed since it was picked", status.ErrTxnConflict, id)
		}
		segs = append(segs, seg)
	}
	return t.compact(ctx, table, segs, task.Type)
}

func (t *Txn) compact(ctx context.Context, table *catalog.TableEntry, segs []*catalog.SegmentEntry, typ catalog.CompactionType) (bool, error) {
	if store := t.store.LookupTableStore(table); store != nil && store.Compacting() {
		status.Unrecoverable("Attempt to compact table store twice")
	}
	if len(segs) == 0 {
		return false, nil
	}
	store := t.store.GetTxnTableStore(table)
	sources := t.visibleRows(table, segs, store)
	live := make(map[*catalog.SegmentEntry]*roaring.Bitmap, len(sources))
	for _, src := range sources {
		live[src.seg] = src.rows
	}

	// Group old segments so the live rows of each group fit one segment.
	capacity := uint64(table.SegmentRowCapacity())
	var groups [][]*catalog.SegmentEntry
	var rows uint64
	for _, seg := range segs {
		n := uint64(0)
		if bm := live[seg]; bm != nil {
			n = bm.GetCardinality()
		}
		if len(groups) == 0 || rows+n > capacity {
			groups = append(groups, nil)
			rows = 0
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], seg)
		rows += n
	}

	var pairs []catalog.CompactPair
	cleanup := func() {
		for _, p := range pairs {
			if p.New != nil {
				_ = table.RemoveSegment(p.New, t.mgr.bufMgr)
			}
		}
	}
	moves := make(map[model.SegmentID]rowMove)
	for _, group := range groups {
		c := newRowCopier(table, t.mgr.bufMgr, int(table.BlockCapacity))
		var base uint32
		for _, seg := range group {
			bm := live[seg]
			moves[seg.ID] = rowMove{base: base, rows: bm}
			if bm != nil {
				if err := c.copy(seg, bm); err != nil {
					cleanup()
					return false, err
				}
				base += uint32(bm.GetCardinality())
			}
		}
		pair := catalog.CompactPair{Old: group}
		if len(c.blocks) > 0 {
			blocks, err := c.finish()
			if err != nil {
				cleanup()
				return false, err
			}
			seg, err := table.BuildSegment(ctx, t.id, t.beginTS, blocks, t.mgr.bufMgr)
			if err != nil {
				cleanup()
				return false, err
			}
			pair.New = seg
			for _, old := range group {
				m := moves[old.ID]
				m.to = seg.ID
				moves[old.ID] = m
			}
		}
		pairs = append(pairs, pair)
	}
	if err := store.Compact(pairs, typ); err != nil {
		cleanup()
		return false, err
	}
	store.compact.moves = moves
	return true, nil
}
