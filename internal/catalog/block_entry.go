package catalog

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/filter"
	"github.com/hupe1980/colstore/model"
)

// BlockEntry is a fixed-capacity run of rows inside a segment.
type BlockEntry struct {
	segment *SegmentEntry
	ID      model.BlockID
	Dir     string
	// StartRow is the segment offset of the block's first row.
	StartRow    uint32
	RowCapacity uint32

	txnID   model.TxnID
	beginTS model.TxnTimeStamp

	rowCount    atomic.Uint32
	minCommitTS atomic.Uint64
	maxCommitTS atomic.Uint64
	// checkpointRows is the row count last persisted by checkpoint.
	checkpointRows atomic.Uint32

	columns []*ColumnDataEntry
	filter  *filter.FastRoughFilter
}

func blockDir(segDir string, id model.BlockID) string {
	return filepath.Join(segDir, fmt.Sprintf("blk_%d", id))
}

func newBlockEntry(seg *SegmentEntry, id model.BlockID, txnID model.TxnID, beginTS model.TxnTimeStamp) *BlockEntry {
	return &BlockEntry{
		segment:     seg,
		ID:          id,
		Dir:         blockDir(seg.Dir, id),
		StartRow:    uint32(id) * seg.BlockCapacity,
		RowCapacity: seg.BlockCapacity,
		txnID:       txnID,
		beginTS:     beginTS,
	}
}

// makeColumns allocates one column entry per table column.
func (b *BlockEntry) makeColumns(columns []ColumnDef, bufMgr *buffer.Manager) error {
	b.columns = make([]*ColumnDataEntry, len(columns))
	for i, def := range columns {
		c, err := MakeNewColumnDataEntry(b, model.ColumnID(i), b.RowCapacity, def.Type, bufMgr)
		if err != nil {
			for _, made := range b.columns[:i] {
				_ = made.remove(bufMgr)
			}
			return err
		}
		b.columns[i] = c
	}
	return nil
}

// Segment returns the owning segment.
func (b *BlockEntry) Segment() *SegmentEntry { return b.segment }

// RowCount returns the number of rows written to the block.
func (b *BlockEntry) RowCount() uint32 { return b.rowCount.Load() }

// Column returns the entry of column id.
func (b *BlockEntry) Column(id model.ColumnID) *ColumnDataEntry { return b.columns[id] }

// Columns returns all column entries.
func (b *BlockEntry) Columns() []*ColumnDataEntry { return b.columns }

// Filter returns the block's fast rough filter, nil until the segment is sealed.
func (b *BlockEntry) Filter() *filter.FastRoughFilter { return b.filter }

// MinCommitTS and MaxCommitTS bound the commits that wrote to the block.
func (b *BlockEntry) MinCommitTS() model.TxnTimeStamp {
	return model.TxnTimeStamp(b.minCommitTS.Load())
}

func (b *BlockEntry) MaxCommitTS() model.TxnTimeStamp {
	return model.TxnTimeStamp(b.maxCommitTS.Load())
}

// Commit records a commit that wrote to the block.
func (b *BlockEntry) Commit(commitTS model.TxnTimeStamp) {
	b.minCommitTS.CompareAndSwap(0, uint64(commitTS))
	if uint64(commitTS) > b.maxCommitTS.Load() {
		b.maxCommitTS.Store(uint64(commitTS))
	}
	for _, c := range b.columns {
		if !c.committed() {
			c.Commit(commitTS)
		}
	}
}

// ReadColumn returns a copy of count values of column id from block offset start.
func (b *BlockEntry) ReadColumn(bufMgr *buffer.Manager, id model.ColumnID, start, count uint32) ([]byte, error) {
	return b.columns[id].readRange(bufMgr, start, count)
}

func (b *BlockEntry) columnData(bufMgr *buffer.Manager) ([]filter.ColumnData, error) {
	out := make([]filter.ColumnData, len(b.columns))
	for i, c := range b.columns {
		data, err := c.readRange(bufMgr, 0, b.RowCount())
		if err != nil {
			return nil, err
		}
		out[i] = filter.ColumnData{Type: c.Type, Data: data}
	}
	return out, nil
}

// flush persists every column once the block is final.
func (b *BlockEntry) flush() error {
	for _, c := range b.columns {
		if c.Flushed() {
			continue
		}
		if err := c.Flush(b.RowCount()); err != nil {
			return fmt.Errorf("flush %s/%s: %w", b.Dir, c.FileName, err)
		}
	}
	return nil
}

// checkpoint persists every column of an open block.
func (b *BlockEntry) checkpoint() error {
	rows := b.RowCount()
	if rows == b.checkpointRows.Load() {
		return nil
	}
	for _, c := range b.columns {
		if err := c.Checkpoint(rows); err != nil {
			return fmt.Errorf("checkpoint %s/%s: %w", b.Dir, c.FileName, err)
		}
	}
	b.checkpointRows.Store(rows)
	return nil
}

func (b *BlockEntry) remove(bufMgr *buffer.Manager) error {
	var first error
	for _, c := range b.columns {
		if err := c.remove(bufMgr); err != nil && first == nil {
			first = err
		}
	}
	return first
}
