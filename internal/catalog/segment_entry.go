package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/filter"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

// SegmentStatus is the lifecycle state of a segment.
type SegmentStatus uint32

const (
	SegmentOpen SegmentStatus = iota
	SegmentSealed
	SegmentCompacting
	SegmentDeprecated
)

func (s SegmentStatus) String() string {
	switch s {
	case SegmentOpen:
		return "open"
	case SegmentSealed:
		return "sealed"
	case SegmentCompacting:
		return "compacting"
	case SegmentDeprecated:
		return "deprecated"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// SegmentEntry is a fixed-capacity container of blocks.
type SegmentEntry struct {
	table         *TableEntry
	ID            model.SegmentID
	Dir           string
	RowCapacity   uint32
	BlockCapacity uint32

	txnID   model.TxnID
	beginTS model.TxnTimeStamp
	// Flushed segments were built and persisted by one transaction (import,
	// compaction) and become visible as a whole at commitTS.
	flushed bool

	status      atomic.Uint32
	commitTS    atomic.Uint64
	deprecateTS atomic.Uint64
	deleteCount atomic.Uint32
	// filesFlushed is set once every column reached its data file.
	filesFlushed atomic.Bool

	// rw guards blocks, currentRow and filter.
	rw         sync.RWMutex
	blocks     []*BlockEntry
	currentRow uint32
	filter     *filter.FastRoughFilter

	version *SegmentVersion
}

func segmentDir(tableDir string, id model.SegmentID) string {
	return filepath.Join(tableDir, fmt.Sprintf("seg_%d", id))
}

func newSegmentEntry(t *TableEntry, id model.SegmentID, txnID model.TxnID, beginTS model.TxnTimeStamp, flushed bool) *SegmentEntry {
	s := &SegmentEntry{
		table:         t,
		ID:            id,
		Dir:           segmentDir(t.Dir, id),
		RowCapacity:   t.BlockCapacity * t.SegmentBlocks,
		BlockCapacity: t.BlockCapacity,
		txnID:         txnID,
		beginTS:       beginTS,
		flushed:       flushed,
		blocks:        make([]*BlockEntry, 0, t.SegmentBlocks),
		version:       newSegmentVersion(t.BlockCapacity, t.SegmentBlocks),
	}
	if flushed {
		s.commitTS.Store(uint64(model.UncommittedTS))
	}
	return s
}

// Table returns the owning table.
func (s *SegmentEntry) Table() *TableEntry { return s.table }

// TxnID returns the id of the transaction that created the segment.
func (s *SegmentEntry) TxnID() model.TxnID { return s.txnID }

// Status returns the lifecycle state.
func (s *SegmentEntry) Status() SegmentStatus { return SegmentStatus(s.status.Load()) }

// CommitTS returns the commit timestamp of a flushed segment; 0 for
// segments filled by appends, whose rows carry their own timestamps.
func (s *SegmentEntry) CommitTS() model.TxnTimeStamp { return model.TxnTimeStamp(s.commitTS.Load()) }

// DeprecateTS returns when compaction replaced the segment, 0 if it did not.
func (s *SegmentEntry) DeprecateTS() model.TxnTimeStamp {
	return model.TxnTimeStamp(s.deprecateTS.Load())
}

// Flushed reports whether the segment was built outside the append path.
func (s *SegmentEntry) Flushed() bool { return s.flushed }

// Version returns the per-row version arrays.
func (s *SegmentEntry) Version() *SegmentVersion { return s.version }

// RowCount returns the number of rows written.
func (s *SegmentEntry) RowCount() uint32 {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return s.currentRow
}

// AvailableCapacity returns RowCapacity minus the rows written.
func (s *SegmentEntry) AvailableCapacity() uint32 {
	return s.RowCapacity - s.RowCount()
}

// Full reports whether no rows can be appended.
func (s *SegmentEntry) Full() bool { return s.AvailableCapacity() == 0 }

// DeleteCount returns the number of committed deletes.
func (s *SegmentEntry) DeleteCount() uint32 { return s.deleteCount.Load() }

// Blocks returns a snapshot of the block list.
func (s *SegmentEntry) Blocks() []*BlockEntry {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return append([]*BlockEntry(nil), s.blocks...)
}

// Block returns block id or nil.
func (s *SegmentEntry) Block(id model.BlockID) *BlockEntry {
	s.rw.RLock()
	defer s.rw.RUnlock()
	if int(id) >= len(s.blocks) {
		return nil
	}
	return s.blocks[id]
}

// Filter returns the segment's fast rough filter, nil until sealed.
func (s *SegmentEntry) Filter() *filter.FastRoughFilter {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return s.filter
}

// Visible reports whether txnID reading at readTS may see the segment at all.
// Rows still have to pass SegmentVersion.Visible.
func (s *SegmentEntry) Visible(txnID model.TxnID, readTS model.TxnTimeStamp) bool {
	if d := s.DeprecateTS(); d != 0 && d <= readTS {
		return false
	}
	if !s.flushed {
		return true
	}
	if c := s.CommitTS(); c != model.UncommittedTS {
		return c <= readTS
	}
	return s.txnID == txnID
}

// VisibleRows returns the offsets readable by txnID at readTS.
func (s *SegmentEntry) VisibleRows(txnID model.TxnID, readTS model.TxnTimeStamp) *roaring.Bitmap {
	if !s.Visible(txnID, readTS) {
		return roaring.New()
	}
	return s.version.VisibleRows(s.RowCount(), txnID, readTS)
}

// SetSealed moves an open segment to sealed. It reports false if the
// segment was not open.
func (s *SegmentEntry) SetSealed() bool {
	return s.status.CompareAndSwap(uint32(SegmentOpen), uint32(SegmentSealed))
}

// SetCompacting reserves a sealed segment for compaction.
func (s *SegmentEntry) SetCompacting() bool {
	return s.status.CompareAndSwap(uint32(SegmentSealed), uint32(SegmentCompacting))
}

// SetNoCompacting returns a segment reserved for compaction to sealed.
func (s *SegmentEntry) SetNoCompacting() bool {
	return s.status.CompareAndSwap(uint32(SegmentCompacting), uint32(SegmentSealed))
}

// restoreSealed returns a segment reserved or retired by a rolled back
// compaction to sealed.
func (s *SegmentEntry) restoreSealed() {
	s.deprecateTS.Store(0)
	s.status.Store(uint32(SegmentSealed))
}

// SetDeprecated retires a compacted segment at commitTS.
func (s *SegmentEntry) SetDeprecated(commitTS model.TxnTimeStamp) {
	if !s.status.CompareAndSwap(uint32(SegmentCompacting), uint32(SegmentDeprecated)) {
		status.Unrecoverable("deprecate of segment %d in status %s", s.ID, s.Status())
	}
	s.deprecateTS.Store(uint64(commitTS))
}

// CommitFlushed makes a flushed segment and all its rows visible at commitTS.
func (s *SegmentEntry) CommitFlushed(commitTS model.TxnTimeStamp) {
	if !s.flushed {
		status.Unrecoverable("commit of segment %d which is not flushed", s.ID)
	}
	s.commitTS.Store(uint64(commitTS))
	s.version.Commit(0, s.RowCount(), commitTS)
	for _, b := range s.Blocks() {
		b.Commit(commitTS)
	}
}

// appendLocked writes rows of state into the segment until either is
// exhausted and returns how many rows were written. Called with s.rw held.
func (s *SegmentEntry) appendLocked(txnID model.TxnID, state *AppendState, commitTS model.TxnTimeStamp, bufMgr *buffer.Manager, sink AppendSink) (uint32, error) {
	written := uint32(0)
	for !state.Finished() && s.currentRow < s.RowCapacity {
		src := state.Blocks[state.CurrentBlock]
		blockID := model.BlockID(s.currentRow / s.BlockCapacity)
		blockOffset := s.currentRow % s.BlockCapacity

		blk, err := s.blockForAppendLocked(blockID, txnID, bufMgr)
		if err != nil {
			return written, err
		}
		sink.AddBlockStore(s, blk)

		n := min(uint32(src.RowCount()-state.CurrentBlockOffset), s.BlockCapacity-blockOffset)
		for i, c := range blk.columns {
			c.bind(bufMgr)
			if err := c.Append(src.Column(i), state.CurrentBlockOffset, int(blockOffset), int(n)); err != nil {
				return written, err
			}
		}
		s.version.Append(s.currentRow, n, txnID, commitTS)
		blk.rowCount.Add(n)
		s.currentRow += n
		written += n
		state.advance(int(n))
	}
	return written, nil
}

func (s *SegmentEntry) blockForAppendLocked(id model.BlockID, txnID model.TxnID, bufMgr *buffer.Manager) (*BlockEntry, error) {
	if int(id) < len(s.blocks) {
		return s.blocks[id], nil
	}
	if int(id) != len(s.blocks) {
		status.Unrecoverable("segment %d skips from block %d to %d", s.ID, len(s.blocks), id)
	}
	blk := newBlockEntry(s, id, txnID, s.beginTS)
	if err := blk.makeColumns(s.table.Columns, bufMgr); err != nil {
		return nil, err
	}
	s.blocks = append(s.blocks, blk)
	return blk, nil
}

// writeBlock appends a complete data block to a flushed segment under
// construction.
func (s *SegmentEntry) writeBlock(src *vector.DataBlock, bufMgr *buffer.Manager) error {
	s.rw.Lock()
	defer s.rw.Unlock()
	for from := 0; from < src.RowCount(); {
		blockID := model.BlockID(s.currentRow / s.BlockCapacity)
		blockOffset := s.currentRow % s.BlockCapacity
		if s.currentRow >= s.RowCapacity {
			return fmt.Errorf("%w: segment %d is full", status.ErrInvalidArgument, s.ID)
		}
		blk, err := s.blockForAppendLocked(blockID, s.txnID, bufMgr)
		if err != nil {
			return err
		}
		n := min(uint32(src.RowCount()-from), s.BlockCapacity-blockOffset)
		for i, c := range blk.columns {
			if err := c.Append(src.Column(i), from, int(blockOffset), int(n)); err != nil {
				return err
			}
		}
		s.version.Append(s.currentRow, n, s.txnID, 0)
		blk.rowCount.Add(n)
		s.currentRow += n
		from += int(n)
	}
	return nil
}

// rollbackAppend undoes rows [start, start+count) written by txnID.
func (s *SegmentEntry) rollbackAppend(start, count uint32, bufMgr *buffer.Manager) error {
	s.rw.Lock()
	defer s.rw.Unlock()
	s.version.Reset(start, count)
	s.currentRow = start
	s.filter = nil

	var first error
	keep := s.blocks[:0]
	for _, b := range s.blocks {
		switch {
		case b.StartRow >= start:
			if err := b.remove(bufMgr); err != nil && first == nil {
				first = err
			}
		default:
			if end := b.StartRow + b.RowCount(); end > start {
				b.rowCount.Store(start - b.StartRow)
			}
			b.filter = nil
			keep = append(keep, b)
		}
	}
	clear(s.blocks[len(keep):])
	s.blocks = keep
	return first
}

// deleteRows marks block-local offsets deleted at commitTS. Rows already
// deleted by the same commit are skipped.
func (s *SegmentEntry) deleteRows(blockID model.BlockID, offsets []uint16, commitTS model.TxnTimeStamp) uint32 {
	base := uint32(blockID) * s.BlockCapacity
	n := uint32(0)
	for _, off := range offsets {
		row := base + uint32(off)
		prev := s.version.Delete(row, commitTS)
		switch prev {
		case 0:
			n++
		case commitTS:
		default:
			status.Unrecoverable("row %d of segment %d was already deleted at %d", row, s.ID, prev)
		}
	}
	s.deleteCount.Add(n)
	return n
}

func (s *SegmentEntry) undeleteRows(blockID model.BlockID, offsets []uint16, commitTS model.TxnTimeStamp) {
	base := uint32(blockID) * s.BlockCapacity
	n := uint32(0)
	for _, off := range offsets {
		row := base + uint32(off)
		if s.version.Deleted(row) == commitTS {
			s.version.Undelete(row, commitTS)
			n++
		}
	}
	s.deleteCount.Add(^(n - 1))
}

// BuildFilter computes the fast rough filter of every block and the segment.
func (s *SegmentEntry) BuildFilter(ctx context.Context, bufMgr *buffer.Manager, workers int) error {
	blocks := s.Blocks()
	data := make([][]filter.ColumnData, len(blocks))
	rows := make([]int, len(blocks))
	for i, b := range blocks {
		cols, err := b.columnData(bufMgr)
		if err != nil {
			return err
		}
		data[i] = cols
		rows[i] = int(b.RowCount())
	}
	seg, perBlock, err := filter.BuildSegment(ctx, data, rows, int(s.BlockCapacity), workers)
	if err != nil {
		return err
	}
	s.rw.Lock()
	s.filter = seg
	for i, b := range blocks {
		b.filter = perBlock[i]
	}
	s.rw.Unlock()
	return nil
}

// Flush persists every block of a sealed segment.
func (s *SegmentEntry) Flush() error {
	if s.filesFlushed.Load() {
		return nil
	}
	for _, b := range s.Blocks() {
		if err := b.flush(); err != nil {
			return err
		}
	}
	s.filesFlushed.Store(true)
	return nil
}

// FilesFlushed reports whether every column reached its data file.
func (s *SegmentEntry) FilesFlushed() bool { return s.filesFlushed.Load() }

func (s *SegmentEntry) remove(bufMgr *buffer.Manager) error {
	s.rw.Lock()
	defer s.rw.Unlock()
	var first error
	for _, b := range s.blocks {
		if err := b.remove(bufMgr); err != nil && first == nil {
			first = err
		}
	}
	s.blocks = nil
	s.currentRow = 0
	return first
}
