package catalog

import (
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

// AppendRange is a run of rows one commit wrote into a segment.
type AppendRange struct {
	SegmentID model.SegmentID
	Start     uint32
	Count     uint32
}

// AppendState tracks the progress of writing a transaction's row blocks
// into the table and the ranges written, for delta ops and rollback.
type AppendState struct {
	Blocks             []*vector.DataBlock
	CurrentBlock       int
	CurrentBlockOffset int
	Ranges             []AppendRange
}

// NewAppendState creates the state for blocks.
func NewAppendState(blocks []*vector.DataBlock) *AppendState {
	s := &AppendState{Blocks: blocks}
	s.skipEmpty()
	return s
}

// Finished reports whether all rows were written.
func (s *AppendState) Finished() bool { return s.CurrentBlock >= len(s.Blocks) }

func (s *AppendState) advance(n int) {
	s.CurrentBlockOffset += n
	s.skipEmpty()
}

func (s *AppendState) skipEmpty() {
	for s.CurrentBlock < len(s.Blocks) && s.CurrentBlockOffset >= s.Blocks[s.CurrentBlock].RowCount() {
		s.CurrentBlock++
		s.CurrentBlockOffset = 0
	}
}

// AppendSink receives the entries an append touched.
type AppendSink interface {
	AddSegmentStore(seg *SegmentEntry)
	AddBlockStore(seg *SegmentEntry, blk *BlockEntry)
	AddSealedSegment(seg *SegmentEntry)
}

// Append writes the rows of state into table at commitTS, opening new
// segments as needed. Segments that became full are reported to sink as
// sealed; sealing itself is left to the caller.
func (c *Catalog) Append(table *TableEntry, txnID model.TxnID, state *AppendState, commitTS model.TxnTimeStamp, bufMgr *buffer.Manager, sink AppendSink) error {
	table.mu.Lock()
	defer table.mu.Unlock()

	for !state.Finished() {
		seg := table.unsealed
		if seg == nil {
			seg = table.newSegmentLocked(txnID, commitTS, false)
			table.unsealed = seg
		}
		sink.AddSegmentStore(seg)

		seg.rw.Lock()
		start := seg.currentRow
		n, err := seg.appendLocked(txnID, state, commitTS, bufMgr, sink)
		full := seg.currentRow == seg.RowCapacity
		seg.rw.Unlock()

		if n > 0 {
			if k := len(state.Ranges); k > 0 && state.Ranges[k-1].SegmentID == seg.ID && state.Ranges[k-1].Start+state.Ranges[k-1].Count == start {
				state.Ranges[k-1].Count += n
			} else {
				state.Ranges = append(state.Ranges, AppendRange{SegmentID: seg.ID, Start: start, Count: n})
			}
		}
		if err != nil {
			return err
		}
		if full {
			table.unsealed = nil
			sink.AddSealedSegment(seg)
		}
	}
	return nil
}

// RollbackAppend undoes the ranges recorded in state, newest first.
// Segments the rollback emptied are dropped; a segment left with free
// capacity becomes the table's open segment again.
func (c *Catalog) RollbackAppend(table *TableEntry, txnID model.TxnID, state *AppendState, bufMgr *buffer.Manager) error {
	table.mu.Lock()
	defer table.mu.Unlock()

	var errs []error
	for _, r := range slices.Backward(state.Ranges) {
		seg := table.segments[r.SegmentID]
		if seg == nil {
			status.Unrecoverable("rollback of append to missing segment %d", r.SegmentID)
		}
		if err := seg.rollbackAppend(r.Start, r.Count, bufMgr); err != nil {
			errs = append(errs, err)
		}
		if r.Start == 0 {
			if err := table.removeSegmentLocked(seg, bufMgr); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		seg.status.Store(uint32(SegmentOpen))
		table.unsealed = seg
	}
	state.Ranges = nil
	if len(errs) > 0 {
		c.logger.Warn("Rollback of append left files behind", "table", table.Name, "txn", txnID, "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// DeleteState groups row offsets by segment and block.
type DeleteState map[model.SegmentID]map[model.BlockID][]uint16

// Delete applies state to table at commitTS.
func (c *Catalog) Delete(table *TableEntry, txnID model.TxnID, state DeleteState, commitTS model.TxnTimeStamp) error {
	for segID, blocks := range state {
		seg := table.Segment(segID)
		if seg == nil {
			return fmt.Errorf("%w: segment %d of table %s", status.ErrNotFound, segID, table.Name)
		}
		for blkID, offsets := range blocks {
			n := seg.deleteRows(blkID, offsets, commitTS)
			table.compaction.addDeletes(seg, n)
		}
	}
	c.logger.Debug("Rows deleted", "table", table.Name, "txn", txnID, "commit_ts", commitTS)
	return nil
}

// RollbackDelete undoes the deletes state made at commitTS.
func (c *Catalog) RollbackDelete(table *TableEntry, state DeleteState, commitTS model.TxnTimeStamp) {
	for segID, blocks := range state {
		seg := table.Segment(segID)
		if seg == nil {
			continue
		}
		for blkID, offsets := range blocks {
			seg.undeleteRows(blkID, offsets, commitTS)
		}
	}
}

// CommitWrite publishes the blocks written at commitTS and flushes the
// segments the commit sealed. Flush failures are logged and retried by the
// next checkpoint.
func (c *Catalog) CommitWrite(table *TableEntry, txnID model.TxnID, commitTS model.TxnTimeStamp, blocks []*BlockEntry, sealed []*SegmentEntry) {
	for _, b := range blocks {
		b.Commit(commitTS)
	}
	for _, seg := range sealed {
		if err := seg.Flush(); err != nil {
			c.logger.Warn("Segment flush failed", "table", table.Name, "segment", seg.ID, "txn", txnID, "error", err)
			continue
		}
		table.compaction.addSegment(seg)
	}
	table.setLastWrite(commitTS)
}
