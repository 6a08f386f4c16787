package txn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/internal/delta"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

// StoreState is the lifecycle state of a TxnTableStore.
type StoreState uint8

const (
	StateEmpty StoreState = iota
	StateAccumulating
	StatePreparingCommit1
	StatePreparingCommit
	StateCommitted
	StateRollingBack
	StateDiscarded
)

func (s StoreState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAccumulating:
		return "accumulating"
	case StatePreparingCommit1:
		return "preparing_commit1"
	case StatePreparingCommit:
		return "preparing_commit"
	case StateCommitted:
		return "committed"
	case StateRollingBack:
		return "rolling_back"
	case StateDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// TxnTableStore accumulates a transaction's writes to one table.
type TxnTableStore struct {
	txnID   model.TxnID
	beginTS model.TxnTimeStamp
	table   *catalog.TableEntry
	cat     *catalog.Catalog
	bufMgr  *buffer.Manager
	seq     uint64
	state   StoreState

	// blocks are the appended rows, in blocks of the table's block capacity.
	blocks []*vector.DataBlock

	segmentStores map[model.SegmentID]*TxnSegmentStore
	segSeq        uint64
	indexStores   map[string]*TxnIndexStore
	idxSeq        uint64

	deleteState   catalog.DeleteState
	deleteApplied bool
	deleteCommit  model.TxnTimeStamp

	sealed      map[model.SegmentID]*catalog.SegmentEntry
	sealedOrder []*catalog.SegmentEntry

	// flushed are segments built by Import or Compact.
	flushed     []*catalog.SegmentEntry
	appendState *catalog.AppendState
	compact     TxnCompactStore
}

// NewTxnTableStore creates the local store of table.
func NewTxnTableStore(txnID model.TxnID, beginTS model.TxnTimeStamp, table *catalog.TableEntry, cat *catalog.Catalog, bufMgr *buffer.Manager, seq uint64) *TxnTableStore {
	return &TxnTableStore{
		txnID:         txnID,
		beginTS:       beginTS,
		table:         table,
		cat:           cat,
		bufMgr:        bufMgr,
		seq:           seq,
		segmentStores: make(map[model.SegmentID]*TxnSegmentStore),
		indexStores:   make(map[string]*TxnIndexStore),
		deleteState:   make(catalog.DeleteState),
		sealed:        make(map[model.SegmentID]*catalog.SegmentEntry),
	}
}

// Table returns the table entry.
func (s *TxnTableStore) Table() *catalog.TableEntry { return s.table }

// State returns the lifecycle state.
func (s *TxnTableStore) State() StoreState { return s.state }

// Blocks returns the accumulated row blocks.
func (s *TxnTableStore) Blocks() []*vector.DataBlock { return s.blocks }

// RowCount returns the number of accumulated rows.
func (s *TxnTableStore) RowCount() int {
	n := 0
	for _, b := range s.blocks {
		n += b.RowCount()
	}
	return n
}

func (s *TxnTableStore) touch() {
	if s.state == StateEmpty {
		s.state = StateAccumulating
	}
}

// Append validates block against the table schema and adds its rows to the
// local row blocks, filling the last block before starting a new one.
func (s *TxnTableStore) Append(block *vector.DataBlock) error {
	if err := s.table.CheckSchema(block); err != nil {
		return err
	}
	if err := block.Finalize(); err != nil {
		return err
	}
	capacity := int(s.table.BlockCapacity)
	for from, rows := 0, block.RowCount(); from < rows; {
		var last *vector.DataBlock
		if n := len(s.blocks); n > 0 && s.blocks[n-1].RowCount() < capacity {
			last = s.blocks[n-1]
		} else {
			last = vector.NewDataBlock(s.table.Types(), capacity)
			s.blocks = append(s.blocks, last)
		}
		n := min(rows-from, capacity-last.RowCount())
		if err := last.AppendWith(block, from, n); err != nil {
			return err
		}
		if err := last.Finalize(); err != nil {
			return err
		}
		from += n
	}
	s.touch()
	return nil
}

// Import registers a segment the transaction built and flushed.
func (s *TxnTableStore) Import(seg *catalog.SegmentEntry) error {
	if !seg.Flushed() || seg.TxnID() != s.txnID {
		return fmt.Errorf("%w: segment %d was not built by txn %d", status.ErrInvalidArgument, seg.ID, s.txnID)
	}
	s.AddSegmentStore(seg).AddAllBlocks()
	s.flushed = append(s.flushed, seg)
	s.touch()
	return nil
}

// Delete records rows for deletion, grouped by segment and block.
func (s *TxnTableStore) Delete(rows []model.RowID) error {
	capacity := s.table.BlockCapacity
	for _, r := range rows {
		blockID, offset := r.Block(capacity)
		blocks, ok := s.deleteState[r.SegmentID]
		if !ok {
			blocks = make(map[model.BlockID][]uint16)
			s.deleteState[r.SegmentID] = blocks
		}
		offsets := append(blocks[blockID], offset)
		if len(offsets) > int(capacity) {
			status.Unrecoverable("Delete row exceed block capacity")
		}
		blocks[blockID] = offsets
	}
	s.touch()
	return nil
}

// PendingDeletes returns the local deletes of seg by block.
func (s *TxnTableStore) PendingDeletes(seg model.SegmentID) map[model.BlockID][]uint16 {
	return s.deleteState[seg]
}

// Compact records the compaction of pairs. The new segments are flushed
// segments built by this transaction; the old ones are reserved for it.
func (s *TxnTableStore) Compact(pairs []catalog.CompactPair, typ catalog.CompactionType) error {
	if s.compact.Type != catalog.CompactionInvalid {
		status.Unrecoverable("Attempt to compact table store twice")
	}
	if typ == catalog.CompactionInvalid {
		return fmt.Errorf("%w: compaction type", status.ErrInvalidArgument)
	}
	var reserved []*catalog.SegmentEntry
	for _, p := range pairs {
		for _, old := range p.Old {
			if !old.SetCompacting() {
				for _, r := range reserved {
					r.SetNoCompacting()
				}
				return fmt.Errorf("%w: segment %d is %s", status.ErrTxnConflict, old.ID, old.Status())
			}
			reserved = append(reserved, old)
		}
	}
	s.compact.Type = typ
	for _, p := range pairs {
		cp := compactPair{old: p.Old}
		if p.New != nil {
			cp.store = s.AddSegmentStore(p.New)
			cp.store.AddAllBlocks()
			s.flushed = append(s.flushed, p.New)
		}
		for _, old := range p.Old {
			s.AddSegmentStore(old)
		}
		s.compact.pairs = append(s.compact.pairs, cp)
	}
	s.touch()
	return nil
}

// Compacting reports whether the store holds a compaction.
func (s *TxnTableStore) Compacting() bool { return s.compact.Type != catalog.CompactionInvalid }

// AddSegmentStore returns the store of seg, creating it on first touch.
func (s *TxnTableStore) AddSegmentStore(seg *catalog.SegmentEntry) *TxnSegmentStore {
	if ss, ok := s.segmentStores[seg.ID]; ok {
		if ss.segment != seg {
			status.Unrecoverable("segment %d registered twice with different entries", seg.ID)
		}
		return ss
	}
	s.segSeq++
	ss := NewTxnSegmentStore(seg, s.segSeq)
	s.segmentStores[seg.ID] = ss
	return ss
}

// appendSink adapts a TxnTableStore to catalog.AppendSink.
type appendSink struct{ s *TxnTableStore }

func (a appendSink) AddSegmentStore(seg *catalog.SegmentEntry) { a.s.AddSegmentStore(seg) }

func (a appendSink) AddBlockStore(seg *catalog.SegmentEntry, blk *catalog.BlockEntry) {
	a.s.AddBlockStore(seg, blk)
}

func (a appendSink) AddSealedSegment(seg *catalog.SegmentEntry) { a.s.AddSealedSegment(seg) }

// AddBlockStore records that blk of seg was written.
func (s *TxnTableStore) AddBlockStore(seg *catalog.SegmentEntry, blk *catalog.BlockEntry) {
	s.AddSegmentStore(seg).blocks[blk.ID] = blk
}

// AddSealedSegment records a segment the commit filled.
func (s *TxnTableStore) AddSealedSegment(seg *catalog.SegmentEntry) {
	if _, ok := s.sealed[seg.ID]; ok {
		return
	}
	s.sealed[seg.ID] = seg
	s.sealedOrder = append(s.sealedOrder, seg)
}

// AddIndexStore returns the store of index, creating it on first touch.
func (s *TxnTableStore) AddIndexStore(index *catalog.TableIndexEntry) *TxnIndexStore {
	if is, ok := s.indexStores[index.Name]; ok && is.index == index {
		return is
	}
	s.idxSeq++
	is := NewTxnIndexStore(index, s.idxSeq)
	s.indexStores[index.Name] = is
	s.touch()
	return is
}

// GetIndexStore returns the store of the named index or nil.
func (s *TxnTableStore) GetIndexStore(name string) *TxnIndexStore { return s.indexStores[name] }

// DropIndexStore forgets the store of index. A store of an index created by
// this transaction is rolled back first.
func (s *TxnTableStore) DropIndexStore(index *catalog.TableIndexEntry) {
	is, ok := s.indexStores[index.Name]
	if !ok || is.index != index {
		return
	}
	is.Rollback()
	delete(s.indexStores, index.Name)
}

// AddChunkIndexStore records a chunk built for index.
func (s *TxnTableStore) AddChunkIndexStore(index *catalog.TableIndexEntry, si *catalog.SegmentIndexEntry, created bool, chunk *catalog.ChunkIndexEntry) {
	is := s.AddIndexStore(index)
	is.AddSegmentIndexesStore(si, created)
	is.AddChunkIndexStore(si, chunk)
}

func (s *TxnTableStore) indexStoresInOrder() []*TxnIndexStore {
	out := slices.Collect(maps.Values(s.indexStores))
	slices.SortFunc(out, func(a, b *TxnIndexStore) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

func (s *TxnTableStore) segmentStoresInOrder() []*TxnSegmentStore {
	out := slices.Collect(maps.Values(s.segmentStores))
	slices.SortFunc(out, func(a, b *TxnSegmentStore) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// hasWrite reports whether the store changes table data.
func (s *TxnTableStore) hasWrite() bool {
	return len(s.blocks) > 0 || len(s.deleteState) > 0 || len(s.flushed) > 0 || s.Compacting()
}

// Empty reports whether the store holds anything to commit.
func (s *TxnTableStore) Empty() bool {
	return !s.hasWrite() && len(s.indexStores) == 0
}

// CheckConflict reports whether a transaction that committed after this
// one began changed the table.
func (s *TxnTableStore) CheckConflict() bool {
	conflict, latest := s.cat.CheckTableConflict(s.table.DB().Name, s.table.Name, s.txnID, s.beginTS)
	if conflict {
		return true
	}
	if latest != s.table {
		status.Unrecoverable("table %s: no conflict but latest entry differs from the store's", s.table.Name)
	}
	for _, is := range s.indexStoresInOrder() {
		if is.CheckConflict() {
			return true
		}
	}
	return false
}

// PrepareCommit1 stamps the segments built by this transaction with commitTS.
func (s *TxnTableStore) PrepareCommit1(commitTS model.TxnTimeStamp) {
	s.state = StatePreparingCommit1
	for _, seg := range s.flushed {
		seg.CommitFlushed(commitTS)
	}
}

// PrepareCommit writes the rows into the catalog, applies compaction and
// then deletes, updates the indexes and seals the segments the commit filled.
func (s *TxnTableStore) PrepareCommit(commitTS model.TxnTimeStamp) error {
	s.state = StatePreparingCommit
	if len(s.blocks) > 0 {
		s.appendState = catalog.NewAppendState(s.blocks)
		if err := s.cat.Append(s.table, s.txnID, s.appendState, commitTS, s.bufMgr, appendSink{s}); err != nil {
			return err
		}
	}
	if s.Compacting() {
		s.cat.CommitCompact(s.table, s.txnID, commitTS, s.compact.catalogPairs())
	}
	if len(s.deleteState) > 0 {
		for segID, blocks := range s.deleteState {
			if seg := s.table.Segment(segID); seg != nil {
				for blkID := range blocks {
					if blk := seg.Block(blkID); blk != nil {
						s.AddBlockStore(seg, blk)
					}
				}
			}
		}
		s.deleteApplied = true
		s.deleteCommit = commitTS
		if err := s.cat.Delete(s.table, s.txnID, s.deleteState, commitTS); err != nil {
			return err
		}
	}
	if err := s.indexNewRows(commitTS); err != nil {
		return err
	}
	for _, is := range s.indexStoresInOrder() {
		is.PrepareCommit(commitTS)
	}
	for _, seg := range s.sealedOrder {
		if !seg.SetSealed() {
			status.Unrecoverable("failed to seal segment %d of %s in status %s", seg.ID, s.table.Name, seg.Status())
		}
	}
	return nil
}

// indexNewRows adds committed chunks for the rows this commit appended or
// imported to every live index.
func (s *TxnTableStore) indexNewRows(commitTS model.TxnTimeStamp) error {
	indexes := s.table.WriteIndexes(s.txnID)
	if len(indexes) == 0 {
		return nil
	}
	var ranges []catalog.AppendRange
	if s.appendState != nil {
		ranges = append(ranges, s.appendState.Ranges...)
	}
	for _, seg := range s.flushed {
		ranges = append(ranges, catalog.AppendRange{SegmentID: seg.ID, Start: 0, Count: seg.RowCount()})
	}
	for _, idx := range indexes {
		for _, r := range ranges {
			seg := s.table.Segment(r.SegmentID)
			chunk, err := catalog.NewChunkIndexEntry(seg, idx.ColumnID, r.Start, r.Count, s.bufMgr)
			if err != nil {
				return err
			}
			si, created := idx.SegmentIndex(r.SegmentID, true)
			chunk.Commit(commitTS)
			si.AddChunk(chunk)
			s.AddChunkIndexStore(idx, si, created, chunk)
		}
	}
	return nil
}

// Commit publishes the prepared writes.
func (s *TxnTableStore) Commit(commitTS model.TxnTimeStamp) {
	if s.hasWrite() {
		var blocks []*catalog.BlockEntry
		for _, ss := range s.segmentStoresInOrder() {
			blocks = append(blocks, ss.Blocks()...)
		}
		s.cat.CommitWrite(s.table, s.txnID, commitTS, blocks, s.sealedOrder)
	}
	for _, is := range s.indexStoresInOrder() {
		is.Commit(s.cat, s.txnID, commitTS)
	}
	s.state = StateCommitted
}

// Rollback undoes whatever PrepareCommit applied and drops local state.
// It is safe on a store that never prepared.
func (s *TxnTableStore) Rollback() error {
	s.state = StateRollingBack
	var errs []error
	if s.appendState != nil {
		if err := s.cat.RollbackAppend(s.table, s.txnID, s.appendState, s.bufMgr); err != nil {
			errs = append(errs, err)
		}
		s.appendState = nil
	}
	if s.deleteApplied {
		s.cat.RollbackDelete(s.table, s.deleteState, s.deleteCommit)
		s.deleteApplied = false
	}
	compacted := make(map[*catalog.SegmentEntry]bool)
	if s.Compacting() {
		if err := s.cat.RollbackCompact(s.table, s.txnID, s.compact.catalogPairs(), s.bufMgr); err != nil {
			errs = append(errs, err)
		}
		for _, p := range s.compact.pairs {
			if p.store != nil {
				compacted[p.store.segment] = true
			}
		}
	}
	for _, seg := range s.flushed {
		if compacted[seg] {
			continue
		}
		if err := s.table.RemoveSegment(seg, s.bufMgr); err != nil {
			errs = append(errs, err)
		}
	}
	for _, is := range s.indexStoresInOrder() {
		is.Rollback()
		if is.index.TxnID() == s.txnID && !is.index.Committed() {
			s.cat.RemoveIndexEntry(is.index)
		}
	}
	s.blocks = nil
	s.flushed = nil
	s.compact = TxnCompactStore{}
	clear(s.deleteState)
	clear(s.segmentStores)
	clear(s.indexStores)
	s.sealed = make(map[model.SegmentID]*catalog.SegmentEntry)
	s.sealedOrder = nil
	s.state = StateDiscarded
	if len(errs) > 0 {
		return fmt.Errorf("rollback of %s: %w", s.table.Name, errors.Join(errs...))
	}
	return nil
}

// AddDeltaOp appends the operations describing this store's commit to e.
// Segments sealed by the commit get their fast rough filter built here.
func (s *TxnTableStore) AddDeltaOp(ctx context.Context, e *delta.CatalogDeltaEntry, commitTS model.TxnTimeStamp) error {
	dbName, tableName := s.table.DB().Name, s.table.Name
	if s.hasWrite() {
		e.AddOperation(&delta.AddTableEntryOp{
			CommitTS:      commitTS,
			TxnID:         s.txnID,
			DBName:        dbName,
			TableName:     tableName,
			Dir:           s.table.Dir,
			BlockCapacity: s.table.BlockCapacity,
			SegmentBlocks: s.table.SegmentBlocks,
			Write:         true,
		})
	}
	for _, is := range s.indexStoresInOrder() {
		is.addDeltaOps(e, s.txnID, dbName, tableName, commitTS)
	}

	appended := make(map[model.SegmentID][]catalog.AppendRange)
	if s.appendState != nil {
		for _, r := range s.appendState.Ranges {
			appended[r.SegmentID] = append(appended[r.SegmentID], r)
		}
	}
	for _, ss := range s.segmentStoresInOrder() {
		seg := ss.segment
		op := &delta.AddSegmentEntryOp{
			CommitTS:    commitTS,
			DBName:      dbName,
			TableName:   tableName,
			SegmentID:   seg.ID,
			Status:      uint8(seg.Status()),
			RowCapacity: seg.RowCapacity,
			RowCount:    seg.RowCount(),
			Flushed:     seg.Flushed(),
			DeprecateTS: seg.DeprecateTS(),
		}
		_, sealed := s.sealed[seg.ID]
		if sealed {
			if err := seg.BuildFilter(ctx, s.bufMgr, s.cat.FilterWorkers()); err != nil {
				return err
			}
		}
		withFilter := sealed || (seg.Flushed() && seg.Status() != catalog.SegmentDeprecated)
		if f := seg.Filter(); f != nil && withFilter {
			b, err := f.Serialize()
			if err != nil {
				return err
			}
			op.Filter = b
		}
		e.AddOperation(op)

		for _, blk := range ss.Blocks() {
			bop := &delta.AddBlockEntryOp{
				CommitTS:       commitTS,
				DBName:         dbName,
				TableName:      tableName,
				SegmentID:      seg.ID,
				BlockID:        blk.ID,
				RowCapacity:    blk.RowCapacity,
				RowCount:       blk.RowCount(),
				DeletedOffsets: s.deleteState[seg.ID][blk.ID],
			}
			start, count := blockAppend(blk, appended[seg.ID])
			if !seg.Flushed() {
				bop.AppendStart, bop.AppendCount = start, count
			}
			if f := blk.Filter(); f != nil && withFilter {
				b, err := f.Serialize()
				if err != nil {
					return err
				}
				bop.Filter = b
			}
			e.AddOperation(bop)

			if seg.Flushed() || count == 0 {
				continue
			}
			for _, col := range blk.Columns() {
				data, err := blk.ReadColumn(s.bufMgr, col.ColumnID, start, count)
				if err != nil {
					return err
				}
				e.AddOperation(&delta.AddColumnEntryOp{
					CommitTS:  commitTS,
					DBName:    dbName,
					TableName: tableName,
					SegmentID: seg.ID,
					BlockID:   blk.ID,
					ColumnID:  col.ColumnID,
					StartRow:  start,
					Data:      data,
				})
			}
		}
	}
	return nil
}

// blockAppend returns the block-local rows of ranges that fall in blk.
func blockAppend(blk *catalog.BlockEntry, ranges []catalog.AppendRange) (start, count uint32) {
	lo, hi := blk.StartRow, blk.StartRow+blk.RowCapacity
	first := true
	for _, r := range ranges {
		s, e := max(r.Start, lo), min(r.Start+r.Count, hi)
		if s >= e {
			continue
		}
		if first {
			start, first = s-lo, false
		}
		count = e - lo - start
	}
	return start, count
}

// MaintainCompactionAlg refreshes the table's compaction candidates.
func (s *TxnTableStore) MaintainCompactionAlg() {
	segs := make([]*catalog.SegmentEntry, 0, len(s.segmentStores))
	for _, ss := range s.segmentStoresInOrder() {
		segs = append(segs, ss.segment)
	}
	s.cat.MaintainCompactionAlg(s.table, segs)
}
