package txn

import (
	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/internal/delta"
	"github.com/hupe1980/colstore/model"
)

type optimizeOp struct {
	segment *catalog.SegmentIndexEntry
	merged  *catalog.ChunkIndexEntry
	old     []*catalog.ChunkIndexEntry
}

type chunkRef struct {
	segment *catalog.SegmentIndexEntry
	chunk   *catalog.ChunkIndexEntry
}

// TxnIndexStore records what a transaction did to one index.
type TxnIndexStore struct {
	index *catalog.TableIndexEntry
	seq   uint64

	segmentIndexes []*catalog.SegmentIndexEntry
	segmentSeen    map[model.SegmentID]bool
	// created holds segment indexes this transaction added to the index.
	created []*catalog.SegmentIndexEntry

	chunks    []chunkRef
	optimizes []optimizeOp
}

// NewTxnIndexStore creates the store of index.
func NewTxnIndexStore(index *catalog.TableIndexEntry, seq uint64) *TxnIndexStore {
	return &TxnIndexStore{
		index:       index,
		seq:         seq,
		segmentSeen: make(map[model.SegmentID]bool),
	}
}

// Index returns the index entry.
func (s *TxnIndexStore) Index() *catalog.TableIndexEntry { return s.index }

// AddSegmentIndexesStore records a segment index; created tells whether this
// transaction added it.
func (s *TxnIndexStore) AddSegmentIndexesStore(si *catalog.SegmentIndexEntry, created bool) {
	if s.segmentSeen[si.SegmentID] {
		return
	}
	s.segmentSeen[si.SegmentID] = true
	s.segmentIndexes = append(s.segmentIndexes, si)
	if created {
		s.created = append(s.created, si)
	}
}

// AddChunkIndexStore records a chunk the transaction added to si.
func (s *TxnIndexStore) AddChunkIndexStore(si *catalog.SegmentIndexEntry, chunk *catalog.ChunkIndexEntry) {
	s.chunks = append(s.chunks, chunkRef{segment: si, chunk: chunk})
}

// AddOptimize records that merged replaces old at commit.
func (s *TxnIndexStore) AddOptimize(si *catalog.SegmentIndexEntry, merged *catalog.ChunkIndexEntry, old []*catalog.ChunkIndexEntry) {
	s.AddSegmentIndexesStore(si, false)
	s.optimizes = append(s.optimizes, optimizeOp{segment: si, merged: merged, old: old})
}

// CheckConflict reports whether a chunk an optimize merge replaces was
// retired by another transaction.
func (s *TxnIndexStore) CheckConflict() bool {
	for _, op := range s.optimizes {
		for _, c := range op.old {
			if c.DeprecateTS() != 0 {
				return true
			}
		}
	}
	return false
}

// PrepareCommit applies the pending optimize merges.
func (s *TxnIndexStore) PrepareCommit(commitTS model.TxnTimeStamp) {
	for _, op := range s.optimizes {
		op.segment.CommitOptimize(op.merged, op.old, commitTS)
	}
}

// Commit commits the index if this transaction created it, the segment
// indexes, and the chunks not committed yet. Chunks written by appends and
// imports were committed in PrepareCommit; chunks built by CreateIndex are
// committed here.
func (s *TxnIndexStore) Commit(cat *catalog.Catalog, txnID model.TxnID, commitTS model.TxnTimeStamp) {
	if s.index.TxnID() == txnID && !s.index.Committed() {
		cat.CommitCreateIndex(s.index, commitTS)
	}
	for _, si := range s.segmentIndexes {
		si.CommitSegmentIndex(commitTS)
	}
	for _, ref := range s.chunks {
		if !ref.chunk.Committed() {
			ref.chunk.Commit(commitTS)
		}
	}
}

// Rollback detaches every chunk and segment index this transaction added.
func (s *TxnIndexStore) Rollback() {
	for _, ref := range s.chunks {
		ref.segment.RemoveChunk(ref.chunk)
	}
	for _, op := range s.optimizes {
		op.segment.RollbackOptimize(op.merged, op.old)
	}
	for _, si := range s.created {
		s.index.RemoveSegmentIndex(si.SegmentID)
	}
	s.chunks, s.optimizes, s.created = nil, nil, nil
}

func (s *TxnIndexStore) addDeltaOps(e *delta.CatalogDeltaEntry, txnID model.TxnID, dbName, tableName string, commitTS model.TxnTimeStamp) {
	if s.index.TxnID() == txnID && !s.index.Committed() {
		e.AddOperation(&delta.AddTableIndexEntryOp{
			CommitTS:  commitTS,
			TxnID:     txnID,
			DBName:    dbName,
			TableName: tableName,
			IndexName: s.index.Name,
			ColumnID:  s.index.ColumnID,
			Deleted:   s.index.Deleted(),
		})
	}
	if s.index.Deleted() {
		return
	}
	for _, si := range s.segmentIndexes {
		e.AddOperation(&delta.AddSegmentIndexEntryOp{
			CommitTS:  commitTS,
			DBName:    dbName,
			TableName: tableName,
			IndexName: s.index.Name,
			SegmentID: si.SegmentID,
		})
	}
	chunkOp := func(si *catalog.SegmentIndexEntry, c *catalog.ChunkIndexEntry) *delta.AddChunkIndexEntryOp {
		return &delta.AddChunkIndexEntryOp{
			CommitTS:  commitTS,
			DBName:    dbName,
			TableName: tableName,
			IndexName: s.index.Name,
			SegmentID: si.SegmentID,
			ChunkID:   c.ID,
			BaseRow:   c.BaseRow,
			RowCount:  c.RowCount,
			Keys:      c.Keys(),
			Rows:      c.Offsets(),
		}
	}
	for _, ref := range s.chunks {
		e.AddOperation(chunkOp(ref.segment, ref.chunk))
	}
	for _, op := range s.optimizes {
		e.AddOperation(chunkOp(op.segment, op.merged))
		for _, old := range op.old {
			e.AddOperation(&delta.AddChunkIndexEntryOp{
				CommitTS:    commitTS,
				DBName:      dbName,
				TableName:   tableName,
				IndexName:   s.index.Name,
				SegmentID:   op.segment.SegmentID,
				ChunkID:     old.ID,
				BaseRow:     old.BaseRow,
				RowCount:    old.RowCount,
				DeprecateTS: commitTS,
			})
		}
	}
}
