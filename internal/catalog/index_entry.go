package catalog

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

// TableIndexEntry is one version of a secondary index over an integer column.
type TableIndexEntry struct {
	version
	table    *TableEntry
	Name     string
	ColumnID model.ColumnID

	seq uint64

	mu       sync.RWMutex
	segments map[model.SegmentID]*SegmentIndexEntry
}

// Table returns the indexed table.
func (idx *TableIndexEntry) Table() *TableEntry { return idx.table }

// Seq returns the creation order of the index.
func (idx *TableIndexEntry) Seq() uint64 { return idx.seq }

func indexable(dt datatype.DataType) bool {
	switch dt.Type {
	case datatype.Boolean, datatype.TinyInt, datatype.SmallInt, datatype.Integer, datatype.BigInt,
		datatype.Date, datatype.Time, datatype.DateTime, datatype.Timestamp:
		return true
	}
	return false
}

// CreateIndex adds an uncommitted index version owned by txnID.
func (c *Catalog) CreateIndex(t *TableEntry, name string, columnID model.ColumnID, txnID model.TxnID, beginTS model.TxnTimeStamp) (*TableIndexEntry, error) {
	if int(columnID) >= len(t.Columns) {
		return nil, fmt.Errorf("%w: column %d of %s", status.ErrNotFound, columnID, t.Name)
	}
	if !indexable(t.Columns[columnID].Type) {
		return nil, fmt.Errorf("%w: index on %s column", status.ErrNotImplemented, t.Columns[columnID].Type)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	chain := t.indexes[name]
	if len(chain) > 0 && chain[0].writeConflict(txnID, beginTS) {
		return nil, fmt.Errorf("%w: index %s is being changed", status.ErrTxnConflict, name)
	}
	if _, ok := chainVisible(chain, txnID, beginTS); ok {
		return nil, fmt.Errorf("%w: index %s on %s", status.ErrDuplicate, name, t.Name)
	}
	idx := newTableIndexEntry(t, name, columnID, txnID, beginTS, false)
	idx.seq = c.nextSeq()
	t.indexes[name] = append([]*TableIndexEntry{idx}, chain...)
	return idx, nil
}

func newTableIndexEntry(t *TableEntry, name string, columnID model.ColumnID, txnID model.TxnID, beginTS model.TxnTimeStamp, deleted bool) *TableIndexEntry {
	idx := &TableIndexEntry{
		table:    t,
		Name:     name,
		ColumnID: columnID,
		segments: make(map[model.SegmentID]*SegmentIndexEntry),
	}
	idx.init(txnID, beginTS, deleted)
	return idx
}

// DropIndex drops the index txnID sees, with the semantics of DropDatabase.
func (c *Catalog) DropIndex(t *TableEntry, name string, txnID model.TxnID, beginTS model.TxnTimeStamp) (*TableIndexEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	chain := t.indexes[name]
	if len(chain) > 0 && chain[0].writeConflict(txnID, beginTS) {
		return nil, fmt.Errorf("%w: index %s is being changed", status.ErrTxnConflict, name)
	}
	cur, ok := chainVisible(chain, txnID, beginTS)
	if !ok {
		return nil, fmt.Errorf("%w: index %s on %s", status.ErrNotFound, name, t.Name)
	}
	if cur.TxnID() == txnID && !cur.Committed() {
		t.indexes[name], _ = chainRemove(chain, cur)
		return cur, nil
	}
	idx := newTableIndexEntry(t, name, cur.ColumnID, txnID, beginTS, true)
	idx.seq = c.nextSeq()
	t.indexes[name] = append([]*TableIndexEntry{idx}, chain...)
	return idx, nil
}

// RemoveIndexEntry unlinks an index version written by a rolled back transaction.
func (c *Catalog) RemoveIndexEntry(idx *TableIndexEntry) {
	t := idx.table
	t.mu.Lock()
	defer t.mu.Unlock()
	chain, _ := chainRemove(t.indexes[idx.Name], idx)
	if len(chain) == 0 {
		delete(t.indexes, idx.Name)
	} else {
		t.indexes[idx.Name] = chain
	}
}

// CommitCreateIndex stamps an index version with commitTS.
func (c *Catalog) CommitCreateIndex(idx *TableIndexEntry, commitTS model.TxnTimeStamp) {
	idx.Commit(commitTS)
}

// SegmentIndex returns the index of segment id, creating it if asked.
// The second result reports whether it was created.
func (idx *TableIndexEntry) SegmentIndex(id model.SegmentID, create bool) (*SegmentIndexEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if s, ok := idx.segments[id]; ok {
		return s, false
	}
	if !create {
		return nil, false
	}
	s := &SegmentIndexEntry{index: idx, SegmentID: id}
	s.commitTS.Store(uint64(model.UncommittedTS))
	idx.segments[id] = s
	return s, true
}

// SegmentIndexes returns the segment indexes ordered by segment id.
func (idx *TableIndexEntry) SegmentIndexes() []*SegmentIndexEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*SegmentIndexEntry, 0, len(idx.segments))
	for _, s := range idx.segments {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *SegmentIndexEntry) int { return int(a.SegmentID) - int(b.SegmentID) })
	return out
}

// RemoveSegmentIndex drops the index of segment id.
func (idx *TableIndexEntry) RemoveSegmentIndex(id model.SegmentID) {
	idx.mu.Lock()
	delete(idx.segments, id)
	idx.mu.Unlock()
}

// Lookup returns the rows whose key lies in [lo, hi] and that txnID may
// read at readTS, ordered by segment and key.
func (idx *TableIndexEntry) Lookup(lo, hi int64, txnID model.TxnID, readTS model.TxnTimeStamp) []model.RowID {
	var out []model.RowID
	for _, s := range idx.SegmentIndexes() {
		seg := idx.table.Segment(s.SegmentID)
		if seg == nil || !seg.Visible(txnID, readTS) {
			continue
		}
		for _, chunk := range s.Chunks() {
			if !chunk.Visible(txnID, readTS) {
				continue
			}
			for _, row := range chunk.Lookup(lo, hi) {
				if seg.version.Visible(row, txnID, readTS) {
					out = append(out, model.RowID{SegmentID: s.SegmentID, SegmentOffset: row})
				}
			}
		}
	}
	return out
}

// SegmentIndexEntry holds the index chunks of one segment.
type SegmentIndexEntry struct {
	index     *TableIndexEntry
	SegmentID model.SegmentID

	commitTS atomic.Uint64

	mu          sync.RWMutex
	chunks      []*ChunkIndexEntry
	nextChunkID uint32
}

// Index returns the owning index.
func (s *SegmentIndexEntry) Index() *TableIndexEntry { return s.index }

// CommitTS returns the commit timestamp of the segment index.
func (s *SegmentIndexEntry) CommitTS() model.TxnTimeStamp {
	return model.TxnTimeStamp(s.commitTS.Load())
}

// CommitSegmentIndex stamps the segment index with commitTS once.
func (s *SegmentIndexEntry) CommitSegmentIndex(commitTS model.TxnTimeStamp) {
	s.commitTS.CompareAndSwap(uint64(model.UncommittedTS), uint64(commitTS))
}

// Chunks returns a snapshot of the chunk list.
func (s *SegmentIndexEntry) Chunks() []*ChunkIndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ChunkIndexEntry(nil), s.chunks...)
}

// AddChunk attaches a chunk to the segment index.
func (s *SegmentIndexEntry) AddChunk(c *ChunkIndexEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextChunkID
	s.nextChunkID++
	s.chunks = append(s.chunks, c)
}

// RemoveChunk detaches a chunk written by a rolled back transaction.
func (s *SegmentIndexEntry) RemoveChunk(c *ChunkIndexEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks, _ = chainRemove(s.chunks, c)
}

// CommitOptimize replaces old chunks by merged at commitTS.
func (s *SegmentIndexEntry) CommitOptimize(merged *ChunkIndexEntry, old []*ChunkIndexEntry, commitTS model.TxnTimeStamp) {
	for _, c := range old {
		if !c.Committed() || c.DeprecateTS() != 0 {
			status.Unrecoverable("optimize of chunk %d in segment index %d which is not live", c.ID, s.SegmentID)
		}
	}
	merged.Commit(commitTS)
	s.AddChunk(merged)
	for _, c := range old {
		c.deprecateTS.Store(uint64(commitTS))
	}
}

// RollbackOptimize undoes a CommitOptimize of merged over old.
func (s *SegmentIndexEntry) RollbackOptimize(merged *ChunkIndexEntry, old []*ChunkIndexEntry) {
	s.RemoveChunk(merged)
	if !merged.Committed() {
		return
	}
	for _, c := range old {
		c.deprecateTS.CompareAndSwap(uint64(merged.CommitTS()), 0)
	}
}

// ChunkIndexEntry indexes rows [BaseRow, BaseRow+RowCount) of a segment.
type ChunkIndexEntry struct {
	ID       uint32
	BaseRow  uint32
	RowCount uint32

	rows *roaring.Bitmap
	keys []int64
	offs []uint32

	commitTS    atomic.Uint64
	deprecateTS atomic.Uint64
}

// NewChunkIndexEntry builds a chunk over column values of rows
// [baseRow, baseRow+count). The chunk is uncommitted.
func NewChunkIndexEntry(seg *SegmentEntry, columnID model.ColumnID, baseRow, count uint32, bufMgr *buffer.Manager) (*ChunkIndexEntry, error) {
	c := &ChunkIndexEntry{BaseRow: baseRow, RowCount: count, rows: roaring.New()}
	c.commitTS.Store(uint64(model.UncommittedTS))
	dt := seg.table.Columns[columnID].Type
	width, err := dt.Size()
	if err != nil {
		return nil, err
	}
	for row := baseRow; row < baseRow+count; {
		blk := seg.Block(model.BlockID(row / seg.BlockCapacity))
		if blk == nil {
			return nil, fmt.Errorf("%w: block of row %d in segment %d", status.ErrNotFound, row, seg.ID)
		}
		off := row - blk.StartRow
		n := min(baseRow+count-row, blk.RowCapacity-off)
		data, err := blk.ReadColumn(bufMgr, columnID, off, n)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < n; i++ {
			c.keys = append(c.keys, vector.DecodeInt(data[int(i)*width:int(i+1)*width]))
			c.offs = append(c.offs, row+i)
			c.rows.Add(row + i)
		}
		row += n
	}
	c.sort()
	return c, nil
}

func (c *ChunkIndexEntry) sort() {
	sort.Stable(byKey{c})
}

type byKey struct{ c *ChunkIndexEntry }

func (b byKey) Len() int           { return len(b.c.keys) }
func (b byKey) Less(i, j int) bool { return b.c.keys[i] < b.c.keys[j] }
func (b byKey) Swap(i, j int) {
	b.c.keys[i], b.c.keys[j] = b.c.keys[j], b.c.keys[i]
	b.c.offs[i], b.c.offs[j] = b.c.offs[j], b.c.offs[i]
}

// MergeChunks builds one uncommitted chunk covering all of chunks.
func MergeChunks(chunks []*ChunkIndexEntry) *ChunkIndexEntry {
	m := &ChunkIndexEntry{rows: roaring.New()}
	m.commitTS.Store(uint64(model.UncommittedTS))
	if len(chunks) == 0 {
		return m
	}
	lo, hi := chunks[0].BaseRow, chunks[0].BaseRow+chunks[0].RowCount
	for _, c := range chunks {
		lo = min(lo, c.BaseRow)
		hi = max(hi, c.BaseRow+c.RowCount)
		m.rows.Or(c.rows)
		m.keys = append(m.keys, c.keys...)
		m.offs = append(m.offs, c.offs...)
	}
	m.BaseRow, m.RowCount = lo, hi-lo
	m.sort()
	return m
}

// Keys returns the sorted keys; Offsets the row of each key.
func (c *ChunkIndexEntry) Keys() []int64 { return c.keys }

func (c *ChunkIndexEntry) Offsets() []uint32 { return c.offs }

// Rows returns the covered row offsets.
func (c *ChunkIndexEntry) Rows() *roaring.Bitmap { return c.rows }

// CommitTS returns the commit timestamp, or model.UncommittedTS.
func (c *ChunkIndexEntry) CommitTS() model.TxnTimeStamp { return model.TxnTimeStamp(c.commitTS.Load()) }

// DeprecateTS returns when an optimize replaced the chunk, 0 if live.
func (c *ChunkIndexEntry) DeprecateTS() model.TxnTimeStamp {
	return model.TxnTimeStamp(c.deprecateTS.Load())
}

// Committed reports whether the chunk was committed.
func (c *ChunkIndexEntry) Committed() bool { return c.CommitTS() != model.UncommittedTS }

// Commit stamps the chunk with commitTS. Committing twice is an invariant
// violation.
func (c *ChunkIndexEntry) Commit(commitTS model.TxnTimeStamp) {
	if !c.commitTS.CompareAndSwap(uint64(model.UncommittedTS), uint64(commitTS)) {
		status.Unrecoverable("chunk %d committed twice", c.ID)
	}
}

// Visible reports whether the chunk is readable at readTS. Uncommitted
// chunks belong to an index only their creator can see.
func (c *ChunkIndexEntry) Visible(txnID model.TxnID, readTS model.TxnTimeStamp) bool {
	if d := c.DeprecateTS(); d != 0 && d <= readTS {
		return false
	}
	return !c.Committed() || c.CommitTS() <= readTS
}

// Lookup returns the row offsets whose key lies in [lo, hi].
func (c *ChunkIndexEntry) Lookup(lo, hi int64) []uint32 {
	i := sort.Search(len(c.keys), func(i int) bool { return c.keys[i] >= lo })
	var out []uint32
	for ; i < len(c.keys) && c.keys[i] <= hi; i++ {
		out = append(out, c.offs[i])
	}
	return out
}
