package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/datatype"
	"github.com/hupe1980/colstore/internal/delta"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

// ColumnDef describes a table column.
type ColumnDef = delta.ColumnDef

// TableEntry is one version of a table.
type TableEntry struct {
	version
	db            *DBEntry
	Name          string
	Dir           string
	Columns       []ColumnDef
	BlockCapacity uint32
	SegmentBlocks uint32

	// seq orders tables for snapshots and delta ops.
	seq uint64

	mu            sync.RWMutex
	segments      map[model.SegmentID]*SegmentEntry
	nextSegmentID model.SegmentID
	unsealed      *SegmentEntry
	indexes       map[string][]*TableIndexEntry

	lastWriteTS atomic.Uint64
	compaction  *compactionAlg
}

func newTableEntry(db *DBEntry, name string, columns []ColumnDef, blockCapacity, segmentBlocks uint32, txnID model.TxnID, beginTS model.TxnTimeStamp, deleted bool) *TableEntry {
	t := &TableEntry{
		db:            db,
		Name:          name,
		Dir:           filepath.Join(db.Dir, fmt.Sprintf("%s_%d", name, txnID)),
		Columns:       columns,
		BlockCapacity: blockCapacity,
		SegmentBlocks: segmentBlocks,
		segments:      make(map[model.SegmentID]*SegmentEntry),
		indexes:       make(map[string][]*TableIndexEntry),
		compaction:    newCompactionAlg(),
	}
	t.init(txnID, beginTS, deleted)
	return t
}

// DB returns the owning database entry.
func (t *TableEntry) DB() *DBEntry { return t.db }

// Seq orders tables by creation.
func (t *TableEntry) Seq() uint64 { return t.seq }

// Types returns the column types.
func (t *TableEntry) Types() []datatype.DataType {
	types := make([]datatype.DataType, len(t.Columns))
	for i, c := range t.Columns {
		types[i] = c.Type
	}
	return types
}

// SegmentRowCapacity returns the rows one segment holds.
func (t *TableEntry) SegmentRowCapacity() uint32 { return t.BlockCapacity * t.SegmentBlocks }

// LastWriteTS returns the commit timestamp of the last data write.
func (t *TableEntry) LastWriteTS() model.TxnTimeStamp {
	return model.TxnTimeStamp(t.lastWriteTS.Load())
}

func (t *TableEntry) setLastWrite(commitTS model.TxnTimeStamp) {
	for {
		cur := t.lastWriteTS.Load()
		if uint64(commitTS) <= cur || t.lastWriteTS.CompareAndSwap(cur, uint64(commitTS)) {
			return
		}
	}
}

// Segment returns segment id or nil.
func (t *TableEntry) Segment(id model.SegmentID) *SegmentEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.segments[id]
}

// Segments returns all segments ordered by id.
func (t *TableEntry) Segments() []*SegmentEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*SegmentEntry, 0, len(t.segments))
	for _, s := range t.segments {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *SegmentEntry) int { return int(a.ID) - int(b.ID) })
	return out
}

// VisibleSegments returns the segments txnID may read at readTS.
func (t *TableEntry) VisibleSegments(txnID model.TxnID, readTS model.TxnTimeStamp) []*SegmentEntry {
	segs := t.Segments()
	out := segs[:0]
	for _, s := range segs {
		if s.Visible(txnID, readTS) {
			out = append(out, s)
		}
	}
	return out
}

// UnsealedSegment returns the segment appends go to, or nil.
func (t *TableEntry) UnsealedSegment() *SegmentEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.unsealed
}

func (t *TableEntry) newSegmentLocked(txnID model.TxnID, beginTS model.TxnTimeStamp, flushed bool) *SegmentEntry {
	id := t.nextSegmentID
	t.nextSegmentID++
	seg := newSegmentEntry(t, id, txnID, beginTS, flushed)
	t.segments[id] = seg
	return seg
}

func (t *TableEntry) removeSegmentLocked(seg *SegmentEntry, bufMgr *buffer.Manager) error {
	err := seg.remove(bufMgr)
	delete(t.segments, seg.ID)
	if t.unsealed == seg {
		t.unsealed = nil
	}
	t.compaction.removeSegment(seg.ID)
	if rmErr := t.db.catalog.fsys.RemoveAll(seg.Dir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// BuildSegment writes blocks into a new flushed segment owned by txnID. The
// segment is sealed, persisted and registered with the table, but stays
// invisible to other transactions until CommitFlushed.
func (t *TableEntry) BuildSegment(ctx context.Context, txnID model.TxnID, beginTS model.TxnTimeStamp, blocks []*vector.DataBlock, bufMgr *buffer.Manager) (*SegmentEntry, error) {
	rows := 0
	for _, b := range blocks {
		if err := t.checkSchema(b); err != nil {
			return nil, err
		}
		rows += b.RowCount()
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: empty segment", status.ErrInvalidArgument)
	}
	if rows > int(t.SegmentRowCapacity()) {
		return nil, fmt.Errorf("%w: %d rows exceed segment capacity %d", status.ErrInvalidArgument, rows, t.SegmentRowCapacity())
	}

	t.mu.Lock()
	seg := t.newSegmentLocked(txnID, beginTS, true)
	t.mu.Unlock()

	fail := func(err error) (*SegmentEntry, error) {
		t.mu.Lock()
		_ = t.removeSegmentLocked(seg, bufMgr)
		t.mu.Unlock()
		return nil, err
	}
	for _, b := range blocks {
		if err := seg.writeBlock(b, bufMgr); err != nil {
			return fail(err)
		}
	}
	seg.status.Store(uint32(SegmentSealed))
	if err := seg.BuildFilter(ctx, bufMgr, t.db.catalog.workers); err != nil {
		return fail(err)
	}
	if err := seg.Flush(); err != nil {
		return fail(err)
	}
	return seg, nil
}

// RemoveSegment drops a segment this transaction built and never committed.
func (t *TableEntry) RemoveSegment(seg *SegmentEntry, bufMgr *buffer.Manager) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeSegmentLocked(seg, bufMgr)
}

// checkSchema validates a block against the table columns.
func (t *TableEntry) checkSchema(b *vector.DataBlock) error {
	if b.ColumnCount() != len(t.Columns) {
		return fmt.Errorf("%w: table %s has %d columns, block has %d", status.ErrColumnCountMismatch, t.Name, len(t.Columns), b.ColumnCount())
	}
	for i, dt := range b.Types() {
		if !dt.Equal(t.Columns[i].Type) {
			return fmt.Errorf("%w: column %s is %s, block has %s", status.ErrDataTypeMismatch, t.Columns[i].Name, t.Columns[i].Type, dt)
		}
	}
	return nil
}

// CheckSchema reports whether b can be appended to the table.
func (t *TableEntry) CheckSchema(b *vector.DataBlock) error { return t.checkSchema(b) }

// Cleanup releases the buffers and files of every segment.
func (t *TableEntry) Cleanup(bufMgr *buffer.Manager) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seg := range t.segments {
		_ = seg.remove(bufMgr)
	}
	clear(t.segments)
	t.unsealed = nil
	return t.db.catalog.fsys.RemoveAll(t.Dir)
}

// Index returns the index version txnID sees.
func (t *TableEntry) Index(name string, txnID model.TxnID, beginTS model.TxnTimeStamp) (*TableIndexEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx, ok := chainVisible(t.indexes[name], txnID, beginTS); ok {
		return idx, nil
	}
	return nil, fmt.Errorf("%w: index %s on %s", status.ErrNotFound, name, t.Name)
}

// CommittedIndexes returns the live index versions that are committed.
func (t *TableEntry) CommittedIndexes() []*TableIndexEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*TableIndexEntry
	for _, chain := range t.indexes {
		for _, idx := range chain {
			if idx.Committed() {
				if !idx.Deleted() {
					out = append(out, idx)
				}
				break
			}
		}
	}
	slices.SortFunc(out, func(a, b *TableIndexEntry) int { return compareUint64(a.seq, b.seq) })
	return out
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// WriteIndexes returns the live indexes new rows written by txnID must be
// added to: the newest version that is committed or owned by txnID.
func (t *TableEntry) WriteIndexes(txnID model.TxnID) []*TableIndexEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*TableIndexEntry
	for _, chain := range t.indexes {
		if idx, ok := chainLatest(chain, txnID); ok && !idx.Deleted() {
			out = append(out, idx)
		}
	}
	slices.SortFunc(out, func(a, b *TableIndexEntry) int { return compareUint64(a.seq, b.seq) })
	return out
}
