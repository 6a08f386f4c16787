package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/internal/compress"
	"github.com/hupe1980/colstore/internal/filter"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/model"
)

const snapshotVersion = 1

type versionRecord struct {
	TxnID    model.TxnID        `json:"txn_id"`
	BeginTS  model.TxnTimeStamp `json:"begin_ts"`
	CommitTS model.TxnTimeStamp `json:"commit_ts"`
	Seq      uint64             `json:"seq"`
}

type catalogRecord struct {
	Version     int                `json:"version"`
	MaxCommitTS model.TxnTimeStamp `json:"max_commit_ts"`
	MaxTxnID    model.TxnID        `json:"max_txn_id"`
	Seq         uint64             `json:"seq"`
	Databases   []dbRecord         `json:"databases"`
}

type dbRecord struct {
	versionRecord
	Name   string        `json:"name"`
	Dir    string        `json:"dir"`
	Tables []tableRecord `json:"tables"`
}

type tableRecord struct {
	versionRecord
	Name          string             `json:"name"`
	Dir           string             `json:"dir"`
	Columns       []ColumnDef        `json:"columns"`
	BlockCapacity uint32             `json:"block_capacity"`
	SegmentBlocks uint32             `json:"segment_blocks"`
	NextSegmentID model.SegmentID    `json:"next_segment_id"`
	LastWriteTS   model.TxnTimeStamp `json:"last_write_ts"`
	Segments      []segmentRecord    `json:"segments"`
	Indexes       []indexRecord      `json:"indexes,omitempty"`
}

type rowDelete struct {
	Row uint32             `json:"row"`
	TS  model.TxnTimeStamp `json:"ts"`
}

type segmentRecord struct {
	ID           model.SegmentID    `json:"id"`
	Status       SegmentStatus      `json:"status"`
	RowCount     uint32             `json:"row_count"`
	Flushed      bool               `json:"flushed"`
	FilesFlushed bool               `json:"files_flushed"`
	CommitTS     model.TxnTimeStamp `json:"commit_ts"`
	Created      []Run              `json:"created"`
	Deletes      []rowDelete        `json:"deletes,omitempty"`
	Filter       []byte             `json:"filter,omitempty"`
	Blocks       []blockRecord      `json:"blocks"`
}

type blockRecord struct {
	ID          model.BlockID      `json:"id"`
	RowCount    uint32             `json:"row_count"`
	MinCommitTS model.TxnTimeStamp `json:"min_commit_ts"`
	MaxCommitTS model.TxnTimeStamp `json:"max_commit_ts"`
	Filter      []byte             `json:"filter,omitempty"`
	Columns     []columnRecord     `json:"columns"`
}

type indexRecord struct {
	versionRecord
	Name     string               `json:"name"`
	ColumnID model.ColumnID       `json:"column_id"`
	Segments []segmentIndexRecord `json:"segments"`
}

type segmentIndexRecord struct {
	SegmentID   model.SegmentID    `json:"segment_id"`
	CommitTS    model.TxnTimeStamp `json:"commit_ts"`
	NextChunkID uint32             `json:"next_chunk_id"`
	Chunks      []chunkRecord      `json:"chunks"`
}

type chunkRecord struct {
	ID          uint32             `json:"id"`
	BaseRow     uint32             `json:"base_row"`
	RowCount    uint32             `json:"row_count"`
	CommitTS    model.TxnTimeStamp `json:"commit_ts"`
	DeprecateTS model.TxnTimeStamp `json:"deprecate_ts,omitempty"`
	Rows        []byte             `json:"rows"`
	Keys        []int64            `json:"keys"`
	Offsets     []uint32           `json:"offsets"`
}

// PersistData makes every committed row durable in its data file: sealed
// segments are flushed, blocks of open segments are written and synced.
// Called with commits paused.
func (c *Catalog) PersistData() error {
	var errs []error
	for _, db := range c.committedDBs() {
		for _, t := range db.committedTables() {
			for _, seg := range t.Segments() {
				if !seg.committedData() {
					continue
				}
				switch seg.Status() {
				case SegmentOpen:
					for _, b := range seg.Blocks() {
						if err := b.checkpoint(); err != nil {
							errs = append(errs, err)
						}
					}
				case SegmentSealed, SegmentCompacting:
					if !seg.FilesFlushed() {
						if err := seg.Flush(); err != nil {
							errs = append(errs, err)
							continue
						}
						t.compaction.addSegment(seg)
					}
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) committedDBs() []*DBEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*DBEntry
	for _, chain := range c.dbs {
		for _, db := range chain {
			if db.Committed() {
				if !db.Deleted() {
					out = append(out, db)
				}
				break
			}
		}
	}
	slices.SortFunc(out, func(a, b *DBEntry) int { return compareUint64(a.seq, b.seq) })
	return out
}

func (db *DBEntry) committedTables() []*TableEntry {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []*TableEntry
	for _, chain := range db.tables {
		for _, t := range chain {
			if t.Committed() {
				if !t.Deleted() {
					out = append(out, t)
				}
				break
			}
		}
	}
	slices.SortFunc(out, func(a, b *TableEntry) int { return compareUint64(a.seq, b.seq) })
	return out
}

// committedData reports whether the segment holds committed rows that are
// still live: flushed segments must be committed, deprecated ones are gone.
func (s *SegmentEntry) committedData() bool {
	if s.Status() == SegmentDeprecated {
		return false
	}
	if s.flushed {
		return s.CommitTS() != model.UncommittedTS
	}
	return s.RowCount() > 0
}

// Serialize encodes the committed state of the catalog as ZSTD-compressed
// JSON. Called with commits paused, after PersistData.
func (c *Catalog) Serialize() ([]byte, error) {
	rec := catalogRecord{
		Version:     snapshotVersion,
		MaxCommitTS: c.MaxCommitTS(),
		MaxTxnID:    c.MaxTxnID(),
		Seq:         c.seq.Load(),
	}
	for _, db := range c.committedDBs() {
		dr := dbRecord{versionRecord: recordOf(&db.version, db.seq), Name: db.Name, Dir: db.Dir}
		for _, t := range db.committedTables() {
			tr, err := t.record()
			if err != nil {
				return nil, err
			}
			dr.Tables = append(dr.Tables, tr)
		}
		rec.Databases = append(rec.Databases, dr)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return compress.Encode(raw, compress.ZSTD)
}

func recordOf(v *version, seq uint64) versionRecord {
	return versionRecord{TxnID: v.TxnID(), BeginTS: v.BeginTS(), CommitTS: v.CommitTS(), Seq: seq}
}

func (t *TableEntry) record() (tableRecord, error) {
	t.mu.RLock()
	tr := tableRecord{
		versionRecord: recordOf(&t.version, t.seq),
		Name:          t.Name,
		Dir:           t.Dir,
		Columns:       t.Columns,
		BlockCapacity: t.BlockCapacity,
		SegmentBlocks: t.SegmentBlocks,
		NextSegmentID: t.nextSegmentID,
		LastWriteTS:   t.LastWriteTS(),
	}
	t.mu.RUnlock()

	for _, seg := range t.Segments() {
		if !seg.committedData() {
			continue
		}
		sr, err := seg.record()
		if err != nil {
			return tr, err
		}
		tr.Segments = append(tr.Segments, sr)
	}
	for _, idx := range t.CommittedIndexes() {
		ir := indexRecord{versionRecord: recordOf(&idx.version, idx.seq), Name: idx.Name, ColumnID: idx.ColumnID}
		for _, si := range idx.SegmentIndexes() {
			if seg := t.Segment(si.SegmentID); seg == nil || !seg.committedData() {
				continue
			}
			sir := segmentIndexRecord{SegmentID: si.SegmentID, CommitTS: si.CommitTS()}
			si.mu.RLock()
			sir.NextChunkID = si.nextChunkID
			si.mu.RUnlock()
			for _, ch := range si.Chunks() {
				if !ch.Committed() || ch.DeprecateTS() != 0 {
					continue
				}
				rows, err := ch.rows.ToBytes()
				if err != nil {
					return tr, err
				}
				sir.Chunks = append(sir.Chunks, chunkRecord{
					ID: ch.ID, BaseRow: ch.BaseRow, RowCount: ch.RowCount,
					CommitTS: ch.CommitTS(), Rows: rows, Keys: ch.keys, Offsets: ch.offs,
				})
			}
			ir.Segments = append(ir.Segments, sir)
		}
		tr.Indexes = append(tr.Indexes, ir)
	}
	return tr, nil
}

func (s *SegmentEntry) record() (segmentRecord, error) {
	st := s.Status()
	if st == SegmentCompacting {
		st = SegmentSealed
	}
	rows := s.RowCount()
	sr := segmentRecord{
		ID:           s.ID,
		Status:       st,
		RowCount:     rows,
		Flushed:      s.flushed,
		FilesFlushed: s.FilesFlushed(),
		CommitTS:     s.CommitTS(),
		Created:      s.version.createdRuns(rows),
	}
	for off := uint32(0); off < rows; off++ {
		if d := s.version.Deleted(off); d != 0 {
			sr.Deletes = append(sr.Deletes, rowDelete{Row: off, TS: d})
		}
	}
	if f := s.Filter(); f != nil {
		b, err := f.Serialize()
		if err != nil {
			return sr, err
		}
		sr.Filter = b
	}
	for _, b := range s.Blocks() {
		br := blockRecord{
			ID:          b.ID,
			RowCount:    b.RowCount(),
			MinCommitTS: b.MinCommitTS(),
			MaxCommitTS: b.MaxCommitTS(),
		}
		if b.filter != nil {
			fb, err := b.filter.Serialize()
			if err != nil {
				return sr, err
			}
			br.Filter = fb
		}
		for _, col := range b.columns {
			br.Columns = append(br.Columns, col.record())
		}
		sr.Blocks = append(sr.Blocks, br)
	}
	return sr, nil
}

// Deserialize loads a snapshot produced by Serialize into an empty catalog.
// Column buffers stay unbound until first use.
func (c *Catalog) Deserialize(data []byte) error {
	raw, err := compress.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: catalog snapshot: %v", status.ErrDataIO, err)
	}
	var rec catalogRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: catalog snapshot: %v", status.ErrDataIO, err)
	}
	if rec.Version != snapshotVersion {
		return fmt.Errorf("%w: catalog snapshot version %d", status.ErrDataIO, rec.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dr := range rec.Databases {
		db := &DBEntry{catalog: c, Name: dr.Name, Dir: dr.Dir, seq: dr.Seq, tables: make(map[string][]*TableEntry)}
		db.restore(dr.versionRecord)
		for _, tr := range dr.Tables {
			t, err := restoreTable(db, tr)
			if err != nil {
				return err
			}
			db.tables[t.Name] = []*TableEntry{t}
		}
		c.dbs[db.Name] = []*DBEntry{db}
	}
	c.seq.Store(rec.Seq)
	c.AdvanceCommitTS(rec.MaxCommitTS)
	c.ObserveTxnID(rec.MaxTxnID)
	return nil
}

func (v *version) restore(r versionRecord) {
	v.init(r.TxnID, r.BeginTS, false)
	v.Commit(r.CommitTS)
}

func restoreTable(db *DBEntry, tr tableRecord) (*TableEntry, error) {
	t := &TableEntry{
		db:            db,
		Name:          tr.Name,
		Dir:           tr.Dir,
		Columns:       tr.Columns,
		BlockCapacity: tr.BlockCapacity,
		SegmentBlocks: tr.SegmentBlocks,
		seq:           tr.Seq,
		segments:      make(map[model.SegmentID]*SegmentEntry),
		nextSegmentID: tr.NextSegmentID,
		indexes:       make(map[string][]*TableIndexEntry),
		compaction:    newCompactionAlg(),
	}
	t.restore(tr.versionRecord)
	t.lastWriteTS.Store(uint64(tr.LastWriteTS))

	for _, sr := range tr.Segments {
		seg := newSegmentEntry(t, sr.ID, model.InvalidTxnID, 0, sr.Flushed)
		seg.status.Store(uint32(sr.Status))
		seg.commitTS.Store(uint64(sr.CommitTS))
		seg.currentRow = sr.RowCount
		seg.filesFlushed.Store(sr.FilesFlushed)
		seg.version.restoreRuns(sr.Created)
		for _, d := range sr.Deletes {
			seg.version.Delete(d.Row, d.TS)
		}
		seg.deleteCount.Store(uint32(len(sr.Deletes)))
		if len(sr.Filter) > 0 {
			f, err := filter.Deserialize(sr.Filter)
			if err != nil {
				return nil, err
			}
			seg.filter = f
		}
		for _, br := range sr.Blocks {
			b := newBlockEntry(seg, br.ID, model.InvalidTxnID, 0)
			b.rowCount.Store(br.RowCount)
			b.checkpointRows.Store(br.RowCount)
			b.minCommitTS.Store(uint64(br.MinCommitTS))
			b.maxCommitTS.Store(uint64(br.MaxCommitTS))
			if len(br.Filter) > 0 {
				f, err := filter.Deserialize(br.Filter)
				if err != nil {
					return nil, err
				}
				b.filter = f
			}
			for _, cr := range br.Columns {
				col := columnFromRecord(cr)
				col.flushed = sr.FilesFlushed
				b.columns = append(b.columns, col)
			}
			seg.blocks = append(seg.blocks, b)
		}
		t.segments[seg.ID] = seg
		if seg.Status() == SegmentOpen {
			t.unsealed = seg
		}
		if seg.Status() == SegmentSealed && seg.FilesFlushed() {
			t.compaction.addSegment(seg)
		}
	}

	for _, ir := range tr.Indexes {
		idx := &TableIndexEntry{table: t, Name: ir.Name, ColumnID: ir.ColumnID, seq: ir.Seq, segments: make(map[model.SegmentID]*SegmentIndexEntry)}
		idx.restore(ir.versionRecord)
		for _, sir := range ir.Segments {
			si := &SegmentIndexEntry{index: idx, SegmentID: sir.SegmentID, nextChunkID: sir.NextChunkID}
			si.commitTS.Store(uint64(sir.CommitTS))
			for _, cr := range sir.Chunks {
				ch := &ChunkIndexEntry{ID: cr.ID, BaseRow: cr.BaseRow, RowCount: cr.RowCount, rows: roaring.New(), keys: cr.Keys, offs: cr.Offsets}
				if err := ch.rows.UnmarshalBinary(cr.Rows); err != nil {
					return nil, fmt.Errorf("%w: index %s chunk %d: %v", status.ErrDataIO, ir.Name, cr.ID, err)
				}
				ch.commitTS.Store(uint64(cr.CommitTS))
				si.chunks = append(si.chunks, ch)
			}
			idx.segments[si.SegmentID] = si
		}
		t.indexes[idx.Name] = []*TableIndexEntry{idx}
	}
	return t, nil
}
