package catalog

import (
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/model"
)

// CompactionType tells how the segments of a compaction were chosen.
type CompactionType uint8

const (
	CompactionInvalid CompactionType = iota
	// CompactionTable merges every sealed segment of the table.
	CompactionTable
	// CompactionPickedSegments merges segments chosen by the policy.
	CompactionPickedSegments
)

func (t CompactionType) String() string {
	switch t {
	case CompactionTable:
		return "table"
	case CompactionPickedSegments:
		return "picked_segments"
	}
	return "invalid"
}

// SegmentStats holds what the compaction policy knows about a segment.
type SegmentStats struct {
	ID       model.SegmentID
	Rows     uint32
	Deleted  uint32
	Capacity uint32
}

// CompactionTask describes one compaction unit of work.
type CompactionTask struct {
	Type     CompactionType
	Segments []model.SegmentID
}

// CompactionPolicy determines which segments should be compacted.
type CompactionPolicy interface {
	// Pick returns a task or nil if no compaction is needed.
	Pick(segments []SegmentStats) *CompactionTask
}

// BoundedSizeTieredPolicy groups sealed segments by their live row count
// relative to capacity and compacts a bucket once it holds Threshold
// segments. A segment with more than half its rows deleted is always a
// candidate. A task never covers more live rows than one segment holds.
type BoundedSizeTieredPolicy struct {
	Threshold int
}

func (p *BoundedSizeTieredPolicy) Pick(segments []SegmentStats) *CompactionTask {
	if len(segments) == 0 {
		return nil
	}
	capacity := segments[0].Capacity

	var sparse []SegmentStats
	buckets := make(map[int][]SegmentStats)
	for _, s := range segments {
		if s.Deleted*2 > s.Rows {
			sparse = append(sparse, s)
			continue
		}
		buckets[p.bucket(s)] = append(buckets[p.bucket(s)], s)
	}
	if task := p.fill(sparse, capacity, 1); task != nil {
		return task
	}
	for i := 0; i < 4; i++ {
		if len(buckets[i]) < p.Threshold {
			continue
		}
		if task := p.fill(buckets[i], capacity, 2); task != nil {
			return task
		}
	}
	return nil
}

// fill picks segments in id order while their live rows fit one segment.
func (p *BoundedSizeTieredPolicy) fill(segs []SegmentStats, capacity uint32, minSegments int) *CompactionTask {
	slices.SortFunc(segs, func(a, b SegmentStats) int { return int(a.ID) - int(b.ID) })
	var ids []model.SegmentID
	var live uint32
	for _, s := range segs {
		if live+s.Rows-s.Deleted > capacity {
			break
		}
		ids = append(ids, s.ID)
		live += s.Rows - s.Deleted
	}
	if len(ids) < minSegments {
		return nil
	}
	return &CompactionTask{Type: CompactionPickedSegments, Segments: ids}
}

// bucket returns the fill bucket of a segment: under 1/16, 1/4, 1/2 of
// capacity, or above.
func (p *BoundedSizeTieredPolicy) bucket(s SegmentStats) int {
	live := s.Rows - s.Deleted
	switch {
	case live*16 < s.Capacity:
		return 0
	case live*4 < s.Capacity:
		return 1
	case live*2 < s.Capacity:
		return 2
	}
	return 3
}

// compactionAlg keeps the compaction candidates of one table.
type compactionAlg struct {
	mu         sync.Mutex
	candidates *roaring.Bitmap
	stats      map[model.SegmentID]SegmentStats
}

func newCompactionAlg() *compactionAlg {
	return &compactionAlg{
		candidates: roaring.New(),
		stats:      make(map[model.SegmentID]SegmentStats),
	}
}

func (a *compactionAlg) addSegment(seg *SegmentEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candidates.Add(uint32(seg.ID))
	a.stats[seg.ID] = SegmentStats{
		ID:       seg.ID,
		Rows:     seg.RowCount(),
		Deleted:  seg.DeleteCount(),
		Capacity: seg.RowCapacity,
	}
}

func (a *compactionAlg) addDeletes(seg *SegmentEntry, n uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.stats[seg.ID]; ok {
		st.Deleted += n
		a.stats[seg.ID] = st
	}
}

func (a *compactionAlg) removeSegment(id model.SegmentID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candidates.Remove(uint32(id))
	delete(a.stats, id)
}

func (a *compactionAlg) snapshot() []SegmentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SegmentStats, 0, a.candidates.GetCardinality())
	it := a.candidates.Iterator()
	for it.HasNext() {
		out = append(out, a.stats[model.SegmentID(it.Next())])
	}
	return out
}

// CompactionCandidates returns the sealed, flushed segments of the table the
// policy may pick from.
func (t *TableEntry) CompactionCandidates() []SegmentStats {
	return t.compaction.snapshot()
}

// MaintainCompactionAlg refreshes the candidates of the table after a
// commit touched segs.
func (c *Catalog) MaintainCompactionAlg(t *TableEntry, segs []*SegmentEntry) {
	for _, seg := range segs {
		switch seg.Status() {
		case SegmentSealed:
			if seg.FilesFlushed() {
				t.compaction.addSegment(seg)
			}
		case SegmentDeprecated, SegmentCompacting:
			t.compaction.removeSegment(seg.ID)
		}
	}
}

// PickCompaction asks the policy for a task on t.
func (c *Catalog) PickCompaction(t *TableEntry) *CompactionTask {
	return c.policy.Pick(t.CompactionCandidates())
}

// CompactPair is a new segment and the segments it replaces.
type CompactPair struct {
	New *SegmentEntry
	Old []*SegmentEntry
}

// CommitCompact retires the replaced segments at commitTS.
func (c *Catalog) CommitCompact(t *TableEntry, txnID model.TxnID, commitTS model.TxnTimeStamp, pairs []CompactPair) {
	for _, p := range pairs {
		for _, old := range p.Old {
			old.SetDeprecated(commitTS)
			t.compaction.removeSegment(old.ID)
		}
		if p.New != nil {
			t.compaction.addSegment(p.New)
		}
	}
	t.setLastWrite(commitTS)
	c.logger.Debug("Compaction committed", "table", t.Name, "txn", txnID, "commit_ts", commitTS, "pairs", len(pairs))
}

// RollbackCompact drops the new segments and returns the old ones to
// sealed, undoing a CommitCompact of the same transaction if it ran.
func (c *Catalog) RollbackCompact(t *TableEntry, txnID model.TxnID, pairs []CompactPair, bufMgr *buffer.Manager) error {
	var first error
	for _, p := range pairs {
		if p.New != nil {
			if p.New.TxnID() != txnID {
				status.Unrecoverable("rollback of compaction segment %d owned by txn %d", p.New.ID, p.New.TxnID())
			}
			if err := t.RemoveSegment(p.New, bufMgr); err != nil && first == nil {
				first = err
			}
		}
		for _, old := range p.Old {
			old.restoreSealed()
		}
	}
	return first
}
