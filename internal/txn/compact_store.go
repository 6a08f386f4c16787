package txn

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/model"
)

// TxnCompactStore records the single compaction of a table store.
type TxnCompactStore struct {
	Type  catalog.CompactionType
	pairs []compactPair
	moves map[model.SegmentID]rowMove
}

type compactPair struct {
	store *TxnSegmentStore // nil when every row of the old segments was deleted
	old   []*catalog.SegmentEntry
}

// rowMove locates the copied rows of an old segment in its replacement.
// The i-th row of rows lands at offset base+i of segment to.
type rowMove struct {
	to   model.SegmentID
	base uint32
	rows *roaring.Bitmap
}

func (s *TxnCompactStore) catalogPairs() []catalog.CompactPair {
	out := make([]catalog.CompactPair, len(s.pairs))
	for i, p := range s.pairs {
		out[i].Old = p.old
		if p.store != nil {
			out[i].New = p.store.segment
		}
	}
	return out
}

// relocate maps a row of a compacted segment to its copy. moved is false
// when the segment was not compacted; ok is false when the row was not
// copied.
func (s *TxnCompactStore) relocate(r model.RowID) (to model.RowID, moved, ok bool) {
	m, moved := s.moves[r.SegmentID]
	if !moved {
		return r, false, false
	}
	if m.rows == nil || !m.rows.Contains(r.SegmentOffset) {
		return r, true, false
	}
	off := m.base + uint32(m.rows.Rank(r.SegmentOffset)) - 1
	return model.RowID{SegmentID: m.to, SegmentOffset: off}, true, true
}
