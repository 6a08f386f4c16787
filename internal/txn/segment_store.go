package txn

import (
	"maps"
	"slices"

	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/model"
)

// TxnSegmentStore records the blocks of one segment a transaction touched.
type TxnSegmentStore struct {
	segment *catalog.SegmentEntry
	blocks  map[model.BlockID]*catalog.BlockEntry
	seq     uint64
}

// NewTxnSegmentStore creates the store of seg.
func NewTxnSegmentStore(seg *catalog.SegmentEntry, seq uint64) *TxnSegmentStore {
	return &TxnSegmentStore{
		segment: seg,
		blocks:  make(map[model.BlockID]*catalog.BlockEntry),
		seq:     seq,
	}
}

// AddAllBlocks records every block of a segment built by the transaction.
func (s *TxnSegmentStore) AddAllBlocks() {
	for _, b := range s.segment.Blocks() {
		s.blocks[b.ID] = b
	}
}

// Segment returns the segment entry.
func (s *TxnSegmentStore) Segment() *catalog.SegmentEntry { return s.segment }

// Blocks returns the touched blocks ordered by id.
func (s *TxnSegmentStore) Blocks() []*catalog.BlockEntry {
	ids := slices.Sorted(maps.Keys(s.blocks))
	out := make([]*catalog.BlockEntry, len(ids))
	for i, id := range ids {
		out[i] = s.blocks[id]
	}
	return out
}
