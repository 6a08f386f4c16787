package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/internal/vector"
	"github.com/hupe1980/colstore/model"
)

func TestBoundedSizeTieredPolicy(t *testing.T) {
	p := &BoundedSizeTieredPolicy{Threshold: 3}

	tests := []struct {
		name     string
		segments []SegmentStats
		want     []model.SegmentID
	}{
		{name: "empty"},
		{
			name: "below threshold",
			segments: []SegmentStats{
				{ID: 1, Rows: 10, Capacity: 100},
				{ID: 2, Rows: 10, Capacity: 100},
			},
		},
		{
			name: "small bucket",
			segments: []SegmentStats{
				{ID: 3, Rows: 10, Capacity: 100},
				{ID: 1, Rows: 10, Capacity: 100},
				{ID: 2, Rows: 12, Capacity: 100},
			},
			want: []model.SegmentID{1, 2, 3},
		},
		{
			name: "sparse segment alone",
			segments: []SegmentStats{
				{ID: 4, Rows: 100, Deleted: 60, Capacity: 100},
				{ID: 5, Rows: 100, Capacity: 100},
			},
			want: []model.SegmentID{4},
		},
		{
			name: "live rows bounded by capacity",
			segments: []SegmentStats{
				{ID: 1, Rows: 40, Capacity: 100},
				{ID: 2, Rows: 40, Capacity: 100},
				{ID: 3, Rows: 40, Capacity: 100},
			},
			want: []model.SegmentID{1, 2},
		},
		{
			name: "full segments never merge",
			segments: []SegmentStats{
				{ID: 1, Rows: 100, Capacity: 100},
				{ID: 2, Rows: 100, Capacity: 100},
				{ID: 3, Rows: 100, Capacity: 100},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := p.Pick(tt.segments)
			if tt.want == nil {
				assert.Nil(t, task)
				return
			}
			require.NotNil(t, task)
			assert.Equal(t, CompactionPickedSegments, task.Type)
			assert.Equal(t, tt.want, task.Segments)
		})
	}
}

func TestCompactionTypeString(t *testing.T) {
	assert.Equal(t, "table", CompactionTable.String())
	assert.Equal(t, "picked_segments", CompactionPickedSegments.String())
	assert.Equal(t, "invalid", CompactionInvalid.String())
}

func TestCommitAndRollbackCompact(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, Options{})
	bufMgr := newBufMgr(t, dir)
	table := setupTable(t, c, 2, 2)
	commitRows(t, c, bufMgr, table, 3, 3, 0, 8)
	require.Len(t, table.CompactionCandidates(), 2)

	old := table.Segments()
	require.Len(t, old, 2)
	for _, seg := range old {
		require.True(t, seg.SetCompacting())
	}
	assert.False(t, old[0].SetCompacting(), "a segment is reserved once")

	built, err := table.BuildSegment(t.Context(), 4, 3, []*vector.DataBlock{intBlock(t, 0, 4)}, bufMgr)
	require.NoError(t, err)
	assert.True(t, built.Flushed())
	assert.Equal(t, model.UncommittedTS, built.CommitTS())
	assert.Len(t, readIDs(t, bufMgr, table, 10), 8, "compaction output is invisible before commit")

	pairs := []CompactPair{{New: built, Old: old[:1]}}
	built.CommitFlushed(4)
	c.CommitCompact(table, 4, 4, pairs)
	assert.Equal(t, SegmentDeprecated, old[0].Status())
	assert.Equal(t, model.TxnTimeStamp(4), old[0].DeprecateTS())
	assert.False(t, old[0].Visible(model.InvalidTxnID, 4))
	assert.True(t, old[0].Visible(model.InvalidTxnID, 3))
	assert.Equal(t, []int64{4, 5, 6, 7, 0, 1, 2, 3}, readIDs(t, bufMgr, table, 4))

	require.NoError(t, c.RollbackCompact(table, 4, pairs, bufMgr))
	assert.Equal(t, SegmentSealed, old[0].Status())
	assert.Nil(t, table.Segment(built.ID))
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7}, readIDs(t, bufMgr, table, 10))

	assert.True(t, old[1].SetNoCompacting())
}
