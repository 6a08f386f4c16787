package colstore

import (
	"sync/atomic"
	"time"
)

// MetricsObserver receives engine events. Implement it to export metrics to
// a monitoring system.
type MetricsObserver interface {
	// OnCommit is called after each commit attempt. Conflicts are reported
	// through OnConflict as well.
	OnCommit(duration time.Duration, err error)

	// OnRollback is called after each rollback, including read-only
	// transactions closed by View.
	OnRollback()

	// OnConflict is called when a commit loses a write-write conflict.
	OnConflict()

	// OnCheckpoint is called when a checkpoint completes.
	OnCheckpoint(duration time.Duration, snapshotBytes int64, err error)

	// OnCompaction is called after a compaction attempt.
	OnCompaction(duration time.Duration, compacted bool, err error)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnCommit(time.Duration, error)            {}
func (NoopMetricsObserver) OnRollback()                              {}
func (NoopMetricsObserver) OnConflict()                              {}
func (NoopMetricsObserver) OnCheckpoint(time.Duration, int64, error) {}
func (NoopMetricsObserver) OnCompaction(time.Duration, bool, error)  {}

// BasicMetricsObserver provides simple in-memory counters.
type BasicMetricsObserver struct {
	CommitCount       atomic.Int64
	CommitErrors      atomic.Int64
	CommitTotalNanos  atomic.Int64
	RollbackCount     atomic.Int64
	ConflictCount     atomic.Int64
	CheckpointCount   atomic.Int64
	CheckpointErrors  atomic.Int64
	CheckpointBytes   atomic.Int64
	CompactionCount   atomic.Int64
	CompactionErrors  atomic.Int64
	CompactionSkipped atomic.Int64
}

// OnCommit implements MetricsObserver.
func (b *BasicMetricsObserver) OnCommit(duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// OnRollback implements MetricsObserver.
func (b *BasicMetricsObserver) OnRollback() {
	b.RollbackCount.Add(1)
}

// OnConflict implements MetricsObserver.
func (b *BasicMetricsObserver) OnConflict() {
	b.ConflictCount.Add(1)
}

// OnCheckpoint implements MetricsObserver.
func (b *BasicMetricsObserver) OnCheckpoint(_ time.Duration, snapshotBytes int64, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
		return
	}
	b.CheckpointBytes.Add(snapshotBytes)
}

// OnCompaction implements MetricsObserver.
func (b *BasicMetricsObserver) OnCompaction(_ time.Duration, compacted bool, err error) {
	switch {
	case err != nil:
		b.CompactionErrors.Add(1)
	case compacted:
		b.CompactionCount.Add(1)
	default:
		b.CompactionSkipped.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CommitCount:       b.CommitCount.Load(),
		CommitErrors:      b.CommitErrors.Load(),
		CommitAvgNanos:    b.avgCommitNanos(),
		RollbackCount:     b.RollbackCount.Load(),
		ConflictCount:     b.ConflictCount.Load(),
		CheckpointCount:   b.CheckpointCount.Load(),
		CheckpointErrors:  b.CheckpointErrors.Load(),
		CheckpointBytes:   b.CheckpointBytes.Load(),
		CompactionCount:   b.CompactionCount.Load(),
		CompactionErrors:  b.CompactionErrors.Load(),
		CompactionSkipped: b.CompactionSkipped.Load(),
	}
}

func (b *BasicMetricsObserver) avgCommitNanos() int64 {
	count := b.CommitCount.Load()
	if count == 0 {
		return 0
	}
	return b.CommitTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	CommitCount       int64
	CommitErrors      int64
	CommitAvgNanos    int64
	RollbackCount     int64
	ConflictCount     int64
	CheckpointCount   int64
	CheckpointErrors  int64
	CheckpointBytes   int64
	CompactionCount   int64
	CompactionErrors  int64
	CompactionSkipped int64
}
