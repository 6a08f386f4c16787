package colstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/colstore/blobstore"
	"github.com/hupe1980/colstore/internal/buffer"
	"github.com/hupe1980/colstore/internal/cache"
	"github.com/hupe1980/colstore/internal/catalog"
	"github.com/hupe1980/colstore/internal/delta"
	"github.com/hupe1980/colstore/internal/fs"
	"github.com/hupe1980/colstore/internal/manifest"
	"github.com/hupe1980/colstore/internal/resource"
	"github.com/hupe1980/colstore/internal/txn"
	"github.com/hupe1980/colstore/internal/wal"
)

const (
	walDirName        = "wal"
	walFileName       = "delta.wal"
	spillDirName      = "spill"
	checkpointDirName = "checkpoint"
)

// Engine is an embedded columnar store rooted at one data directory.
//
// Committed transactions are appended to a delta log before they become
// visible. A checkpoint persists every committed row to its data file,
// stores a snapshot of the catalog and truncates the delta log. Open loads
// the newest checkpoint and replays the delta log on top of it.
type Engine struct {
	dir    string
	opts   options
	logger *Logger

	fs      fs.FileSystem
	rc      *resource.Controller
	cache   cache.BlockCache
	bufMgr  *buffer.Manager
	cat     *catalog.Catalog
	mgr     *txn.TxnManager
	wal     *wal.WAL
	mstore  *manifest.Store
	metrics MetricsObserver

	// checkpointMu serializes checkpoints; manifest is guarded by it.
	checkpointMu sync.Mutex
	manifest     *manifest.Manifest

	checkpointCh chan struct{}
	closeCh      chan struct{}
	wg           sync.WaitGroup
	closed       atomic.Bool
}

// Open opens or creates the engine in dir.
func Open(dir string, optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)
	e := &Engine{
		dir:          dir,
		opts:         o,
		logger:       o.logger,
		fs:           o.fs,
		metrics:      o.metrics,
		checkpointCh: make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
	}

	e.rc = o.rc
	if e.rc == nil {
		e.rc = resource.NewController(resource.Config{MemoryLimitBytes: o.memoryLimit})
	}

	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	// Spilled buffers belonged to transactions of the previous process.
	spillDir := filepath.Join(dir, spillDirName)
	if err := e.fs.RemoveAll(spillDir); err != nil {
		return nil, fmt.Errorf("failed to clear spill directory: %w", err)
	}

	store := o.store
	if store == nil {
		store = blobstore.NewLocalStoreFS(e.fs, filepath.Join(dir, checkpointDirName))
	}
	if o.cacheSize > 0 {
		e.cache = cache.NewShardedLRUBlockCache(o.cacheSize, e.rc)
		blockSize := o.cacheBlockSize
		if blockSize <= 0 {
			blockSize = 1 << 20
		}
		store = blobstore.NewCachingStore(store, e.cache, blockSize)
	}
	e.mstore = manifest.NewStore(store)

	e.bufMgr = buffer.NewManager(buffer.Options{
		FS:       e.fs,
		Resource: e.rc,
		SpillDir: spillDir,
		Logger:   e.logger.Logger,
	})
	e.cat = catalog.New(dir, catalog.Options{
		FS:                  e.fs,
		Logger:              e.logger.Logger,
		FilterWorkers:       o.filterWorkers,
		CompactionThreshold: o.compactionMin,
	})

	ctx := context.Background()
	replayed, err := e.recover(ctx)
	if err != nil {
		e.closeResources()
		return nil, err
	}

	e.mgr = txn.NewTxnManager(e.cat, e.bufMgr, txn.Options{
		Logger:        e.logger.Logger,
		DeltaLog:      e.wal,
		BlockCapacity: o.blockCapacity,
		SegmentBlocks: o.segmentBlocks,
	})

	if replayed > 0 {
		if err := e.Checkpoint(ctx); err != nil {
			e.closeResources()
			return nil, err
		}
	}

	if o.autoCheckpoint > 0 {
		e.mgr.OnFinish(e.maybeScheduleCheckpoint)
		e.wg.Add(1)
		go e.checkpointLoop()
	}
	return e, nil
}

// recover loads the newest checkpoint and replays the delta log. It returns
// the number of replayed delta entries.
func (e *Engine) recover(ctx context.Context) (int, error) {
	m, err := e.mstore.Load(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		m = manifest.New()
	case err != nil:
		return 0, fmt.Errorf("failed to load manifest: %w", err)
	default:
		data, err := e.mstore.ReadSnapshot(ctx, m)
		if err != nil {
			return 0, fmt.Errorf("failed to read checkpoint %d: %w", m.ID, err)
		}
		if err := e.cat.Deserialize(data); err != nil {
			return 0, fmt.Errorf("failed to load checkpoint %d: %w", m.ID, err)
		}
		e.logger.Debug("Checkpoint loaded", "version", m.ID, "commit_ts", m.MaxCommitTS)
	}
	e.manifest = m

	w, err := wal.Open(e.fs, filepath.Join(e.dir, walDirName, walFileName), wal.Options{
		Durability: e.opts.durability,
		Logger:     e.logger.Logger,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open delta log: %w", err)
	}
	e.wal = w

	replayed := 0
	_, err = w.Replay(func(rec *wal.Record) error {
		if rec.CommitTS <= e.cat.MaxCommitTS() {
			e.cat.ObserveTxnID(rec.TxnID)
			return nil
		}
		entry, err := delta.Decode(rec.Payload)
		if err != nil {
			return err
		}
		if err := e.cat.ReplayDelta(entry, e.bufMgr); err != nil {
			return err
		}
		replayed++
		return nil
	})
	e.logger.LogRecovery(ctx, replayed, err)
	if err != nil {
		return replayed, err
	}
	return replayed, nil
}

// Begin starts a snapshot-isolated transaction.
func (e *Engine) Begin() (*Txn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	t := e.mgr.Begin()
	return &Txn{e: e, t: t, logger: e.logger.WithTxn(t.ID()), start: time.Now()}, nil
}

// Update runs fn in a new transaction and commits it. The transaction is
// rolled back when fn returns an error.
func (e *Engine) Update(ctx context.Context, fn func(*Txn) error) error {
	t, err := e.Begin()
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		if rbErr := t.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrTxnClosed) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return t.Commit(ctx)
}

// View runs fn in a read-only transaction.
func (e *Engine) View(fn func(*Txn) error) error {
	t, err := e.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	return fn(t)
}

// Checkpoint makes every committed change durable without the delta log and
// truncates the log. Commits wait while a checkpoint runs.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.checkpoint(ctx)
}

func (e *Engine) checkpoint(ctx context.Context) (err error) {
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	if err := e.rc.AcquireBackground(ctx); err != nil {
		return err
	}
	defer e.rc.ReleaseBackground()

	start := time.Now()
	next := *e.manifest
	var size int64
	defer func() {
		d := time.Since(start)
		e.metrics.OnCheckpoint(d, size, err)
		e.logger.LogCheckpoint(ctx, next.ID, next.MaxCommitTS, d, err)
	}()

	err = e.mgr.Exclusive(func(lastCommitTS TxnTimeStamp) error {
		if err := e.cat.PersistData(); err != nil {
			return fmt.Errorf("failed to persist data: %w", err)
		}
		data, err := e.cat.Serialize()
		if err != nil {
			return err
		}
		size = int64(len(data))

		next.MaxCommitTS = lastCommitTS
		next.MaxTxnID = e.cat.MaxTxnID()
		if err := e.mstore.WriteSnapshot(ctx, &next, data); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		if err := e.mstore.Save(ctx, &next); err != nil {
			return fmt.Errorf("failed to save manifest: %w", err)
		}
		// The checkpoint is published; the log is no longer needed.
		return e.wal.Reset()
	})
	if err != nil {
		return err
	}
	e.manifest = &next

	if err := e.mstore.Prune(ctx, e.opts.retain); err != nil {
		e.logger.Warn("Failed to prune checkpoints", "error", err)
	}
	if n := e.mgr.GarbageCollect(); n > 0 {
		e.logger.Debug("Dropped invisible versions", "count", n)
	}
	return nil
}

func (e *Engine) maybeScheduleCheckpoint(_ *txn.Txn, err error) {
	if err != nil || e.wal.Size() < e.opts.autoCheckpoint {
		return
	}
	select {
	case e.checkpointCh <- struct{}{}:
	default:
	}
}

func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.checkpointCh:
			if e.closed.Load() {
				return
			}
			if err := e.checkpoint(context.Background()); err != nil {
				e.logger.Error("Background checkpoint failed", "error", err)
			}
		}
	}
}

// Compact compacts the sealed segments of a table that its compaction
// policy picks. It reports whether anything was compacted.
func (e *Engine) Compact(ctx context.Context, dbName, tableName string) (compacted bool, err error) {
	if e.closed.Load() {
		return false, ErrClosed
	}
	if err := e.rc.AcquireBackground(ctx); err != nil {
		return false, err
	}
	defer e.rc.ReleaseBackground()

	start := time.Now()
	defer func() {
		e.metrics.OnCompaction(time.Since(start), compacted, err)
	}()

	err = e.Update(ctx, func(t *Txn) error {
		var cerr error
		compacted, cerr = t.CompactPicked(ctx, dbName, tableName)
		return cerr
	})
	if err != nil {
		compacted = false
	}
	return compacted, err
}

// Stats reports engine counters.
type Stats struct {
	LastCommitTS      TxnTimeStamp
	ActiveTxns        int
	CheckpointVersion uint64
	CheckpointTS      TxnTimeStamp
	WALBytes          int64
	MemoryUsage       int64
	Buffer            buffer.Stats
	CacheHits         int64
	CacheMisses       int64
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.checkpointMu.Lock()
	m := e.manifest
	e.checkpointMu.Unlock()

	s := Stats{
		LastCommitTS:      e.mgr.LastCommitTS(),
		ActiveTxns:        e.mgr.ActiveCount(),
		CheckpointVersion: m.ID,
		CheckpointTS:      m.MaxCommitTS,
		WALBytes:          e.wal.Size(),
		MemoryUsage:       e.rc.MemoryUsage(),
		Buffer:            e.bufMgr.Stats(),
	}
	if e.cache != nil {
		s.CacheHits, s.CacheMisses = e.cache.Stats()
	}
	return s
}

// Close checkpoints pending changes and releases all resources.
// Transactions still running are abandoned.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(e.closeCh)
	e.wg.Wait()

	var errs []error
	if n := e.mgr.ActiveCount(); n > 0 {
		e.logger.Warn("Closing with running transactions", "count", n)
	}
	if !e.wal.Empty() {
		if err := e.checkpoint(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.closeResources())
	return errors.Join(errs...)
}

func (e *Engine) closeResources() error {
	var errs []error
	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.bufMgr.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
