package colstore

import (
	"log/slog"

	"github.com/hupe1980/colstore/blobstore"
	"github.com/hupe1980/colstore/internal/fs"
	"github.com/hupe1980/colstore/model"
)

type options struct {
	logger         *Logger
	fs             fs.FileSystem
	memoryLimit    int64
	rc             *ResourceController
	blockCapacity  uint32
	segmentBlocks  uint32
	durability     Durability
	store          blobstore.BlobStore
	cacheSize      int64
	cacheBlockSize int64
	metrics        MetricsObserver
	compactionMin  int
	filterWorkers  int
	autoCheckpoint int64
	retain         int
}

// Option configures Open.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := colstore.NewJSONLogger(slog.LevelInfo)
//	db, _ := colstore.Open(dir, colstore.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithFileSystem sets the file system for data files, spill files and the
// delta log. Tests use it to inject faults.
func WithFileSystem(fsys FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithMemoryLimit bounds the bytes held by resident buffers. Unpinned
// buffers are evicted, or spilled when dirty, to stay under the limit.
// Ignored when WithResourceController is set.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithResourceController shares a resource controller with other engines.
func WithResourceController(rc *ResourceController) Option {
	return func(o *options) {
		o.rc = rc
	}
}

// WithBlockCapacity sets the default rows per block of new tables.
func WithBlockCapacity(rows uint32) Option {
	return func(o *options) {
		o.blockCapacity = rows
	}
}

// WithSegmentBlocks sets the default blocks per segment of new tables.
func WithSegmentBlocks(blocks uint32) Option {
	return func(o *options) {
		o.segmentBlocks = blocks
	}
}

// WithDurability sets the delta log durability. Default: DurabilitySync.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithCheckpointStore stores checkpoints in st instead of the
// "checkpoint" directory under the data directory.
//
// Example with S3:
//
//	store, _ := s3.New(ctx, "my-bucket", s3.WithPrefix("db1/"))
//	db, _ := colstore.Open(dir, colstore.WithCheckpointStore(store))
func WithCheckpointStore(st blobstore.BlobStore) Option {
	return func(o *options) {
		o.store = st
	}
}

// WithBlockCache fronts the checkpoint store with an in-memory block cache
// of capacity bytes split into blockSize blocks. Useful for remote stores.
func WithBlockCache(capacity, blockSize int64) Option {
	return func(o *options) {
		o.cacheSize = capacity
		o.cacheBlockSize = blockSize
	}
}

// WithMetricsObserver sets the metrics observer. Pass nil to disable metrics.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(o *options) {
		o.metrics = observer
	}
}

// WithCompactionThreshold sets the number of similarly sized sealed
// segments that makes a table a compaction candidate. Default: 4.
func WithCompactionThreshold(threshold int) Option {
	return func(o *options) {
		o.compactionMin = threshold
	}
}

// WithFilterWorkers bounds the goroutines building the filters of one
// sealed segment. Default: 4.
func WithFilterWorkers(n int) Option {
	return func(o *options) {
		o.filterWorkers = n
	}
}

// WithAutoCheckpoint checkpoints in the background once the delta log grows
// past walBytes. 0 disables automatic checkpoints.
func WithAutoCheckpoint(walBytes int64) Option {
	return func(o *options) {
		o.autoCheckpoint = walBytes
	}
}

// WithCheckpointRetention sets how many checkpoints are kept. Default: 2.
func WithCheckpointRetention(keep int) Option {
	return func(o *options) {
		o.retain = keep
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		fs:            fs.Default,
		blockCapacity: model.DefaultBlockCapacity,
		segmentBlocks: model.DefaultSegmentBlocks,
		durability:    DurabilitySync,
		retain:        2,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsObserver{}
	}
	if o.fs == nil {
		o.fs = fs.Default
	}
	if o.retain < 1 {
		o.retain = 1
	}
	return o
}
