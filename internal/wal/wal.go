package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hupe1980/colstore/internal/fs"
	"github.com/hupe1980/colstore/model"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync relies on OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync calls fsync before a commit returns. Concurrent
	// committers share one fsync.
	DurabilitySync
)

func (d Durability) String() string {
	switch d {
	case DurabilityAsync:
		return "async"
	case DurabilitySync:
		return "sync"
	}
	return fmt.Sprintf("durability(%d)", int(d))
}

const (
	walMagic      = "COLSTWAL" // 8 bytes
	walVersion    = 1          // 4 bytes
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
)

type Options struct {
	Durability Durability
	Logger     *slog.Logger
}

func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL manages the write-ahead log file.
type WAL struct {
	mu     sync.Mutex
	fs     fs.FileSystem
	file   fs.File
	cw     *countingWriter
	path   string
	opts   Options
	logger *slog.Logger

	// cw.n is a logical offset that only grows; base is the logical offset
	// of the first record in the file.
	base int64

	// Group commit state
	syncedOffset int64      // Logical offset known to be fsync'd
	syncCond     *sync.Cond // Signals the syncer that there is data to sync
	doneCond     *sync.Cond // Signals waiters that a sync completed
	closed       bool
	lastErr      error // Terminal error encountered by background syncer
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

// Open opens or creates a WAL at the given path.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	offset := stat.Size()

	// Check/Write Header
	if offset == 0 {
		header := make([]byte, walHeaderSize)
		copy(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
		if _, err := f.Write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, err
		}
		offset = walHeaderSize
	} else {
		if offset < walHeaderSize {
			_ = f.Close()
			return nil, fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, offset, walHeaderSize)
		}
		header := make([]byte, walHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			_ = f.Close()
			return nil, err
		}
		if string(header[0:8]) != walMagic {
			_ = f.Close()
			return nil, fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
		}
		ver := binary.LittleEndian.Uint32(header[8:12])
		if ver != walVersion {
			_ = f.Close()
			return nil, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
		}
	}

	w := &WAL{
		fs:           fsys,
		file:         f,
		cw:           &countingWriter{w: bufio.NewWriter(f), n: offset},
		path:         path,
		opts:         opts,
		logger:       opts.Logger,
		base:         walHeaderSize,
		syncedOffset: offset,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}

	return w, nil
}

// Path returns the file path of the log.
func (w *WAL) Path() string { return w.path }

// Size returns the current size of the WAL file in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sizeLocked()
}

func (w *WAL) sizeLocked() int64 {
	return walHeaderSize + w.cw.n - w.base
}

// Empty reports whether the log holds no records.
func (w *WAL) Empty() bool {
	return w.Size() <= walHeaderSize
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		// Wait until there is data to sync or we are closed
		for w.cw.n <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}

		if w.closed && w.cw.n <= w.syncedOffset {
			return
		}

		target := w.cw.n

		w.mu.Unlock()
		err := fs.DataSync(w.file)
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}

		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append logs the delta entry payload of a committing transaction. It
// respects the configured durability mode.
func (w *WAL) Append(txnID model.TxnID, commitTS model.TxnTimeStamp, payload []byte) error {
	return w.AppendRecord(&Record{TxnID: txnID, CommitTS: commitTS, Payload: payload})
}

// AppendRecord writes a record to the WAL.
func (w *WAL) AppendRecord(rec *Record) error {
	offset, err := w.AppendAsync(rec)
	if err != nil {
		return err
	}
	if w.opts.Durability == DurabilitySync {
		return w.WaitFor(offset)
	}
	return nil
}

// AppendAsync writes a record to the WAL buffer but does not wait for sync.
// It returns the logical offset of the end of the record.
func (w *WAL) AppendAsync(rec *Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, w.lastErr
	}

	if err := rec.Encode(w.cw); err != nil {
		return 0, err
	}
	if err := w.cw.Flush(); err != nil {
		return 0, err
	}

	endOffset := w.cw.n

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return endOffset, nil
}

// WaitFor waits until the WAL is synced up to the given offset.
func (w *WAL) WaitFor(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if w.closed && w.syncedOffset < offset {
		return os.ErrClosed
	}
	return nil
}

// Sync ensures all buffered writes are committed to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}

	if err := w.cw.Flush(); err != nil {
		return err
	}

	// runSyncer only runs in DurabilitySync.
	if w.opts.Durability == DurabilityAsync {
		return fs.DataSync(w.file)
	}

	target := w.cw.n
	w.syncCond.Signal()
	for w.syncedOffset < target && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Replay calls fn for every record in the log. A record that is cut short
// or fails its checksum ends the log: the file is truncated to the last
// complete record so new appends follow valid data. It returns the number
// of records passed to fn.
func (w *WAL) Replay(fn func(*Record) error) (int, error) {
	r, err := w.Reader()
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	n := 0
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return n, nil
		}
		if errors.Is(err, ErrShortRead) || errors.Is(err, ErrInvalidCRC) {
			w.logger.Warn("Truncating torn WAL tail", "path", w.path, "offset", r.Offset(), "records", n, "error", err)
			return n, w.truncate(r.Offset())
		}
		if err != nil {
			return n, err
		}
		if err := fn(rec); err != nil {
			return n, err
		}
		n++
	}
}

func (w *WAL) truncate(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.cw.Flush(); err != nil {
		return err
	}
	if err := w.fs.Truncate(w.path, size); err != nil {
		return err
	}
	// Keep the logical offset; shift base so Size matches the file.
	w.base = walHeaderSize + w.cw.n - size
	return fs.DataSync(w.file)
}

// Reset drops every record. Called once a checkpoint covers them.
func (w *WAL) Reset() error {
	if err := w.Sync(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fs.Truncate(w.path, walHeaderSize); err != nil {
		return err
	}
	w.base = w.cw.n
	return fs.DataSync(w.file)
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}

	if err := w.cw.Flush(); err != nil {
		w.mu.Unlock()
		_ = w.file.Close()
		return err
	}

	w.closed = true
	w.syncCond.Signal() // Wake up syncer to exit
	w.mu.Unlock()

	w.wg.Wait()

	return w.file.Close()
}

// Reader returns a reader for replaying the WAL.
// The caller is responsible for closing the returned reader.
func (w *WAL) Reader() (*Reader, error) {
	f, err := w.fs.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Reader{f: f, r: bufio.NewReader(f), offset: walHeaderSize}, nil
}

// Reader iterates over WAL records.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// Next reads the next record. Returns io.EOF when done.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the file offset after the last complete record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}
