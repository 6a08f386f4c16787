package fileworker

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/colstore/internal/fs"
	"github.com/hupe1980/colstore/internal/hash"
	"github.com/hupe1980/colstore/internal/resource"
	"github.com/hupe1980/colstore/internal/status"
)

const (
	// Magic identifies data files.
	Magic uint64 = 0x00dd3344

	// Overhead is the number of non-payload bytes in a data file.
	Overhead = 3 * 8
)

// Options configures a DataFileWorker.
type Options struct {
	FS       fs.FileSystem
	Resource *resource.Controller
	// SpillDir receives buffers evicted before they were ever persisted.
	SpillDir string
}

// DataFileWorker moves one buffer between memory and its data file.
// It is not safe for concurrent use; the owning buffer handle serializes access.
type DataFileWorker struct {
	fsys     fs.FileSystem
	rc       *resource.Controller
	dir      string
	fileName string
	spillDir string

	bufferSize int
	data       []byte
	prepared   bool
}

// New creates a worker for dir/fileName holding bufferSize bytes.
func New(dir, fileName string, bufferSize int, opts Options) *DataFileWorker {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	return &DataFileWorker{
		fsys:       opts.FS,
		rc:         opts.Resource,
		dir:        dir,
		fileName:   fileName,
		spillDir:   opts.SpillDir,
		bufferSize: bufferSize,
	}
}

// Dir returns the directory of the data file.
func (w *DataFileWorker) Dir() string { return w.dir }

// FileName returns the base name of the data file.
func (w *DataFileWorker) FileName() string { return w.fileName }

// Path returns the path of the data file.
func (w *DataFileWorker) Path() string { return filepath.Join(w.dir, w.fileName) }

// SpillPath returns the path used when the buffer is spilled. The name is
// prefixed with the CRC32C of the data directory so equal file names of
// different segments do not collide.
func (w *DataFileWorker) SpillPath() string {
	return filepath.Join(w.spillDir, fmt.Sprintf("%08x_%s", hash.CRC32C([]byte(w.dir)), w.fileName))
}

// BufferSize returns the in-memory size of the buffer.
func (w *DataFileWorker) BufferSize() int { return w.bufferSize }

// Data returns the in-memory buffer, nil if not resident.
func (w *DataFileWorker) Data() []byte { return w.data }

// Prepared reports whether the last write completed including its checksum.
func (w *DataFileWorker) Prepared() bool { return w.prepared }

// AllocateInMemory allocates a zeroed buffer.
func (w *DataFileWorker) AllocateInMemory() {
	if w.data != nil {
		status.Unrecoverable("data of %s is already allocated", w.Path())
	}
	if w.bufferSize == 0 {
		status.Unrecoverable("buffer size of %s is 0", w.Path())
	}
	w.data = make([]byte, w.bufferSize)
}

// FreeInMemory drops the buffer.
func (w *DataFileWorker) FreeInMemory() {
	if w.data == nil {
		status.Unrecoverable("data of %s is already freed", w.Path())
	}
	w.data = nil
}

// WriteToFile persists the first size bytes of the buffer. A size of 0 or
// above the buffer size writes the whole buffer.
func (w *DataFileWorker) WriteToFile(toSpill bool, size int) error {
	if w.data == nil {
		status.Unrecoverable("write of %s without resident data", w.Path())
	}
	if size <= 0 || size > len(w.data) {
		size = len(w.data)
	}
	w.prepared = false

	target := w.Path()
	if toSpill {
		target = w.SpillPath()
	}
	if err := w.fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: create directory for %s: %v", status.ErrDataIO, target, err)
	}

	tmp := target + ".tmp"
	f, err := w.fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", status.ErrDataIO, tmp, err)
	}
	if err := w.writeTo(f, size); err != nil {
		_ = f.Close()
		_ = w.fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = w.fsys.Remove(tmp)
		return fmt.Errorf("%w: close %s: %v", status.ErrDataIO, tmp, err)
	}
	if err := w.fsys.Rename(tmp, target); err != nil {
		_ = w.fsys.Remove(tmp)
		return fmt.Errorf("%w: promote %s: %v", status.ErrDataIO, target, err)
	}
	return nil
}

func (w *DataFileWorker) writeTo(f fs.File, size int) error {
	out := resource.NewRateLimitedWriter(context.Background(), f, w.rc)
	var u64 [8]byte

	binary.LittleEndian.PutUint64(u64[:], Magic)
	if n, err := out.Write(u64[:]); n != len(u64) || err != nil {
		return fmt.Errorf("%w: write magic number which length is %d: %v", status.ErrDataIO, n, err)
	}

	binary.LittleEndian.PutUint64(u64[:], uint64(size))
	if n, err := out.Write(u64[:]); n != len(u64) || err != nil {
		return fmt.Errorf("%w: write buffer length field which length is %d: %v", status.ErrDataIO, n, err)
	}

	payload := w.data[:size]
	if n, err := out.Write(payload); n != size || err != nil {
		return fmt.Errorf("%w: expect to write buffer with size %d, but %d bytes is written: %v", status.ErrDataIO, size, n, err)
	}

	binary.LittleEndian.PutUint64(u64[:], uint64(hash.CRC32C(payload)))
	if n, err := out.Write(u64[:]); n != len(u64) || err != nil {
		return fmt.Errorf("%w: write checksum which length is %d: %v", status.ErrDataIO, n, err)
	}
	w.prepared = true
	return nil
}

// ReadFromFile loads the buffer from the data file (or its spill file).
// A spill file is removed once it has been read.
func (w *DataFileWorker) ReadFromFile(fromSpill bool) error {
	if w.data != nil {
		status.Unrecoverable("read of %s into resident data", w.Path())
	}
	source := w.Path()
	if fromSpill {
		source = w.SpillPath()
	}
	f, err := w.fsys.OpenFile(source, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", status.ErrDataIO, source, err)
	}
	data, err := w.readFrom(f, source)
	_ = f.Close()
	if err != nil {
		return err
	}
	if len(data) < w.bufferSize {
		buf := make([]byte, w.bufferSize)
		copy(buf, data)
		data = buf
	} else if w.bufferSize == 0 {
		w.bufferSize = len(data)
	}
	w.data = data
	if fromSpill {
		_ = w.fsys.Remove(source)
	}
	return nil
}

func (w *DataFileWorker) readFrom(f fs.File, source string) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", status.ErrDataIO, source, err)
	}
	fileSize := uint64(info.Size())
	if fileSize < Overhead {
		return nil, fmt.Errorf("%w: incorrect file length %d of %s", status.ErrDataIO, fileSize, source)
	}

	r := bufio.NewReader(f)
	var u64 [8]byte
	if n, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("%w: read magic number which length is %d: %v", status.ErrDataIO, n, err)
	}
	if magic := binary.LittleEndian.Uint64(u64[:]); magic != Magic {
		return nil, fmt.Errorf("%w: incorrect file header magic number %#x in %s", status.ErrDataIO, magic, source)
	}

	if n, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("%w: read buffer length which length is %d: %v", status.ErrDataIO, n, err)
	}
	size := binary.LittleEndian.Uint64(u64[:])
	if fileSize != size+Overhead {
		return nil, fmt.Errorf("%w: file size %d of %s isn't matched with %d", status.ErrDataIO, fileSize, source, size+Overhead)
	}

	data := make([]byte, size)
	if n, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: expect to read buffer with size %d, but %d bytes is read: %v", status.ErrDataIO, size, n, err)
	}

	if n, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("%w: incorrect file checksum length %d: %v", status.ErrDataIO, n, err)
	}
	if binary.LittleEndian.Uint64(u64[:]) != uint64(hash.CRC32C(data)) {
		return nil, fmt.Errorf("%w: checksum mismatch in %s", status.ErrDataIO, source)
	}
	return data, nil
}

// Sync flushes the data file and its directory entry to stable storage.
func (w *DataFileWorker) Sync() error {
	f, err := w.fsys.OpenFile(w.Path(), os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s for sync: %v", status.ErrDataIO, w.Path(), err)
	}
	if err := fs.DataSync(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync %s: %v", status.ErrDataIO, w.Path(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", status.ErrDataIO, w.Path(), err)
	}
	if err := fs.SyncDir(w.fsys, w.dir); err != nil {
		return fmt.Errorf("%w: sync directory %s: %v", status.ErrDataIO, w.dir, err)
	}
	return nil
}

// Exists reports whether the data file exists.
func (w *DataFileWorker) Exists() bool {
	_, err := w.fsys.Stat(w.Path())
	return err == nil
}

// SpillExists reports whether a spill file exists.
func (w *DataFileWorker) SpillExists() bool {
	_, err := w.fsys.Stat(w.SpillPath())
	return err == nil
}

// Remove deletes the data file and any spill file.
func (w *DataFileWorker) Remove() error {
	if err := w.fsys.Remove(w.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := w.fsys.Remove(w.SpillPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
