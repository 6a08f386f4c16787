package buffer

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/colstore/internal/fileworker"
	"github.com/hupe1980/colstore/internal/fs"
	"github.com/hupe1980/colstore/internal/resource"
	"github.com/hupe1980/colstore/internal/status"
)

// Kind tells what a buffer holds.
type Kind uint8

const (
	KindData Kind = iota
	KindIndex
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindIndex:
		return "index"
	}
	return "unknown"
}

// Options configures a Manager.
type Options struct {
	FS       fs.FileSystem
	Resource *resource.Controller
	// SpillDir holds dirty buffers evicted before they reached their data file.
	SpillDir string
	Logger   *slog.Logger
}

// Stats reports buffer manager counters.
type Stats struct {
	Handles   int
	Resident  int
	Loads     int64
	Evictions int64
	Spills    int64
}

type key struct {
	dir  string
	file string
}

// Manager owns all buffer handles. File I/O runs without mu; a handle with
// I/O in flight is marked busy and waited for through ioDone.
type Manager struct {
	mu       sync.Mutex
	ioDone   *sync.Cond
	handles  map[key]*Handle
	lru      *list.List // unpinned resident handles that are not busy, front is most recent
	spilling int        // evictions writing to the spill directory

	fsys     fs.FileSystem
	rc       *resource.Controller
	spillDir string
	logger   *slog.Logger

	loads     atomic.Int64
	evictions atomic.Int64
	spills    atomic.Int64
}

// NewManager creates a buffer manager.
func NewManager(opts Options) *Manager {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		handles:  make(map[key]*Handle),
		lru:      list.New(),
		fsys:     opts.FS,
		rc:       opts.Resource,
		spillDir: opts.SpillDir,
		logger:   opts.Logger,
	}
	m.ioDone = sync.NewCond(&m.mu)
	return m
}

func (m *Manager) newWorker(dir, fileName string, size int) *fileworker.DataFileWorker {
	return fileworker.New(dir, fileName, size, fileworker.Options{
		FS:       m.fsys,
		Resource: m.rc,
		SpillDir: m.spillDir,
	})
}

// AllocateBufferHandle registers a new zero-filled buffer of size bytes that
// is not backed by a file yet. Memory is reserved on first Load.
func (m *Manager) AllocateBufferHandle(dir, fileName string, size int) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{dir: dir, file: fileName}
	if _, ok := m.handles[k]; ok {
		status.Unrecoverable("buffer handle %s is already allocated", filepath.Join(dir, fileName))
	}
	if size <= 0 {
		status.Unrecoverable("buffer handle %s with size %d", filepath.Join(dir, fileName), size)
	}
	h := &Handle{
		mgr:    m,
		worker: m.newWorker(dir, fileName, size),
		kind:   KindData,
		state:  stateNew,
	}
	m.handles[k] = h
	return h
}

// GetBufferHandle returns the handle for dir/fileName, binding a new one to
// the existing file if none is registered. size is the in-memory size the
// buffer is expanded to on load; 0 keeps the stored size.
func (m *Manager) GetBufferHandle(dir, fileName string, kind Kind, size int) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{dir: dir, file: fileName}
	if h, ok := m.handles[k]; ok {
		return h
	}
	h := &Handle{
		mgr:    m,
		worker: m.newWorker(dir, fileName, size),
		kind:   kind,
		state:  stateOnDisk,
	}
	m.handles[k] = h
	return h
}

// RemoveBufferHandle unregisters the handle and deletes its files.
// Removing a pinned handle is an unrecoverable error.
func (m *Manager) RemoveBufferHandle(dir, fileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{dir: dir, file: fileName}
	h, ok := m.handles[k]
	for ok && h.busy {
		h.wait()
		h, ok = m.handles[k]
	}
	if !ok {
		return nil
	}
	if h.pins > 0 {
		status.Unrecoverable("remove of pinned buffer %s", h.worker.Path())
	}
	if h.state == stateResident {
		m.dropResident(h)
	}
	h.state = stateRemoved
	delete(m.handles, k)
	return h.worker.Remove()
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	resident := 0
	for _, h := range m.handles {
		if h.state == stateResident {
			resident++
		}
	}
	return Stats{
		Handles:   len(m.handles),
		Resident:  resident,
		Loads:     m.loads.Load(),
		Evictions: m.evictions.Load(),
		Spills:    m.spills.Load(),
	}
}

// Close evicts every unpinned buffer. Dirty buffers are spilled.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	victims := make([]*Handle, 0, m.lru.Len())
	for e := m.lru.Back(); e != nil; e = e.Prev() {
		victims = append(victims, e.Value.(*Handle))
	}
	var errs []error
	for _, h := range victims {
		// Spills release mu, so the handle may have been reused meanwhile.
		if h.busy || h.pins > 0 || h.state != stateResident {
			continue
		}
		if err := m.evict(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reserve obtains size bytes from the resource controller, evicting unpinned
// buffers in LRU order until it succeeds. Called with m.mu held.
func (m *Manager) reserve(size int) error {
	for {
		if err := m.rc.AcquireMemory(int64(size)); err == nil {
			return nil
		}
		victim := m.lru.Back()
		if victim == nil && m.spilling > 0 {
			m.ioDone.Wait()
			continue
		}
		if victim == nil {
			return fmt.Errorf("%w: need %d bytes, %d in use", ErrOutOfMemory, size, m.rc.MemoryUsage())
		}
		if err := m.evict(victim.Value.(*Handle)); err != nil {
			return err
		}
	}
}

// evict moves a resident, unpinned handle out of memory. Called with m.mu
// held; the lock is released while a dirty buffer is spilled.
func (m *Manager) evict(h *Handle) error {
	if h.dirty {
		if err := m.spill(h); err != nil {
			m.logger.Warn("Buffer spill failed", "path", h.worker.Path(), "error", err)
			return err
		}
		m.spills.Add(1)
		m.dropResident(h)
		h.state = stateSpilled
	} else {
		m.dropResident(h)
		h.state = stateOnDisk
	}
	m.evictions.Add(1)
	m.logger.Debug("Buffer evicted", "path", h.worker.Path(), "spilled", h.state == stateSpilled)
	return nil
}

func (m *Manager) spill(h *Handle) error {
	m.spilling++
	defer func() { m.spilling-- }()
	return h.unlocked(func() error { return h.worker.WriteToFile(true, 0) })
}

func (m *Manager) dropResident(h *Handle) {
	if h.elem != nil {
		m.lru.Remove(h.elem)
		h.elem = nil
	}
	size := len(h.worker.Data())
	h.worker.FreeInMemory()
	m.rc.ReleaseMemory(int64(size))
}
