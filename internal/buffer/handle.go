package buffer

import (
	"container/list"
	"fmt"

	"github.com/hupe1980/colstore/internal/fileworker"
	"github.com/hupe1980/colstore/internal/status"
)

type state uint8

const (
	stateNew state = iota
	stateOnDisk
	stateResident
	stateSpilled
	stateRemoved
)

// Handle is the manager-owned reference to one file-backed buffer.
// Entries hold a *Handle; the manager decides when the bytes are resident.
type Handle struct {
	mgr    *Manager
	worker *fileworker.DataFileWorker
	kind   Kind

	// Guarded by mgr.mu. busy is set while the worker does file I/O without
	// mgr.mu; the handle is off the LRU list then and other users wait on
	// mgr.ioDone.
	state  state
	pins   int
	dirty  bool
	closed bool
	busy   bool
	elem   *list.Element
}

// Object is a pinned view of a resident buffer.
type Object struct {
	h        *Handle
	data     []byte
	released bool
}

// Data returns the buffer bytes. They stay valid until Release.
func (o *Object) Data() []byte { return o.data }

// MarkDirty records that the bytes were modified and must be persisted or
// spilled before the buffer can be dropped.
func (o *Object) MarkDirty() {
	o.h.mgr.mu.Lock()
	o.h.dirty = true
	o.h.closed = false
	o.h.mgr.mu.Unlock()
}

// Release unpins the buffer.
func (o *Object) Release() {
	if o.released {
		return
	}
	o.released = true
	m := o.h.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	o.h.unpin()
}

// Dir returns the directory of the backing file.
func (h *Handle) Dir() string { return h.worker.Dir() }

// FileName returns the base name of the backing file.
func (h *Handle) FileName() string { return h.worker.FileName() }

// Path returns the path of the backing file.
func (h *Handle) Path() string { return h.worker.Path() }

// Kind returns what the buffer holds.
func (h *Handle) Kind() Kind { return h.kind }

// Load pins the buffer, making it resident first if needed.
func (h *Handle) Load() (*Object, error) {
	m := h.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := h.makeResident(); err != nil {
		return nil, err
	}
	h.pins++
	if h.elem != nil {
		m.lru.Remove(h.elem)
		h.elem = nil
	}
	return &Object{h: h, data: h.worker.Data()}, nil
}

// LoadData returns the current bytes without keeping a pin. The slice must
// be treated as read-only; writes through it may be lost on eviction.
func (h *Handle) LoadData() ([]byte, error) {
	obj, err := h.Load()
	if err != nil {
		return nil, err
	}
	defer obj.Release()
	return obj.Data(), nil
}

// WriteFile persists the first size bytes to the data file.
func (h *Handle) WriteFile(size int) error {
	m := h.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	h.wait()
	switch h.state {
	case stateOnDisk:
		return nil
	case stateRemoved:
		return fmt.Errorf("%w: write of removed buffer %s", status.ErrDataIO, h.worker.Path())
	}
	if err := h.makeResident(); err != nil {
		return err
	}
	// A MarkDirty racing with the write must survive it.
	h.dirty = false
	if err := h.unlocked(func() error { return h.worker.WriteToFile(false, size) }); err != nil {
		h.dirty = true
		return err
	}
	return nil
}

// SyncFile flushes the data file to stable storage.
func (h *Handle) SyncFile() error {
	m := h.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	h.wait()
	return h.unlocked(h.worker.Sync)
}

// CloseFile marks the buffer as fully persisted. An unpinned clean buffer is
// dropped from memory; it reloads from the data file on the next Load.
func (h *Handle) CloseFile() error {
	m := h.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	h.wait()
	if h.dirty {
		return fmt.Errorf("%w: close of %s with unwritten changes", status.ErrDataIO, h.worker.Path())
	}
	h.closed = true
	if h.state == stateResident && h.pins == 0 {
		m.dropResident(h)
		h.state = stateOnDisk
	}
	return nil
}

// wait blocks until no I/O is in flight on h. Called with mgr.mu held.
func (h *Handle) wait() {
	for h.busy {
		h.mgr.ioDone.Wait()
	}
}

// unlocked runs fn with mgr.mu released. Called with mgr.mu held and h not
// busy.
func (h *Handle) unlocked(fn func() error) error {
	m := h.mgr
	h.busy = true
	if h.elem != nil {
		m.lru.Remove(h.elem)
		h.elem = nil
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		h.busy = false
		if h.state == stateResident && h.pins == 0 {
			h.elem = m.lru.PushFront(h)
		}
		m.ioDone.Broadcast()
	}()
	return fn()
}

// makeResident loads the buffer into memory. Called with mgr.mu held; the
// lock is released while the data file is read.
func (h *Handle) makeResident() error {
	m := h.mgr
	h.wait()
	switch h.state {
	case stateResident:
		return nil
	case stateRemoved:
		return fmt.Errorf("%w: load of removed buffer %s", status.ErrDataIO, h.worker.Path())
	}

	h.busy = true
	err := func() error {
		defer func() {
			h.busy = false
			m.ioDone.Broadcast()
		}()
		return h.load()
	}()
	if err != nil {
		return err
	}
	h.state = stateResident
	if h.pins == 0 {
		h.elem = m.lru.PushFront(h)
	}
	return nil
}

// load fills the worker's buffer for a new, on-disk or spilled handle. h is
// busy, so nobody else touches the worker while mgr.mu is released.
func (h *Handle) load() error {
	m := h.mgr
	if h.state == stateNew {
		if err := m.reserve(h.worker.BufferSize()); err != nil {
			return err
		}
		h.worker.AllocateInMemory()
		h.dirty = true
		return nil
	}

	fromSpill := h.state == stateSpilled
	size := h.worker.BufferSize()
	if size > 0 {
		if err := m.reserve(size); err != nil {
			return err
		}
	}
	err := func() error {
		m.mu.Unlock()
		defer m.mu.Lock()
		return h.worker.ReadFromFile(fromSpill)
	}()
	if err != nil {
		if size > 0 {
			m.rc.ReleaseMemory(int64(size))
		}
		return err
	}
	if size == 0 {
		if err := m.reserve(len(h.worker.Data())); err != nil {
			h.worker.FreeInMemory()
			return err
		}
	}
	h.dirty = fromSpill
	m.loads.Add(1)
	return nil
}

// unpin drops one pin. Called with mgr.mu held.
func (h *Handle) unpin() {
	if h.pins == 0 {
		status.Unrecoverable("unpin of unpinned buffer %s", h.worker.Path())
	}
	h.pins--
	if h.pins == 0 && h.state == stateResident && !h.busy {
		h.elem = h.mgr.lru.PushFront(h)
	}
}
