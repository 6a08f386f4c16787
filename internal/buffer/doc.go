// Package buffer implements the buffer manager.
//
// The manager owns every file-backed buffer of the storage engine. Callers
// get a *Handle per (dir, file) pair and pin its bytes with Load, which
// returns an *Object that must be released. Unpinned resident buffers sit in
// an LRU list; when the memory budget of the resource controller is
// exhausted the least recently used ones are evicted. Clean buffers are
// simply dropped and reloaded from their data file; dirty buffers are
// spilled through the file worker first.
//
// # Handle States
//
//	new ──Load──► resident ◄──Load── on disk
//	                 │  ▲                ▲
//	           evict │  │ Load           │ WriteFile + evict / CloseFile
//	                 ▼  │                │
//	              spilled ───────────────┘
//
// At most one handle exists per (dir, file) pair. AllocateBufferHandle for a
// pair that is already registered is an unrecoverable error.
package buffer
