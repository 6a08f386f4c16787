// Package resource governs the shared resources of the storage engine.
//
//   - Memory: bytes held by resident buffers (non-blocking, fail-fast; the
//     buffer manager evicts unpinned buffers and retries)
//   - Concurrency: background slots for filter builds and compactions
//   - IO: token bucket for data file writes
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
