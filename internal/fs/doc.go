// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: Represents an open file with read/write/sync capabilities
//   - [FileSystem]: Abstracts filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using standard os package
//   - [FaultyFS]: Test utility for fault injection (failed or short writes,
//     failing sync/close/rename)
//
// # Durability helpers
//
// [DataSync] uses fdatasync on Linux. [SyncDir] persists directory entries
// after creates and renames. [WriteFileAtomic] combines both with a
// tmp-file-and-rename write.
//
// This package intentionally does NOT include context.Context parameters.
// Local file operations are not interruptible at the syscall level.
package fs
