package colstore

import (
	"errors"

	"github.com/hupe1980/colstore/internal/manifest"
	"github.com/hupe1980/colstore/internal/resource"
	"github.com/hupe1980/colstore/internal/status"
	"github.com/hupe1980/colstore/internal/txn"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrTxnClosed is returned for operations on a finished transaction.
	ErrTxnClosed = txn.ErrTxnClosed

	// ErrHalted is returned by commits and checkpoints after a commit hit
	// an unrecoverable error. Reopen the engine to continue.
	ErrHalted = txn.ErrHalted

	// ErrTxnConflict is returned by Commit when another transaction committed
	// a conflicting change first. The transaction is rolled back.
	ErrTxnConflict = status.ErrTxnConflict

	// ErrNotFound is returned when a database, table or index does not exist
	// or is not visible to the transaction.
	ErrNotFound = status.ErrNotFound

	// ErrDuplicate is returned when a named entry already exists.
	ErrDuplicate = status.ErrDuplicate

	// ErrDataIO is returned for failed or malformed data file I/O.
	ErrDataIO = status.ErrDataIO

	// ErrColumnCountMismatch is returned when a block does not match the table's columns.
	ErrColumnCountMismatch = status.ErrColumnCountMismatch

	// ErrDataTypeMismatch is returned when a column's type does not match the table definition.
	ErrDataTypeMismatch = status.ErrDataTypeMismatch

	// ErrInvalidDataType is returned for null, missing or invalid logical types.
	ErrInvalidDataType = status.ErrInvalidDataType

	// ErrNotImplemented is returned for variable-width column types.
	ErrNotImplemented = status.ErrNotImplemented

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = status.ErrInvalidArgument

	// ErrMemoryLimitExceeded is returned when pinned buffers exceed the memory limit.
	ErrMemoryLimitExceeded = resource.ErrMemoryLimitExceeded

	// ErrCorruptCheckpoint is returned by Open when the checkpoint fails validation.
	ErrCorruptCheckpoint = manifest.ErrCorrupt
)

// UnrecoverableError reports a broken storage invariant. The engine must be
// closed and reopened after one is returned.
type UnrecoverableError = status.UnrecoverableError

// IsUnrecoverable reports whether err carries an UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}
