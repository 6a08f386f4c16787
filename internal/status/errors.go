package status

import (
	"errors"
	"fmt"
)

var (
	// ErrDataIO is returned for short reads/writes and malformed data files.
	ErrDataIO = errors.New("data io error")

	// ErrColumnCountMismatch is returned when an appended block does not match the table's column count.
	ErrColumnCountMismatch = errors.New("column count mismatch")

	// ErrDataTypeMismatch is returned when a column's type does not match the table definition.
	ErrDataTypeMismatch = errors.New("data type mismatch")

	// ErrNotImplemented is returned for variable-width types on the fixed-width paths.
	ErrNotImplemented = errors.New("not implemented")

	// ErrInvalidDataType is returned for null, missing or invalid logical types.
	ErrInvalidDataType = errors.New("invalid data type")

	// ErrTxnConflict is returned when a transaction loses a write-write conflict.
	ErrTxnConflict = errors.New("transaction conflict")

	// ErrDuplicate is returned when a named entry already exists.
	ErrDuplicate = errors.New("duplicate entry")

	// ErrNotFound is returned when a named entry does not exist or is not visible.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// UnrecoverableError reports a broken storage invariant.
type UnrecoverableError struct {
	Msg string
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable: " + e.Msg
}

// Unrecoverable panics with an *UnrecoverableError.
func Unrecoverable(format string, args ...any) {
	panic(&UnrecoverableError{Msg: fmt.Sprintf(format, args...)})
}

// Recover converts a panic carrying an *UnrecoverableError into an error.
// Other panics are re-raised. Use it in a deferred call:
//
//	defer status.Recover(&err)
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if ue, ok := r.(*UnrecoverableError); ok {
		*errp = ue
		return
	}
	panic(r)
}
