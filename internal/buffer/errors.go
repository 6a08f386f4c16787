package buffer

import "errors"

// ErrOutOfMemory is returned when a buffer cannot be made resident because
// every resident buffer is pinned.
var ErrOutOfMemory = errors.New("buffer manager out of memory")
