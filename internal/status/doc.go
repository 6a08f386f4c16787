// Package status implements the two-tier error model of the storage layer.
//
// Recoverable failures (short reads/writes, corrupted files, schema mismatches)
// are ordinary Go errors built from the sentinels in this package and wrapped
// with fmt.Errorf("%w: ..."). Callers abort the transaction and surface them.
//
// Unrecoverable failures (double allocation of a buffer, delete counts beyond
// a block's capacity, a segment that cannot be sealed) indicate broken
// invariants. Continuing would corrupt shared catalog state, so they panic
// with an *UnrecoverableError via Unrecoverable.
package status
