// Package vector provides the in-memory row batch types handed to the
// storage layer: ColumnVector (one column's values) and DataBlock (a batch of
// rows with a fixed capacity).
//
// Fixed-width values are kept in a contiguous little-endian byte slice so
// the storage layer can copy row ranges with a single copy call.
package vector
