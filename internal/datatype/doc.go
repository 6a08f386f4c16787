// Package datatype defines the closed set of logical column types.
//
// The storage layer only copies fixed-width values. Capability queries on
// DataType (FixedWidth, Size) centralize that policy: variable-width types
// report ErrNotImplemented, null/missing/invalid types report
// ErrInvalidDataType, and callers never switch on the type themselves.
package datatype
