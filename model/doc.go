// Package model defines core identity and time types used throughout colstore.
//
// # Identity Types
//
//   - TxnID: Transaction identifier, assigned at Begin
//   - TxnTimeStamp: Logical commit/begin timestamp
//   - SegmentID: Table-local identifier for a segment
//   - BlockID: Segment-local identifier for a block
//   - RowID: Physical address (SegmentID, SegmentOffset)
//
// # Capacities
//
// A segment holds SegmentBlocks blocks of BlockCapacity rows each. Row offsets
// inside a segment are dense; a row offset maps to a block via
// offset / BlockCapacity.
package model
