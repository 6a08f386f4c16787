// Package catalog is the shared, versioned metadata tree of colstore.
//
// The tree is Catalog → DBEntry → TableEntry → SegmentEntry → BlockEntry →
// ColumnDataEntry, with TableIndexEntry → SegmentIndexEntry → ChunkIndexEntry
// hanging off each table. Databases, tables and indexes are kept as version
// chains ordered newest first; a transaction sees the first version that it
// created itself or that committed at or before its begin timestamp.
//
// Rows are versioned individually. Each segment carries a SegmentVersion with
// atomic created and deleted timestamps and the id of the transaction that
// wrote the row, so readers never lock to decide row visibility.
//
// # Concurrency
//
// Catalog, DBEntry and TableEntry maps are guarded by RWMutexes. A segment's
// rw lock guards its block list and append cursor. Mutating operations
// (Append, Delete, CommitWrite, CommitCompact and the rollbacks) are called
// from the single-writer commit pipeline only.
package catalog
