// Package delta defines the catalog delta operations produced at commit.
//
// Every committed transaction that changed anything yields one
// CatalogDeltaEntry: an ordered list of operations stamped with the commit
// timestamp. The entry is appended to the delta log before the commit becomes
// visible and is replayed on recovery to rebuild the catalog state that the
// last checkpoint does not cover.
//
// Operation order is significant. Producers add operations in the order the
// transaction first touched each database, table, index and segment, so
// replaying the same input always yields the same entry.
package delta
