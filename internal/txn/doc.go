// Package txn implements transactions over the catalog.
//
// A Txn collects its writes in a TxnStore: one TxnTableStore per table it
// touched, which in turn keeps TxnSegmentStore, TxnIndexStore and
// TxnCompactStore state. Nothing is visible to other transactions until the
// TxnManager runs the commit pipeline under its commit mutex:
//
//	CheckConflict → PrepareCommit1 → PrepareCommit → AddDeltaOp → delta log → CommitBottom
//
// Local stores are owned by one transaction and are not safe for concurrent use.
package txn
