// Package colstore is an embedded, transactional columnar storage engine.
//
// Tables are split into segments of fixed-capacity blocks; every column of a
// block lives in its own data file and is loaded on demand through a buffer
// manager with a memory budget. Transactions are snapshot isolated: writes
// are buffered in a transaction-local store and applied by a single-writer
// commit pipeline that detects write-write conflicts per table.
//
// # Quick Start
//
//	db, err := colstore.Open("./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.Update(ctx, func(tx *colstore.Txn) error {
//	    if err := tx.CreateDatabase("app"); err != nil {
//	        return err
//	    }
//	    return tx.CreateTable("app", "events", []colstore.ColumnDef{
//	        colstore.Column("id", colstore.BigInt),
//	        colstore.Column("value", colstore.Double),
//	    })
//	})
//
// Appending rows:
//
//	block := colstore.NewDataBlock(types, 1024)
//	// fill block.Column(i) ...
//	_ = block.Finalize()
//	err = db.Update(ctx, func(tx *colstore.Txn) error {
//	    return tx.Append("app", "events", block)
//	})
//
// # Durability Model
//
// A commit is appended to the delta log before it becomes visible. With
// DurabilitySync (the default) concurrent commits share one fsync.
// Checkpoint persists every committed row to its data file, writes a
// catalog snapshot and a manifest to the checkpoint store and truncates the
// delta log:
//
//	db.Checkpoint(ctx)
//
// Checkpoints go to the "checkpoint" directory by default. Any
// blobstore.BlobStore can hold them instead, for example S3:
//
//	store, _ := s3.New(ctx, "my-bucket", s3.WithPrefix("db1/"))
//	db, _ := colstore.Open("./data", colstore.WithCheckpointStore(store))
//
// # Errors
//
// Recoverable errors are returned as wrapped sentinels (ErrTxnConflict,
// ErrNotFound, ErrDataIO, ...). A broken storage invariant is returned as
// an *UnrecoverableError; the engine should be reopened after one. If it
// happened inside a commit, later commits and checkpoints fail with ErrHalted
// until then.
package colstore
