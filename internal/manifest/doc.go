// Package manifest persists checkpoint manifests.
//
// A manifest records one checkpoint: the catalog snapshot blob it points to and
// the highest commit timestamp and transaction id the snapshot covers. Delta log
// records at or below MaxCommitTS are skipped on recovery.
//
// # Binary Format
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - 0x434f4c4d ("COLM")
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32C of payload
//	  Length   (4 bytes) - Payload length in bytes
//
//	Payload:
//	  ID               (8 bytes) - Manifest version ID
//	  CreatedAt        (8 bytes) - Unix nanoseconds
//	  MaxCommitTS      (8 bytes)
//	  MaxTxnID         (8 bytes)
//	  Snapshot.Path    (string)
//	  Snapshot.Size    (8 bytes)
//	  Snapshot.Checksum (4 bytes) - CRC32C of the snapshot blob
//
// Strings are length-prefixed (2-byte length + bytes).
//
// # Atomic Protocol
//
// A checkpoint is published in three steps:
//
//  1. WriteSnapshot puts the snapshot blob under SNAPSHOT-NNNNNN.bin
//  2. Save writes MANIFEST-NNNNNN.bin
//  3. Save updates CURRENT to reference the new manifest
//
// A crash before step 3 leaves the previous checkpoint in effect; the orphaned
// blobs are removed by the next Prune.
package manifest
