// Package fileworker persists a single in-memory buffer to a data file.
//
// # File Layout
//
//	┌──────────────┬──────────────┬─────────────────────┬──────────────┐
//	│ magic (u64)  │ size (u64)   │ payload (size B)    │ checksum u64 │
//	│ 0x00dd3344   │              │                     │ CRC32C       │
//	└──────────────┴──────────────┴─────────────────────┴──────────────┘
//
// All integers are little endian. The checksum field holds the CRC32C of the
// payload zero-extended to 64 bits and is verified on every read.
//
// Writes go to "<name>.tmp" and are renamed over the final name only once the
// checksum has been written, so a failed write never replaces a good file.
package fileworker
