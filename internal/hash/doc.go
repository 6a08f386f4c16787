// Package hash provides hardware-accelerated checksums for data integrity.
//
// All on-disk checksums in colstore (data file footers, delta log records,
// checkpoint manifests) use CRC32-Castagnoli. Data file footers store the
// 32-bit value zero-extended into their 64-bit checksum field.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For streaming checksums:
//
//	h := hash.NewCRC32C()
//	h.Write(header)
//	h.Write(payload)
//	checksum := h.Sum32()
package hash
