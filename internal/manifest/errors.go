package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the manifest version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible manifest version")

	// ErrNotFound is returned when no checkpoint has been published yet.
	ErrNotFound = errors.New("manifest not found")

	// ErrCorrupt is returned when a manifest or snapshot fails its checksum.
	ErrCorrupt = errors.New("manifest: corrupt data")
)
