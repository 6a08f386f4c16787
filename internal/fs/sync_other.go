//go:build !linux

package fs

func datasync(_ uintptr, f File) error {
	return f.Sync()
}
