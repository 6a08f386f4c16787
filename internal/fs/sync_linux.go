//go:build linux

package fs

import "golang.org/x/sys/unix"

func datasync(fd uintptr, _ File) error {
	return unix.Fdatasync(int(fd))
}
