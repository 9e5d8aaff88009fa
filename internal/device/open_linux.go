//go:build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// openDirect opens path with O_DIRECT. If the filesystem refuses
// direct I/O (tmpfs, some network mounts) it falls back to a buffered
// open and reports direct=false.
func openDirect(path string) (*os.File, bool, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECT|unix.O_CLOEXEC, 0)
	if err == nil {
		return os.NewFile(uintptr(fd), path), true, nil
	}
	if err == unix.EINVAL {
		file, ferr := os.Open(path)
		return file, false, ferr
	}
	return nil, false, err
}

// probeSectorSize asks the block layer for the logical sector size.
// Regular files report 512.
func probeSectorSize(file *os.File) uint32 {
	ssz, err := unix.IoctlGetInt(int(file.Fd()), unix.BLKSSZGET)
	if err != nil || ssz <= 0 {
		return 512
	}
	return uint32(ssz)
}
