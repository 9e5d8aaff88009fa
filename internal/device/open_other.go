//go:build !linux && !darwin

package device

import "os"

func openDirect(path string) (*os.File, bool, error) {
	file, err := os.Open(path)
	return file, false, err
}

func probeSectorSize(file *os.File) uint32 {
	return 512
}
