// Package device opens block devices and image files for cold,
// read-only scanning. On Linux the target is opened with O_DIRECT so
// reads bypass the page cache; on macOS the F_NOCACHE hint is applied.
// Elsewhere a plain buffered open is used and alignment is not
// enforced.
package device

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/interfaces"
)

// BlockDevice is a read-only handle to a raw device or image file.
type BlockDevice struct {
	file       *os.File
	path       string
	size       uint64
	sectorSize uint32
	direct     bool
}

// Open opens path for reading with the platform's cache-bypass
// mechanism. Fails with ErrIoOpen if the target cannot be opened or
// sized.
func Open(path string) (*BlockDevice, error) {
	file, direct, err := openDirect(path)
	if err != nil {
		return nil, errors.Wrapf(errdefs.ErrIoOpen, "%s: %v", path, err)
	}

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil || size < 0 {
		file.Close()
		return nil, errors.Wrapf(errdefs.ErrIoOpen, "%s: cannot determine size: %v", path, err)
	}

	sectorSize := probeSectorSize(file)

	return &BlockDevice{
		file:       file,
		path:       path,
		size:       uint64(size),
		sectorSize: sectorSize,
		direct:     direct,
	}, nil
}

// Pread reads len(buf) bytes at offset. Under direct I/O both offset
// and length must be sector-aligned.
func (d *BlockDevice) Pread(buf []byte, offset uint64) (int, error) {
	if d.direct {
		align := uint64(d.sectorSize)
		if offset%align != 0 || uint64(len(buf))%align != 0 {
			return 0, &errdefs.IoAlignError{
				Offset:    offset,
				Length:    uint64(len(buf)),
				Alignment: d.sectorSize,
			}
		}
	}
	n, err := d.file.ReadAt(buf, int64(offset))
	if err != nil && n == len(buf) {
		// ReadAt returns io.EOF alongside a full final read.
		err = nil
	}
	return n, err
}

// Size returns the device length in bytes.
func (d *BlockDevice) Size() uint64 {
	return d.size
}

// SectorSize returns the logical sector size of the device.
func (d *BlockDevice) SectorSize() uint32 {
	return d.sectorSize
}

// DirectIO reports whether the page cache is being bypassed.
func (d *BlockDevice) DirectIO() bool {
	return d.direct
}

// Path returns the path the device was opened from.
func (d *BlockDevice) Path() string {
	return d.path
}

// Fd exposes the underlying descriptor for the ring backend.
func (d *BlockDevice) Fd() uintptr {
	return d.file.Fd()
}

// Close releases the file descriptor.
func (d *BlockDevice) Close() error {
	return d.file.Close()
}

var _ interfaces.BlockDevice = (*BlockDevice)(nil)
var _ interfaces.FileDescriptor = (*BlockDevice)(nil)
