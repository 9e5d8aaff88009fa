package device

import (
	"io"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/interfaces"
)

// BufferDevice serves reads from an in-memory byte slice. It backs the
// synthesized filesystem images used by tests and keeps the sector
// alignment contract of a real direct-I/O device so batch-layer
// rounding bugs surface early.
type BufferDevice struct {
	data       []byte
	sectorSize uint32
	direct     bool
}

// NewBufferDevice wraps data as a device with the given sector size.
// When enforceAlign is set, unaligned reads fail the way an O_DIRECT
// descriptor would.
func NewBufferDevice(data []byte, sectorSize uint32, enforceAlign bool) *BufferDevice {
	return &BufferDevice{data: data, sectorSize: sectorSize, direct: enforceAlign}
}

// Pread copies bytes at offset into buf.
func (d *BufferDevice) Pread(buf []byte, offset uint64) (int, error) {
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
	if offset >= uint64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(buf, d.data[offset:])
	return n, nil
}

// Size returns the buffer length.
func (d *BufferDevice) Size() uint64 {
	return uint64(len(d.data))
}

// SectorSize returns the configured alignment unit.
func (d *BufferDevice) SectorSize() uint32 {
	return d.sectorSize
}

// DirectIO reports whether alignment is enforced.
func (d *BufferDevice) DirectIO() bool {
	return d.direct
}

// Close is a no-op.
func (d *BufferDevice) Close() error {
	return nil
}

var _ interfaces.BlockDevice = (*BufferDevice)(nil)
