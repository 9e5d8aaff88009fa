package ag

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// The v5 AGFL carries a self-describing header before the free block
// array; the v4 AGFL is the bare array filling the whole sector.
const (
	agflV5HeaderSize = 36
	agflCrcOff       = 32
)

// AgflReader decodes an AG free list sector in place.
type AgflReader struct {
	data []byte
	v5   bool
}

// NewAgflReader validates the AGFL at the start of data. The v4
// free list has no magic or checksum; validation applies to v5 only.
func NewAgflReader(data []byte, agno types.AgNumber, v5 bool, sectorSize uint16, diskOffset uint64) (*AgflReader, error) {
	if len(data) < int(sectorSize) {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "AGFL %d: %d bytes", agno, len(data))
	}

	r := &AgflReader{data: data[:sectorSize], v5: v5}

	if v5 {
		magic := binary.BigEndian.Uint32(data[0:4])
		if magic != types.AgflMagic {
			return nil, &errdefs.BadMagicError{
				Structure: "AGFL",
				Expected:  types.AgflMagic,
				Got:       magic,
				Offset:    diskOffset,
			}
		}
		if err := checksum.Verify(r.data, agflCrcOff, "AGFL", diskOffset); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Bno returns the i-th free list block number.
func (r *AgflReader) Bno(i int) types.AgBlock {
	off := r.arrayStart() + i*4
	return types.AgBlock(binary.BigEndian.Uint32(r.data[off : off+4]))
}

// MaxEntries returns how many block numbers fit in the list.
func (r *AgflReader) MaxEntries() int {
	return (len(r.data) - r.arrayStart()) / 4
}

func (r *AgflReader) arrayStart() int {
	if r.v5 {
		return agflV5HeaderSize
	}
	return 0
}
