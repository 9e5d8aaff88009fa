// Package ag parses the per-allocation-group headers: the inode index
// (AGI), the free space header (AGF) and the free list (AGFL).
package ag

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// AGI field offsets. The unlinked hash buckets occupy bytes 40..296;
// the v5 tail (uuid, crc, lsn, finobt root) follows.
const (
	agiMinSize   = 296
	agiV5MinSize = 336
	agiCrcOff    = 312
)

// AgiReader decodes an AGI header in place.
type AgiReader struct {
	data []byte
	v5   bool
}

// NewAgiReader validates the AGI at the start of data. agno is the AG
// the header was read from (checked against the embedded sequence
// number), diskOffset its byte position for error reporting. On v5
// the CRC is verified over the full sector when data covers it.
func NewAgiReader(data []byte, agno types.AgNumber, v5 bool, sectorSize uint16, diskOffset uint64) (*AgiReader, error) {
	min := agiMinSize
	if v5 {
		min = agiV5MinSize
	}
	if len(data) < min {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "AGI %d: %d bytes", agno, len(data))
	}

	r := &AgiReader{data: data, v5: v5}

	if magic := r.Magic(); magic != types.AgiMagic {
		return nil, &errdefs.BadMagicError{
			Structure: "AGI",
			Expected:  types.AgiMagic,
			Got:       magic,
			Offset:    diskOffset,
		}
	}

	if v5 && len(data) >= int(sectorSize) {
		if err := checksum.Verify(data[:sectorSize], agiCrcOff, "AGI", diskOffset); err != nil {
			return nil, err
		}
	}

	if got := r.SeqNo(); got != agno {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "AGI sequence %d found in AG %d", got, agno)
	}

	return r, nil
}

// Magic returns the header magic.
func (r *AgiReader) Magic() uint32 {
	return binary.BigEndian.Uint32(r.data[0:4])
}

// SeqNo returns the AG number the header belongs to.
func (r *AgiReader) SeqNo() types.AgNumber {
	return types.AgNumber(binary.BigEndian.Uint32(r.data[8:12]))
}

// Length returns the AG size in blocks (short for the last AG).
func (r *AgiReader) Length() uint32 {
	return binary.BigEndian.Uint32(r.data[12:16])
}

// Count returns the number of allocated inodes in the AG.
func (r *AgiReader) Count() uint32 {
	return binary.BigEndian.Uint32(r.data[16:20])
}

// Root returns the inode B+tree root block, AG-relative.
func (r *AgiReader) Root() types.AgBlock {
	return types.AgBlock(binary.BigEndian.Uint32(r.data[20:24]))
}

// Level returns the number of levels in the inode B+tree.
func (r *AgiReader) Level() uint32 {
	return binary.BigEndian.Uint32(r.data[24:28])
}

// FreeCount returns the number of free inodes in the AG.
func (r *AgiReader) FreeCount() uint32 {
	return binary.BigEndian.Uint32(r.data[28:32])
}

// FreeRoot returns the free inode B+tree root, valid only when the
// finobt feature is on.
func (r *AgiReader) FreeRoot() (types.AgBlock, bool) {
	if !r.v5 || len(r.data) < 336 {
		return 0, false
	}
	return types.AgBlock(binary.BigEndian.Uint32(r.data[328:332])), true
}

// FreeLevel returns the free inode B+tree depth, when present.
func (r *AgiReader) FreeLevel() (uint32, bool) {
	if !r.v5 || len(r.data) < 336 {
		return 0, false
	}
	return binary.BigEndian.Uint32(r.data[332:336]), true
}
