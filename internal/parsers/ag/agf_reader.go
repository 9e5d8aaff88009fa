package ag

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// AGF field offsets. The scan reads the AGF lazily, only when the true
// extent of an AG (its length and free space roots) is needed to bound
// traversal.
const (
	agfMinSize = 64
	agfCrcOff  = 216
)

// AgfReader decodes an AGF header in place.
type AgfReader struct {
	data []byte
}

// NewAgfReader validates the AGF at the start of data.
func NewAgfReader(data []byte, agno types.AgNumber, v5 bool, sectorSize uint16, diskOffset uint64) (*AgfReader, error) {
	if len(data) < agfMinSize {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "AGF %d: %d bytes", agno, len(data))
	}

	r := &AgfReader{data: data}

	if magic := r.Magic(); magic != types.AgfMagic {
		return nil, &errdefs.BadMagicError{
			Structure: "AGF",
			Expected:  types.AgfMagic,
			Got:       magic,
			Offset:    diskOffset,
		}
	}

	if v5 && len(data) >= int(sectorSize) {
		if err := checksum.Verify(data[:sectorSize], agfCrcOff, "AGF", diskOffset); err != nil {
			return nil, err
		}
	}

	if got := r.SeqNo(); got != agno {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "AGF sequence %d found in AG %d", got, agno)
	}

	return r, nil
}

// Magic returns the header magic.
func (r *AgfReader) Magic() uint32 {
	return binary.BigEndian.Uint32(r.data[0:4])
}

// SeqNo returns the AG number the header belongs to.
func (r *AgfReader) SeqNo() types.AgNumber {
	return types.AgNumber(binary.BigEndian.Uint32(r.data[8:12]))
}

// Length returns the AG size in blocks. The last AG of a filesystem
// is usually shorter than sb_agblocks; this is the authoritative
// bound for block validation within the AG.
func (r *AgfReader) Length() uint32 {
	return binary.BigEndian.Uint32(r.data[12:16])
}

// BnoRoot returns the root of the free space B+tree keyed by block
// number.
func (r *AgfReader) BnoRoot() types.AgBlock {
	return types.AgBlock(binary.BigEndian.Uint32(r.data[16:20]))
}

// CntRoot returns the root of the free space B+tree keyed by extent
// size.
func (r *AgfReader) CntRoot() types.AgBlock {
	return types.AgBlock(binary.BigEndian.Uint32(r.data[20:24]))
}

// BnoLevel returns the depth of the by-block free space B+tree.
func (r *AgfReader) BnoLevel() uint32 {
	return binary.BigEndian.Uint32(r.data[28:32])
}

// CntLevel returns the depth of the by-size free space B+tree.
func (r *AgfReader) CntLevel() uint32 {
	return binary.BigEndian.Uint32(r.data[32:36])
}

// FlCount returns the number of blocks on the AG free list.
func (r *AgfReader) FlCount() uint32 {
	return binary.BigEndian.Uint32(r.data[48:52])
}

// FreeBlocks returns the total free blocks in the AG.
func (r *AgfReader) FreeBlocks() uint32 {
	return binary.BigEndian.Uint32(r.data[52:56])
}

// Longest returns the longest contiguous free extent in the AG.
func (r *AgfReader) Longest() uint32 {
	return binary.BigEndian.Uint32(r.data[56:60])
}
