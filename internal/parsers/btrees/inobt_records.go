package btrees

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// InobtRecordSize is the byte length of one inode B+tree record.
const InobtRecordSize = 16

// InobtRecord is one inode chunk descriptor: 64 consecutive inode
// numbers with a free bitmap and, on sparse filesystems, a hole mask
// marking 4-inode groups whose backing blocks are absent.
//
// The sparse layout (holemask + count bytes) reads correctly on
// non-sparse filesystems too: there the field is a 32-bit free count
// whose value never exceeds 64, so the high bytes are zero.
type InobtRecord struct {
	StartIno  types.AgIno
	HoleMask  uint16
	Count     uint8
	FreeCount uint8
	Free      uint64
}

// IsAllocated reports whether inode i (0..63) of the chunk is in use.
func (r *InobtRecord) IsAllocated(i uint32) bool {
	return r.Free&(uint64(1)<<i) == 0
}

// IsHole reports whether inode i falls in a sparse hole: its backing
// blocks are absent and must not be read.
func (r *InobtRecord) IsHole(i uint32) bool {
	group := i / types.SparseHoleGroup
	return r.HoleMask&(uint16(1)<<group) != 0
}

// ParseInobtRecords decodes the leaf records of an inode B+tree block
// whose header has already been validated.
func ParseInobtRecords(data []byte, headerSize int, numRecs uint16) ([]InobtRecord, error) {
	records := make([]InobtRecord, 0, numRecs)
	for i := 0; i < int(numRecs); i++ {
		off := headerSize + i*InobtRecordSize
		if off+InobtRecordSize > len(data) {
			return nil, errors.Wrap(errdefs.ErrTruncated, "inobt leaf record")
		}
		records = append(records, InobtRecord{
			StartIno:  types.AgIno(binary.BigEndian.Uint32(data[off : off+4])),
			HoleMask:  binary.BigEndian.Uint16(data[off+4 : off+6]),
			Count:     data[off+6],
			FreeCount: data[off+7],
			Free:      binary.BigEndian.Uint64(data[off+8 : off+16]),
		})
	}
	return records, nil
}

// InobtKeySize and InobtPtrSize describe the interior node layout of
// the inode B+tree (key = agino, pointer = agblock).
const (
	InobtKeySize = 4
	InobtPtrSize = 4
)
