package btrees

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// AllocRecordSize is the byte length of one free space B+tree record.
const AllocRecordSize = 8

// AllocRecord is one free extent in an AG: both free space trees
// (by-block and by-size) store the same record shape.
type AllocRecord struct {
	StartBlock types.AgBlock
	BlockCount uint32
}

// ParseAllocRecords decodes the leaf records of a free space B+tree
// block whose header has already been validated. The scan reads these
// only when it needs the free picture to bound an AG's inode space.
func ParseAllocRecords(data []byte, headerSize int, numRecs uint16) ([]AllocRecord, error) {
	records := make([]AllocRecord, 0, numRecs)
	for i := 0; i < int(numRecs); i++ {
		off := headerSize + i*AllocRecordSize
		if off+AllocRecordSize > len(data) {
			return nil, errors.Wrap(errdefs.ErrTruncated, "free space leaf record")
		}
		records = append(records, AllocRecord{
			StartBlock: types.AgBlock(binary.BigEndian.Uint32(data[off : off+4])),
			BlockCount: binary.BigEndian.Uint32(data[off+4 : off+8]),
		})
	}
	return records, nil
}
