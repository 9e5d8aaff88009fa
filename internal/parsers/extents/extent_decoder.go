// Package extents unpacks the 128-bit packed extent records found in
// inode data forks and bmap B+tree leaves.
package extents

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/parsers/superblock"
	"github.com/dialohq/fxfsp/internal/types"
)

// RecordSize is the on-disk size of one packed extent record.
const RecordSize = 16

// Bit layout of the two big-endian 64-bit halves:
//
//	bit 127        unwritten flag
//	bits 126..73   logical file offset (54 bits)
//	bits  72..21   filesystem block    (52 bits)
//	bits  20..0    length              (21 bits)
const (
	logicalOffsetMask = 0x003F_FFFF_FFFF_FFFF // 54 bits
	lengthMask        = 0x001F_FFFF           // 21 bits
)

// Record is one decoded extent with the physical target split into
// its AG components.
type Record struct {
	LogicalOffset types.FileOff
	AgNumber      types.AgNumber
	AgBlock       types.AgBlock
	BlockCount    uint64
	Unwritten     bool
}

// Decode unpacks the record at the start of data and validates it
// against the filesystem geometry. Rejects zero-length records and
// physical targets outside the AG space with ErrBadExtent.
func Decode(data []byte, geo *superblock.Geometry) (Record, error) {
	if len(data) < RecordSize {
		return Record{}, errors.Wrap(errdefs.ErrTruncated, "extent record")
	}

	l0 := binary.BigEndian.Uint64(data[0:8])
	l1 := binary.BigEndian.Uint64(data[8:16])

	fsblock := types.FsBlock((l0&0x1FF)<<43 | l1>>21)
	agno, agblock := geo.FsBlockToAg(fsblock)

	rec := Record{
		LogicalOffset: types.FileOff(l0 >> 9 & logicalOffsetMask),
		AgNumber:      agno,
		AgBlock:       agblock,
		BlockCount:    l1 & lengthMask,
		Unwritten:     l0>>63 != 0,
	}

	if rec.BlockCount == 0 {
		return Record{}, errors.Wrap(errdefs.ErrBadExtent, "zero length")
	}
	if uint32(rec.AgNumber) >= geo.AgCount {
		return Record{}, errors.Wrapf(errdefs.ErrBadExtent, "AG %d of %d", rec.AgNumber, geo.AgCount)
	}

	return rec, nil
}

// DecodeList unpacks count consecutive records from an inline extent
// fork. Records arrive in ascending logical offset order on disk.
func DecodeList(fork []byte, count uint64, geo *superblock.Geometry) ([]Record, error) {
	if uint64(len(fork)) < count*RecordSize {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "extent list: %d records in %d bytes", count, len(fork))
	}
	records := make([]Record, 0, count)
	for i := uint64(0); i < count; i++ {
		rec, err := Decode(fork[i*RecordSize:], geo)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// StartByte returns the device byte offset of the extent's first
// block.
func (r Record) StartByte(geo *superblock.Geometry) uint64 {
	return geo.AgBlockToByte(r.AgNumber, r.AgBlock)
}

// ByteLen returns the extent's length in bytes.
func (r Record) ByteLen(geo *superblock.Geometry) uint64 {
	return r.BlockCount << geo.BlockLog
}
