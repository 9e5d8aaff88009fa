// Package checksum verifies the CRC-32C integrity checksums embedded
// in XFS v5 metadata blocks. XFS computes the Castagnoli CRC over the
// whole structure with the CRC field zeroed, seeded and finalized the
// way hash/crc32 does natively, so the stored value can be compared
// against crc32.Checksum directly. The CRC field itself is the one
// little-endian value in an otherwise big-endian format.
package checksum

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/dialohq/fxfsp/internal/errdefs"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var zeroField [4]byte

// Compute returns the CRC-32C of data with the 4-byte field at
// crcOffset treated as zero, without mutating data.
func Compute(data []byte, crcOffset int) uint32 {
	crc := crc32.Update(0, castagnoli, data[:crcOffset])
	crc = crc32.Update(crc, castagnoli, zeroField[:])
	return crc32.Update(crc, castagnoli, data[crcOffset+4:])
}

// Put stamps the CRC of data into the field at crcOffset. Used by
// tests that synthesize v5 metadata blocks.
func Put(data []byte, crcOffset int) {
	binary.LittleEndian.PutUint32(data[crcOffset:crcOffset+4], Compute(data, crcOffset))
}

// Verify checks the stored CRC of a v5 metadata block.
//
// data is the full on-disk structure, crcOffset the byte offset of its
// embedded CRC field, structure a label for error reporting, and
// diskOffset the block's byte position on the device. Returns a
// BadCrcError on mismatch.
func Verify(data []byte, crcOffset int, structure string, diskOffset uint64) error {
	if crcOffset+4 > len(data) {
		return &errdefs.BadCrcError{Structure: structure, Offset: diskOffset}
	}
	stored := binary.LittleEndian.Uint32(data[crcOffset : crcOffset+4])
	if Compute(data, crcOffset) != stored {
		return &errdefs.BadCrcError{Structure: structure, Offset: diskOffset}
	}
	return nil
}
