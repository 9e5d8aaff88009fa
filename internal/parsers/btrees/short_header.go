// Package btrees parses the on-disk B+tree block formats: short-form
// blocks (32-bit AG-relative sibling and child pointers, used by the
// inode and free space trees) and long-form blocks (64-bit filesystem
// pointers, used by the file mapping tree).
package btrees

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/errdefs"
)

// Short-form header sizes. The v5 header appends blkno, lsn, uuid,
// owner and crc to the v4 fields.
const (
	ShortHeaderSizeV4 = 16
	ShortHeaderSizeV5 = 56

	shortCrcOff = 52
)

// NullAgBlock marks an absent sibling pointer in short-form blocks.
const NullAgBlock = 0xFFFFFFFF

// ShortHeaderReader decodes a short-form B+tree block header in place.
type ShortHeaderReader struct {
	data []byte
	v5   bool
}

// NewShortHeaderReader validates the block header at the start of
// data against the expected magic and, on v5, the block CRC computed
// over the whole block.
func NewShortHeaderReader(data []byte, expect uint32, structure string, v5 bool, diskOffset uint64) (*ShortHeaderReader, error) {
	min := ShortHeaderSizeV4
	if v5 {
		min = ShortHeaderSizeV5
	}
	if len(data) < min {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "%s block: %d bytes", structure, len(data))
	}

	r := &ShortHeaderReader{data: data, v5: v5}

	if magic := r.Magic(); magic != expect {
		return nil, &errdefs.BadMagicError{
			Structure: structure,
			Expected:  expect,
			Got:       magic,
			Offset:    diskOffset,
		}
	}

	if v5 {
		if err := checksum.Verify(data, shortCrcOff, structure, diskOffset); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Magic returns the block magic.
func (r *ShortHeaderReader) Magic() uint32 {
	return binary.BigEndian.Uint32(r.data[0:4])
}

// Level returns the block's level: 0 for leaves.
func (r *ShortHeaderReader) Level() uint16 {
	return binary.BigEndian.Uint16(r.data[4:6])
}

// NumRecs returns the number of records (leaf) or keys (node) in the
// block.
func (r *ShortHeaderReader) NumRecs() uint16 {
	return binary.BigEndian.Uint16(r.data[6:8])
}

// LeftSib returns the left sibling block, or NullAgBlock.
func (r *ShortHeaderReader) LeftSib() uint32 {
	return binary.BigEndian.Uint32(r.data[8:12])
}

// RightSib returns the right sibling block, or NullAgBlock.
func (r *ShortHeaderReader) RightSib() uint32 {
	return binary.BigEndian.Uint32(r.data[12:16])
}

// HeaderSize returns the byte length of this header.
func (r *ShortHeaderReader) HeaderSize() int {
	if r.v5 {
		return ShortHeaderSizeV5
	}
	return ShortHeaderSizeV4
}

// ChildPointers extracts the child AG-block pointers of an interior
// node. XFS lays keys and pointers out by maxrecs, the block's
// capacity, not by the current record count.
func (r *ShortHeaderReader) ChildPointers(blockSize, keySize, ptrSize int) ([]uint32, error) {
	hdr := r.HeaderSize()
	n := int(r.NumRecs())
	maxRecs := (blockSize - hdr) / (keySize + ptrSize)
	ptrOff := hdr + maxRecs*keySize

	if ptrOff+n*ptrSize > len(r.data) {
		return nil, errors.Wrap(errdefs.ErrTruncated, "btree child pointers")
	}

	children := make([]uint32, n)
	for i := 0; i < n; i++ {
		children[i] = binary.BigEndian.Uint32(r.data[ptrOff+i*ptrSize:])
	}
	return children, nil
}
