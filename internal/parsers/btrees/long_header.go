package btrees

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// Long-form header sizes.
const (
	LongHeaderSizeV4 = 24
	LongHeaderSizeV5 = 72

	longCrcOff = 64
)

// NullFsBlock marks an absent sibling pointer in long-form blocks.
const NullFsBlock = 0xFFFFFFFFFFFFFFFF

// LongHeaderReader decodes a long-form B+tree block header in place.
// Long-form blocks address children by 64-bit packed filesystem block
// numbers and are used by the file mapping (bmap) tree.
type LongHeaderReader struct {
	data []byte
	v5   bool
}

// NewLongHeaderReader validates the header at the start of data.
func NewLongHeaderReader(data []byte, expect uint32, structure string, v5 bool, diskOffset uint64) (*LongHeaderReader, error) {
	min := LongHeaderSizeV4
	if v5 {
		min = LongHeaderSizeV5
	}
	if len(data) < min {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "%s block: %d bytes", structure, len(data))
	}

	r := &LongHeaderReader{data: data, v5: v5}

	if magic := r.Magic(); magic != expect {
		return nil, &errdefs.BadMagicError{
			Structure: structure,
			Expected:  expect,
			Got:       magic,
			Offset:    diskOffset,
		}
	}

	if v5 {
		if err := checksum.Verify(data, longCrcOff, structure, diskOffset); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Magic returns the block magic.
func (r *LongHeaderReader) Magic() uint32 {
	return binary.BigEndian.Uint32(r.data[0:4])
}

// Level returns the block's level: 0 for leaves.
func (r *LongHeaderReader) Level() uint16 {
	return binary.BigEndian.Uint16(r.data[4:6])
}

// NumRecs returns the number of records or keys in the block.
func (r *LongHeaderReader) NumRecs() uint16 {
	return binary.BigEndian.Uint16(r.data[6:8])
}

// LeftSib returns the left sibling, or NullFsBlock.
func (r *LongHeaderReader) LeftSib() types.FsBlock {
	return types.FsBlock(binary.BigEndian.Uint64(r.data[8:16]))
}

// RightSib returns the right sibling, or NullFsBlock.
func (r *LongHeaderReader) RightSib() types.FsBlock {
	return types.FsBlock(binary.BigEndian.Uint64(r.data[16:24]))
}

// HeaderSize returns the byte length of this header.
func (r *LongHeaderReader) HeaderSize() int {
	if r.v5 {
		return LongHeaderSizeV5
	}
	return LongHeaderSizeV4
}

// ChildPointers extracts the child filesystem-block pointers of an
// interior node, laid out after maxrecs keys.
func (r *LongHeaderReader) ChildPointers(blockSize int) ([]types.FsBlock, error) {
	const keySize, ptrSize = 8, 8
	hdr := r.HeaderSize()
	n := int(r.NumRecs())
	maxRecs := (blockSize - hdr) / (keySize + ptrSize)
	ptrOff := hdr + maxRecs*keySize

	if ptrOff+n*ptrSize > len(r.data) {
		return nil, errors.Wrap(errdefs.ErrTruncated, "bmap child pointers")
	}

	children := make([]types.FsBlock, n)
	for i := 0; i < n; i++ {
		children[i] = types.FsBlock(binary.BigEndian.Uint64(r.data[ptrOff+i*ptrSize:]))
	}
	return children, nil
}
