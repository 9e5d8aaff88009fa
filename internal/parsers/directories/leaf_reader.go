package directories

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// Leaf and node blocks index directory entries by name hash. The scan
// never follows the hash index (data blocks come from the extent
// map), but it still recognizes these headers to classify blocks and
// to account for free index blocks.

// Leaf/node block info headers: the v4 form is forw(4) back(4)
// magic(2) pad(2); the v5 form extends it with crc, blkno, lsn, uuid
// and owner.
const (
	blockInfoSizeV4 = 12
	blockInfoSizeV5 = 56
)

// BlockKind classifies a directory block reached through the extent
// map.
type BlockKind int

const (
	// KindData holds entries.
	KindData BlockKind = iota
	// KindLeaf is a hash index leaf.
	KindLeaf
	// KindNode is a hash index interior node.
	KindNode
	// KindFree is a free space index block.
	KindFree
	// KindUnknown is anything else (corruption or a gap).
	KindUnknown
)

// Classify inspects a directory block's leading magic.
func Classify(block []byte, v5 bool) BlockKind {
	if len(block) < 4 {
		return KindUnknown
	}
	magic32 := binary.BigEndian.Uint32(block[0:4])
	if IsDataMagic(magic32, v5) {
		return KindData
	}
	if v5 {
		switch magic32 {
		case types.Dir3FreeMagic:
			return KindFree
		}
	} else {
		switch magic32 {
		case types.Dir2FreeMagic:
			return KindFree
		}
	}

	// Leaf and node magics sit at byte 8 of the da block info header.
	if len(block) < 10 {
		return KindUnknown
	}
	magic16 := binary.BigEndian.Uint16(block[8:10])
	switch magic16 {
	case types.Dir2Leaf1Magic, types.Dir2LeafNMagic, types.Dir3Leaf1Magic, types.Dir3LeafNMagic:
		return KindLeaf
	case types.DaNodeMagic, types.Da3NodeMagic:
		return KindNode
	}
	return KindUnknown
}

// LeafReader exposes the entry count of a leaf block header.
type LeafReader struct {
	data []byte
	v5   bool
}

// NewLeafReader validates the leaf magic at the conventional offset.
func NewLeafReader(data []byte, v5 bool, diskOffset uint64) (*LeafReader, error) {
	min := blockInfoSizeV4 + 4
	if v5 {
		min = blockInfoSizeV5 + 8
	}
	if len(data) < min {
		return nil, errors.Wrap(errdefs.ErrTruncated, "directory leaf block")
	}
	r := &LeafReader{data: data, v5: v5}
	magic := binary.BigEndian.Uint16(data[8:10])
	switch magic {
	case types.Dir2Leaf1Magic, types.Dir2LeafNMagic, types.Dir3Leaf1Magic, types.Dir3LeafNMagic:
	default:
		return nil, &errdefs.BadMagicError{
			Structure: "directory leaf",
			Expected:  uint32(types.Dir2Leaf1Magic),
			Got:       uint32(magic),
			Offset:    diskOffset,
		}
	}
	return r, nil
}

// Count returns the number of hash entries in the leaf.
func (r *LeafReader) Count() uint16 {
	if r.v5 {
		return binary.BigEndian.Uint16(r.data[blockInfoSizeV5:])
	}
	return binary.BigEndian.Uint16(r.data[blockInfoSizeV4:])
}
