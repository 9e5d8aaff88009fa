package directories

import (
	"encoding/binary"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// Data block header sizes. The v5 header carries crc, blkno, lsn,
// uuid and owner before the best-free table.
const (
	dataHeaderSizeV4 = 16
	dataHeaderSizeV5 = 64

	dataCrcOff = 4
)

// Dir2LeafOffset is the byte position in a directory's logical
// address space where leaf (hash index) blocks begin. Extents at or
// beyond it hold no entries and are skipped.
const Dir2LeafOffset = 0x8_0000_0000 // 32 GiB

// IsDataMagic reports whether magic identifies a directory block that
// holds entries (single-block or data format) for the given format
// generation.
func IsDataMagic(magic uint32, v5 bool) bool {
	if v5 {
		return magic == types.Dir3DataMagic || magic == types.Dir3BlockMagic
	}
	return magic == types.Dir2DataMagic || magic == types.Dir2BlockMagic
}

// ParseDataBlock walks one directory block's entries, invoking emit
// for each. Blocks whose magic is not a data magic (leaf, node or
// free index blocks reached through the same extent map) are silently
// skipped. On v5 the block CRC is verified first; a mismatch is
// returned as a recoverable BadCrcError and the block yields nothing.
//
// block must be exactly one directory block (DirBlockSize bytes).
// hasFtype enables the inline type byte. emit returning false stops
// the walk early.
func ParseDataBlock(block []byte, v5, hasFtype bool, diskOffset uint64, emit func(Entry) bool) error {
	if len(block) < 4 {
		return errdefs.ErrTruncated
	}

	magic := binary.BigEndian.Uint32(block[0:4])
	if !IsDataMagic(magic, v5) {
		return nil
	}

	hdrSize := dataHeaderSizeV4
	if v5 {
		hdrSize = dataHeaderSizeV5
		if err := checksum.Verify(block, dataCrcOff, "directory block", diskOffset); err != nil {
			return err
		}
	}

	// Single-block directories carry their hash lookup array and a
	// trailing tail inside the same block; entries end where the
	// lookup array begins. Data blocks of larger directories use the
	// whole block.
	end := len(block)
	if magic == types.Dir2BlockMagic || magic == types.Dir3BlockMagic {
		if end < 8 {
			return errdefs.ErrTruncated
		}
		tailCount := int(binary.BigEndian.Uint32(block[end-8 : end-4]))
		leafBytes := 8 + tailCount*8
		if leafBytes < end-hdrSize {
			end -= leafBytes
		}
	}

	off := hdrSize
	for off+6 <= end {
		// Unused space carries a 0xFFFF tag and its length.
		if binary.BigEndian.Uint16(block[off:off+2]) == types.Dir2DataFreeTag {
			length := int(binary.BigEndian.Uint16(block[off+2 : off+4]))
			if length == 0 || off+length > end {
				break
			}
			off += length
			continue
		}

		// Used entry: ino(8) namelen(1) name [ftype] pad-to-8 tag(2).
		if off+9 > end {
			break
		}
		ino := types.Ino(binary.BigEndian.Uint64(block[off : off+8]))
		nameLen := int(block[off+8])

		nameStart := off + 9
		nameEnd := nameStart + nameLen
		if nameEnd > end {
			break
		}
		name := block[nameStart:nameEnd]

		ftype := types.FtypeUnknown
		ftypeSize := 0
		if hasFtype {
			if nameEnd >= end {
				break
			}
			ftype = block[nameEnd]
			ftypeSize = 1
		}

		if !emit(Entry{Ino: ino, Name: name, Ftype: ftype, HasFtype: hasFtype}) {
			return nil
		}

		// 8 (ino) + 1 (namelen) + name + ftype + 2 (tag), rounded up
		// to the 8-byte entry alignment.
		rawSize := 8 + 1 + nameLen + ftypeSize + 2
		off += (rawSize + 7) &^ 7
	}

	return nil
}
