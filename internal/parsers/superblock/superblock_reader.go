// Package superblock parses the XFS superblock and derives the
// filesystem geometry every later phase depends on.
package superblock

import (
	"encoding/binary"
	"math/bits"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// sbMinSize covers every field up to the v5 feature words and CRC.
const sbMinSize = 268

// Version is the on-disk format generation.
type Version int

const (
	// V4 is the legacy format without metadata checksums.
	V4 Version = 4
	// V5 adds CRC-32C protection and self-describing block headers.
	V5 Version = 5
)

// Reader decodes the superblock zero-copy: it keeps the raw sector
// and converts fields from big-endian on access.
type Reader struct {
	data []byte
}

// NewReader validates the superblock at the start of data (magic,
// version, geometry invariants, and on v5 the embedded CRC when data
// covers a full sector). The slice is retained, not copied.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < sbMinSize {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "superblock: %d bytes", len(data))
	}

	r := &Reader{data: data}

	if magic := r.Magic(); magic != types.SbMagic {
		return nil, &errdefs.BadMagicError{
			Structure: "superblock",
			Expected:  types.SbMagic,
			Got:       magic,
			Offset:    0,
		}
	}

	vers := r.VersionNum() & types.SbVersionNumMask
	if vers != types.SbVersion4 && vers != types.SbVersion5 {
		return nil, errors.Wrapf(errdefs.ErrUnsupportedVersion, "superblock version %d", vers)
	}

	if err := r.validateGeometry(); err != nil {
		return nil, err
	}

	if r.Version() == V5 && len(data) >= int(r.SectorSize()) {
		sector := data[:r.SectorSize()]
		if err := checksum.Verify(sector, types.SbCrcOff, "superblock", 0); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Reader) validateGeometry() error {
	bs := r.BlockSize()
	if bs < types.MinBlockSize || bs > types.MaxBlockSize || bits.OnesCount32(bs) != 1 {
		return errors.Wrapf(errdefs.ErrUnsupportedVersion, "block size %d", bs)
	}
	is := r.InodeSize()
	if is < types.MinInodeSize || is > types.MaxInodeSize || bits.OnesCount16(is) != 1 {
		return errors.Wrapf(errdefs.ErrUnsupportedVersion, "inode size %d", is)
	}
	ss := r.SectorSize()
	if ss < types.MinSectorSize || bits.OnesCount16(ss) != 1 {
		return errors.Wrapf(errdefs.ErrUnsupportedVersion, "sector size %d", ss)
	}
	if r.AgCount() == 0 || r.AgBlocks() == 0 {
		return errors.Wrap(errdefs.ErrUnsupportedVersion, "empty AG geometry")
	}
	if bs%uint32(ss) != 0 {
		return errors.Wrapf(errdefs.ErrUnsupportedVersion, "block size %d not a multiple of sector size %d", bs, ss)
	}
	return nil
}

// Magic returns the superblock magic number.
func (r *Reader) Magic() uint32 {
	return binary.BigEndian.Uint32(r.data[0:4])
}

// BlockSize returns the filesystem block size in bytes.
func (r *Reader) BlockSize() uint32 {
	return binary.BigEndian.Uint32(r.data[4:8])
}

// DataBlocks returns the number of blocks in the data subvolume.
func (r *Reader) DataBlocks() uint64 {
	return binary.BigEndian.Uint64(r.data[8:16])
}

// UUID returns the filesystem identifier.
func (r *Reader) UUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.data[32:48])
	return id
}

// LogStart returns the starting block of the internal log.
func (r *Reader) LogStart() types.FsBlock {
	return types.FsBlock(binary.BigEndian.Uint64(r.data[48:56]))
}

// RootIno returns the root directory's inode number.
func (r *Reader) RootIno() types.Ino {
	return types.Ino(binary.BigEndian.Uint64(r.data[56:64]))
}

// AgBlocks returns the size of each allocation group in blocks.
func (r *Reader) AgBlocks() uint32 {
	return binary.BigEndian.Uint32(r.data[84:88])
}

// AgCount returns the number of allocation groups.
func (r *Reader) AgCount() uint32 {
	return binary.BigEndian.Uint32(r.data[88:92])
}

// VersionNum returns the raw version field.
func (r *Reader) VersionNum() uint16 {
	return binary.BigEndian.Uint16(r.data[100:102])
}

// SectorSize returns the logical sector size in bytes.
func (r *Reader) SectorSize() uint16 {
	return binary.BigEndian.Uint16(r.data[102:104])
}

// InodeSize returns the on-disk inode size in bytes.
func (r *Reader) InodeSize() uint16 {
	return binary.BigEndian.Uint16(r.data[104:106])
}

// InodesPerBlock returns the number of inodes per filesystem block.
func (r *Reader) InodesPerBlock() uint16 {
	return binary.BigEndian.Uint16(r.data[106:108])
}

// BlockLog returns log2 of the block size.
func (r *Reader) BlockLog() uint8 {
	return r.data[120]
}

// SectorLog returns log2 of the sector size.
func (r *Reader) SectorLog() uint8 {
	return r.data[121]
}

// InodeLog returns log2 of the inode size.
func (r *Reader) InodeLog() uint8 {
	return r.data[122]
}

// InodesPerBlockLog returns log2 of the inodes-per-block count.
func (r *Reader) InodesPerBlockLog() uint8 {
	return r.data[123]
}

// AgBlockLog returns log2 of the (rounded-up) AG size, the bit width
// of AG-relative block numbers inside packed filesystem blocks.
func (r *Reader) AgBlockLog() uint8 {
	return r.data[124]
}

// IcountAllocated returns the number of allocated inodes.
func (r *Reader) IcountAllocated() uint64 {
	return binary.BigEndian.Uint64(r.data[128:136])
}

// DirBlockLog returns log2 of the directory block size in filesystem
// blocks.
func (r *Reader) DirBlockLog() uint8 {
	return r.data[192]
}

// Features2 returns the v4 optional feature bits.
func (r *Reader) Features2() uint32 {
	return binary.BigEndian.Uint32(r.data[200:204])
}

// FeaturesRoCompat returns the v5 read-only-compatible feature bits.
func (r *Reader) FeaturesRoCompat() uint32 {
	return binary.BigEndian.Uint32(r.data[types.SbFeaturesRoCompatOff : types.SbFeaturesRoCompatOff+4])
}

// FeaturesIncompat returns the v5 incompatible feature bits.
func (r *Reader) FeaturesIncompat() uint32 {
	return binary.BigEndian.Uint32(r.data[types.SbFeaturesIncompatOff : types.SbFeaturesIncompatOff+4])
}

// Version reports the on-disk format generation.
func (r *Reader) Version() Version {
	if r.VersionNum()&types.SbVersionNumMask == types.SbVersion5 {
		return V5
	}
	return V4
}

// HasFtype reports whether directory entries carry an inline file
// type. Always true on v5; a features2 bit on v4.
func (r *Reader) HasFtype() bool {
	if r.Version() == V5 {
		return true
	}
	return r.Features2()&types.SbVersion2FtypeBit != 0
}

// HasNrext64 reports whether inode extent counters are 64-bit.
func (r *Reader) HasNrext64() bool {
	return r.Version() == V5 && r.FeaturesIncompat()&types.SbFeatIncompatNrext64 != 0
}

// HasSparseInodes reports whether inode chunks may have holes.
func (r *Reader) HasSparseInodes() bool {
	return r.Version() == V5 && r.FeaturesIncompat()&types.SbFeatIncompatSpinodes != 0
}

// HasFinobt reports whether the free inode B+tree is present.
func (r *Reader) HasFinobt() bool {
	return r.Version() == V5 && r.FeaturesRoCompat()&types.SbFeatRoCompatFinobt != 0
}

// HasReflink reports whether reflink metadata is present (skipped by
// the scanner).
func (r *Reader) HasReflink() bool {
	return r.Version() == V5 && r.FeaturesRoCompat()&types.SbFeatRoCompatReflink != 0
}

// HasRmapbt reports whether the reverse-mapping B+tree is present
// (skipped by the scanner).
func (r *Reader) HasRmapbt() bool {
	return r.Version() == V5 && r.FeaturesRoCompat()&types.SbFeatRoCompatRmapbt != 0
}

// Geometry materializes the owned geometry record used by every later
// phase, cutting the tie to the read buffer.
func (r *Reader) Geometry() Geometry {
	return Geometry{
		Version:        r.Version(),
		BlockSize:      r.BlockSize(),
		BlockLog:       r.BlockLog(),
		AgCount:        r.AgCount(),
		AgBlocks:       r.AgBlocks(),
		AgBlockLog:     r.AgBlockLog(),
		InodeSize:      r.InodeSize(),
		InodeLog:       r.InodeLog(),
		InodesPerBlock: r.InodesPerBlock(),
		InopBlockLog:   r.InodesPerBlockLog(),
		DirBlockLog:    r.DirBlockLog(),
		SectorSize:     r.SectorSize(),
		RootIno:        r.RootIno(),
		LogStart:       r.LogStart(),
		UUID:           r.UUID(),
		HasFtype:       r.HasFtype(),
		HasNrext64:     r.HasNrext64(),
		HasSparse:      r.HasSparseInodes(),
		HasFinobt:      r.HasFinobt(),
		HasReflink:     r.HasReflink(),
		HasRmapbt:      r.HasRmapbt(),
	}
}
