// Package types implements the on-disk data structures of the XFS
// filesystem, versions 4 and 5. Field layouts follow the XFS Algorithms
// & Data Structures document (3rd edition) and the kernel's
// fs/xfs/libxfs/xfs_format.h. All on-disk integers are big-endian.
package types

// AgNumber identifies an allocation group. AGs are numbered from zero
// in disk order; the filesystem is the concatenation of its AGs.
type AgNumber uint32

// AgBlock is a block number relative to the start of an allocation
// group. Valid values are below sb_agblocks.
type AgBlock uint32

// AgIno is an inode number relative to its allocation group.
type AgIno uint32

// Ino is an absolute 64-bit inode number. The upper bits select the
// allocation group, the lower sb_agblklog+sb_inopblog bits the
// AG-relative inode.
type Ino uint64

// FsBlock is an absolute filesystem block number in the packed
// AG-number/AG-block encoding used by long-form B+tree pointers and
// extent records.
type FsBlock uint64

// FileOff is a file offset measured in filesystem blocks.
type FileOff uint64

// ByteRange is a byte span on the underlying device.
type ByteRange struct {
	// Byte offset from the start of the device.
	Offset uint64
	// Length in bytes. Zero-length ranges are invalid.
	Length uint64
}

// End returns the first byte past the range.
func (r ByteRange) End() uint64 {
	return r.Offset + r.Length
}
