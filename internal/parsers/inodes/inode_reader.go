// Package inodes parses on-disk inode cores (v2 and v3) and the fork
// geometry needed to reach the data they describe.
package inodes

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// Fork offsets: the data fork starts right after the core, which ends
// at the CRC field on v2 inodes and spans the full v3 header on v5
// filesystems.
const (
	CoreSizeV4 = 100
	CoreSizeV5 = 176

	inodeCrcOff = 100
)

// Reader decodes one on-disk inode in place. The slice covers the
// whole inode record (sb_inodesize bytes) so fork data is reachable.
type Reader struct {
	data       []byte
	ino        types.Ino
	v5         bool
	hasNrext64 bool
}

// NewReader validates the inode at the start of data: magic, version
// consistency, and on v5 filesystems the inode CRC computed over the
// full record. diskOffset is the inode's byte position for error
// reporting.
func NewReader(data []byte, ino types.Ino, inodeSize uint16, v5, hasNrext64 bool, diskOffset uint64) (*Reader, error) {
	if len(data) < int(inodeSize) || int(inodeSize) < CoreSizeV4 {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "inode %d: %d bytes", ino, len(data))
	}
	data = data[:inodeSize]

	r := &Reader{data: data, ino: ino, v5: v5, hasNrext64: hasNrext64}

	if magic := r.Magic(); magic != types.DinodeMagic {
		return nil, &errdefs.BadMagicError{
			Structure: "inode",
			Expected:  uint32(types.DinodeMagic),
			Got:       uint32(magic),
			Offset:    diskOffset,
		}
	}

	if v5 {
		if r.Version() < 3 {
			return nil, errors.Wrapf(errdefs.ErrBadInode, "inode %d: version %d on a v5 filesystem", ino, r.Version())
		}
		if err := checksum.Verify(data, inodeCrcOff, "inode", diskOffset); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Magic returns the inode magic ("IN").
func (r *Reader) Magic() uint16 {
	return binary.BigEndian.Uint16(r.data[0:2])
}

// Ino returns the absolute inode number the caller located this
// record at.
func (r *Reader) Ino() types.Ino {
	return r.ino
}

// Mode returns the file mode and type bits.
func (r *Reader) Mode() uint16 {
	return binary.BigEndian.Uint16(r.data[2:4])
}

// Version returns the inode version: 1/2 on v4 filesystems, 3 on v5.
func (r *Reader) Version() uint8 {
	return r.data[4]
}

// Format returns the data fork format code.
func (r *Reader) Format() uint8 {
	return r.data[5]
}

// UID returns the owner user id.
func (r *Reader) UID() uint32 {
	return binary.BigEndian.Uint32(r.data[8:12])
}

// GID returns the owner group id.
func (r *Reader) GID() uint32 {
	return binary.BigEndian.Uint32(r.data[12:16])
}

// Nlink returns the link count.
func (r *Reader) Nlink() uint32 {
	return binary.BigEndian.Uint32(r.data[16:20])
}

// Atime returns the last access time.
func (r *Reader) Atime() (sec, nsec uint32) {
	return binary.BigEndian.Uint32(r.data[32:36]), binary.BigEndian.Uint32(r.data[36:40])
}

// Mtime returns the last modification time.
func (r *Reader) Mtime() (sec, nsec uint32) {
	return binary.BigEndian.Uint32(r.data[40:44]), binary.BigEndian.Uint32(r.data[44:48])
}

// Ctime returns the last inode change time.
func (r *Reader) Ctime() (sec, nsec uint32) {
	return binary.BigEndian.Uint32(r.data[48:52]), binary.BigEndian.Uint32(r.data[52:56])
}

// Size returns the file size in bytes.
func (r *Reader) Size() uint64 {
	return binary.BigEndian.Uint64(r.data[56:64])
}

// NBlocks returns the number of blocks attributed to the inode.
func (r *Reader) NBlocks() uint64 {
	return binary.BigEndian.Uint64(r.data[64:72])
}

// DataExtents returns the data fork extent count, reading the wide
// 64-bit counter at byte 24 when the NREXT64 feature is on.
func (r *Reader) DataExtents() uint64 {
	if r.hasNrext64 {
		return binary.BigEndian.Uint64(r.data[24:32])
	}
	return uint64(binary.BigEndian.Uint32(r.data[76:80]))
}

// AttrExtents returns the attribute fork extent count. Under NREXT64
// it moves into the old 32-bit data counter slot.
func (r *Reader) AttrExtents() uint32 {
	if r.hasNrext64 {
		return binary.BigEndian.Uint32(r.data[76:80])
	}
	return uint32(binary.BigEndian.Uint16(r.data[80:82]))
}

// ForkOffset returns di_forkoff, the attribute fork position in
// 8-byte units from the start of the data fork. Zero means no
// attribute fork.
func (r *Reader) ForkOffset() uint8 {
	return r.data[82]
}

// AttrForkFormat returns the attribute fork format code. Non-local
// attribute forks are reported but never parsed.
func (r *Reader) AttrForkFormat() uint8 {
	return uint8(r.data[83])
}

// Flags returns the inode flags.
func (r *Reader) Flags() uint16 {
	return binary.BigEndian.Uint16(r.data[90:92])
}

// Gen returns the inode generation number.
func (r *Reader) Gen() uint32 {
	return binary.BigEndian.Uint32(r.data[92:96])
}

// DataForkOffset returns the byte offset of the data fork within the
// inode record.
func (r *Reader) DataForkOffset() int {
	if r.Version() >= 3 {
		return CoreSizeV5
	}
	return CoreSizeV4
}

// DataForkSize returns the byte length of the data fork area.
func (r *Reader) DataForkSize() int {
	if off := r.ForkOffset(); off != 0 {
		return int(off) * 8
	}
	return len(r.data) - r.DataForkOffset()
}

// DataFork returns the data fork bytes. The slice aliases the read
// buffer; callers copy out anything that outlives the parse.
func (r *Reader) DataFork() []byte {
	start := r.DataForkOffset()
	end := start + r.DataForkSize()
	if end > len(r.data) {
		end = len(r.data)
	}
	return r.data[start:end]
}

// AttrFork returns the attribute fork bytes, if an attribute fork
// exists.
func (r *Reader) AttrFork() ([]byte, bool) {
	off := r.ForkOffset()
	if off == 0 {
		return nil, false
	}
	start := r.DataForkOffset() + int(off)*8
	if start >= len(r.data) {
		return nil, false
	}
	return r.data[start:], true
}

// IsDir reports whether the inode is a directory.
func (r *Reader) IsDir() bool {
	return r.Mode()&types.ModeFmtMask == types.ModeDir
}

// IsRegular reports whether the inode is a regular file.
func (r *Reader) IsRegular() bool {
	return r.Mode()&types.ModeFmtMask == types.ModeRegular
}

// IsSymlink reports whether the inode is a symbolic link.
func (r *Reader) IsSymlink() bool {
	return r.Mode()&types.ModeFmtMask == types.ModeSymlink
}
