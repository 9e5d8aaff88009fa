// Package directories decodes the XFS directory formats: the inline
// short form, single-block directories, and the leaf/node forms whose
// data blocks are located through the inode's extent map. Hash index
// blocks are never interpreted; the scan only visits data blocks.
package directories

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

// Entry is one decoded directory entry. Name aliases the parse
// buffer; callers copy it out before the buffer is recycled.
type Entry struct {
	Ino   types.Ino
	Name  []byte
	Ftype uint8
	// HasFtype is false on filesystems without the ftype feature;
	// Ftype is then meaningless.
	HasFtype bool
}

// ValidateName enforces the entry naming rules: length 1..255 and no
// NUL or '/' bytes. Violations are record-level faults.
func ValidateName(name []byte) error {
	if len(name) == 0 || len(name) > 255 {
		return errors.Wrapf(errdefs.ErrBadDirent, "name length %d", len(name))
	}
	if bytes.IndexByte(name, 0) >= 0 || bytes.IndexByte(name, '/') >= 0 {
		return errors.Wrap(errdefs.ErrBadDirent, "name contains NUL or '/'")
	}
	return nil
}

// ParseShortForm walks an inline short-form directory held in an
// inode's data fork, invoking emit for each entry. The implicit "."
// and ".." entries are synthesized first, matching the order a block
// directory stores them in.
//
// parentIno is the directory's own inode number. hasFtype enables the
// inline type byte. emit returning false stops the walk early.
func ParseShortForm(fork []byte, parentIno types.Ino, hasFtype bool, emit func(Entry) bool) error {
	if len(fork) < 6 {
		return errors.Wrap(errdefs.ErrTruncated, "short form directory header")
	}

	// count is the total entries; a non-zero i8count widens every
	// inode field (header parent included) to 8 bytes.
	count := int(fork[0])
	use8Byte := fork[1] > 0

	inoSize := 4
	hdrSize := 6
	var dotdot types.Ino
	if use8Byte {
		inoSize = 8
		hdrSize = 10
		if len(fork) < hdrSize {
			return errors.Wrap(errdefs.ErrTruncated, "short form directory header")
		}
		dotdot = types.Ino(binary.BigEndian.Uint64(fork[2:10]))
	} else {
		dotdot = types.Ino(binary.BigEndian.Uint32(fork[2:6]))
	}

	if !emit(Entry{Ino: parentIno, Name: []byte("."), Ftype: types.FtypeDir, HasFtype: hasFtype}) {
		return nil
	}
	if !emit(Entry{Ino: dotdot, Name: []byte(".."), Ftype: types.FtypeDir, HasFtype: hasFtype}) {
		return nil
	}

	off := hdrSize
	for i := 0; i < count; i++ {
		// Entry: namelen(1) offset(2) name[namelen] [ftype] ino(4|8)
		if off+3 > len(fork) {
			return errors.Wrap(errdefs.ErrTruncated, "short form entry")
		}
		nameLen := int(fork[off])
		nameStart := off + 3
		nameEnd := nameStart + nameLen
		if nameEnd > len(fork) {
			return errors.Wrap(errdefs.ErrTruncated, "short form entry name")
		}
		name := fork[nameStart:nameEnd]

		ftype := types.FtypeUnknown
		inoStart := nameEnd
		if hasFtype {
			if inoStart >= len(fork) {
				return errors.Wrap(errdefs.ErrTruncated, "short form entry ftype")
			}
			ftype = fork[inoStart]
			inoStart++
		}

		if inoStart+inoSize > len(fork) {
			return errors.Wrap(errdefs.ErrTruncated, "short form entry inode")
		}
		var ino types.Ino
		if use8Byte {
			ino = types.Ino(binary.BigEndian.Uint64(fork[inoStart : inoStart+8]))
		} else {
			ino = types.Ino(binary.BigEndian.Uint32(fork[inoStart : inoStart+4]))
		}

		if !emit(Entry{Ino: ino, Name: name, Ftype: ftype, HasFtype: hasFtype}) {
			return nil
		}

		off = inoStart + inoSize
	}

	return nil
}
