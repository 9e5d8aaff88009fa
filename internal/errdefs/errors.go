// Package errdefs defines the error taxonomy of the scanner. Device
// faults abort the current batch, structural faults abort the current
// allocation group, and record faults are dropped and counted without
// interrupting emission.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinels for errors that carry no payload. Wrap with
// errors.Wrap/Wrapf to add context; test with errors.Is.
var (
	// ErrIoOpen: the device could not be opened for direct reading.
	ErrIoOpen = errors.New("device open failed")

	// ErrUnsupportedVersion: the superblock version nibble is neither 4 nor 5,
	// or its block, inode or sector size or AG geometry is not accepted.
	ErrUnsupportedVersion = errors.New("unsupported superblock version")

	// ErrUnsupportedFeature: an incompat feature bit the scanner cannot honor.
	ErrUnsupportedFeature = errors.New("unsupported incompat feature")

	// ErrBadInode: an inode core failed record-level validation.
	ErrBadInode = errors.New("malformed inode record")

	// ErrBadExtent: an extent record failed record-level validation.
	ErrBadExtent = errors.New("malformed extent record")

	// ErrBadDirent: a directory entry failed record-level validation.
	ErrBadDirent = errors.New("malformed directory entry")

	// ErrPhaseConsumed: a scan phase handle was used twice.
	ErrPhaseConsumed = errors.New("scan phase already consumed")

	// ErrTruncated: a buffer is too small for the structure expected
	// inside it.
	ErrTruncated = errors.New("structure truncated")
)

// IoShortError reports a physical read that returned fewer bytes than
// requested. Fatal to the whole batch it belongs to.
type IoShortError struct {
	Offset uint64
	Got    int
	Want   int
}

func (e *IoShortError) Error() string {
	return fmt.Sprintf("short read at offset %d: got %d bytes, want %d", e.Offset, e.Got, e.Want)
}

// IoAlignError reports a read whose offset or length violates the
// device's direct I/O alignment requirement.
type IoAlignError struct {
	Offset    uint64
	Length    uint64
	Alignment uint32
}

func (e *IoAlignError) Error() string {
	return fmt.Sprintf("unaligned read [%d, +%d): requires %d-byte alignment", e.Offset, e.Length, e.Alignment)
}

// BadMagicError reports a metadata block whose magic number does not
// match the structure expected at its location.
type BadMagicError struct {
	Structure string
	Expected  uint32
	Got       uint32
	Offset    uint64
}

func (e *BadMagicError) Error() string {
	return fmt.Sprintf("bad %s magic at offset %d: got 0x%08X, want 0x%08X", e.Structure, e.Offset, e.Got, e.Expected)
}

// BadCrcError reports a v5 metadata block whose embedded CRC-32C does
// not match its contents. Recoverable at the block level: the phase
// skips the block and continues with the next sibling.
type BadCrcError struct {
	Structure string
	Offset    uint64
}

func (e *BadCrcError) Error() string {
	return fmt.Sprintf("CRC mismatch in %s at offset %d", e.Structure, e.Offset)
}

// IsIoShort returns true if err is a short-read fault.
func IsIoShort(err error) bool {
	var target *IoShortError
	return errors.As(err, &target)
}

// IsIoAlign returns true if err is an alignment fault.
func IsIoAlign(err error) bool {
	var target *IoAlignError
	return errors.As(err, &target)
}

// IsBadMagic returns true if err is a magic number mismatch.
func IsBadMagic(err error) bool {
	var target *BadMagicError
	return errors.As(err, &target)
}

// IsBadCrc returns true if err is a checksum mismatch.
func IsBadCrc(err error) bool {
	var target *BadCrcError
	return errors.As(err, &target)
}

// IsRecoverable reports whether the error is a record-level fault
// that the phase driver drops and counts rather than propagating.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrBadInode) ||
		errors.Is(err, ErrBadExtent) ||
		errors.Is(err, ErrBadDirent) ||
		IsBadCrc(err)
}
