// File: internal/interfaces/io_engine.go
package interfaces

import (
	"io"

	"github.com/dialohq/fxfsp/internal/types"
)

// IoEngine performs sorted, coalesced, possibly concurrent batch reads
// against a block device. Implementations own the read buffers; every
// slice returned to a caller is independently owned by that caller.
type IoEngine interface {
	// Read fetches a single byte range. Sector alignment is handled
	// internally; the returned buffer holds exactly the requested bytes.
	Read(r types.ByteRange) ([]byte, error)

	// ReadMany fetches a batch of byte ranges, coalescing nearby ones
	// into larger physical reads. The result has one buffer per input
	// range, in input order. Any short read fails the whole batch.
	ReadMany(ranges []types.ByteRange) ([][]byte, error)

	// SetPhase labels subsequent reads for instrumentation.
	SetPhase(phase string)

	// BatchWindowBytes suggests how many bytes of pending ranges a
	// caller should accumulate per ReadMany so the coalescer sees
	// enough concurrent work to merge profitably.
	BatchWindowBytes() uint64

	// Size returns the underlying device length in bytes.
	Size() uint64

	// SectorSize returns the underlying device's alignment unit.
	SectorSize() uint32

	io.Closer
}
