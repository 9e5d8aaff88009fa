// Package coalesce turns a batch of wanted byte ranges into a minimal
// sequence of physical reads. Nearby ranges are merged when the gap
// between them is at most MergeGap and the merged read stays within
// MaxMerged, amortizing seek time on rotational media. The package is
// pure: it plans reads but performs none.
package coalesce

import (
	"sort"

	"github.com/dialohq/fxfsp/internal/types"
)

// PhysicalRead is one read the backend should issue.
type PhysicalRead struct {
	// Sector-aligned byte offset on the device.
	Offset uint64
	// Sector-aligned length in bytes.
	Length uint64
}

// Slot maps one input range back into the physical read covering it.
type Slot struct {
	// Index into the plan's Reads.
	ReadIndex int
	// Byte offset of the input range within that physical read.
	InnerOffset uint64
	// Original (unaligned) length of the input range.
	Length uint64
}

// Plan is the outcome of coalescing one input batch.
type Plan struct {
	// Reads are sorted by offset and never overlap.
	Reads []PhysicalRead
	// Slots has one entry per input range, in input order.
	Slots []Slot
}

// Options tune the merge decisions.
type Options struct {
	// MergeGap is the largest hole, in bytes, still bridged by one
	// physical read. Zero disables coalescing beyond exact adjacency.
	MergeGap uint64
	// MaxMerged caps a single physical read, in bytes.
	MaxMerged uint64
	// SectorSize is the alignment every physical read is rounded out
	// to before merge decisions are made.
	SectorSize uint32
}

// New plans physical reads for the given ranges.
//
// Ranges are first rounded out to sector alignment (over-read is
// expected), then sorted by offset with insertion order preserved on
// ties, then swept left to right: an open read [lo, hi) absorbs the
// next range [s, e) when s <= hi+MergeGap and max(hi,e)-lo <=
// MaxMerged, otherwise it is closed and a new one opened.
func New(ranges []types.ByteRange, opts Options) Plan {
	if len(ranges) == 0 {
		return Plan{}
	}

	align := uint64(opts.SectorSize)
	if align == 0 {
		align = 1
	}

	type pending struct {
		alignedStart uint64
		alignedEnd   uint64
		origStart    uint64
		origLen      uint64
		inputIndex   int
	}

	work := make([]pending, len(ranges))
	for i, r := range ranges {
		start := r.Offset / align * align
		end := (r.End() + align - 1) / align * align
		work[i] = pending{
			alignedStart: start,
			alignedEnd:   end,
			origStart:    r.Offset,
			origLen:      r.Length,
			inputIndex:   i,
		}
	}

	sort.SliceStable(work, func(i, j int) bool {
		return work[i].alignedStart < work[j].alignedStart
	})

	plan := Plan{Slots: make([]Slot, len(ranges))}

	lo := work[0].alignedStart
	hi := work[0].alignedEnd
	assign := func(p pending) {
		plan.Slots[p.inputIndex] = Slot{
			ReadIndex:   len(plan.Reads),
			InnerOffset: p.origStart - lo,
			Length:      p.origLen,
		}
	}
	assign(work[0])

	for _, p := range work[1:] {
		mergedEnd := hi
		if p.alignedEnd > mergedEnd {
			mergedEnd = p.alignedEnd
		}
		if p.alignedStart <= hi+opts.MergeGap && mergedEnd-lo <= opts.MaxMerged {
			hi = mergedEnd
			assign(p)
			continue
		}
		plan.Reads = append(plan.Reads, PhysicalRead{Offset: lo, Length: hi - lo})
		lo = p.alignedStart
		hi = p.alignedEnd
		assign(p)
	}
	plan.Reads = append(plan.Reads, PhysicalRead{Offset: lo, Length: hi - lo})

	return plan
}
