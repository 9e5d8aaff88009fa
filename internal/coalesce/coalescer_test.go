package coalesce

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialohq/fxfsp/internal/types"
)

func TestNewEmptyInput(t *testing.T) {
	plan := New(nil, Options{MergeGap: 4096, MaxMerged: 1 << 20, SectorSize: 512})
	assert.Empty(t, plan.Reads)
	assert.Empty(t, plan.Slots)
}

func TestNewSingleRangeIsAligned(t *testing.T) {
	plan := New([]types.ByteRange{{Offset: 700, Length: 100}}, Options{
		MergeGap:   0,
		MaxMerged:  1 << 20,
		SectorSize: 512,
	})

	require.Len(t, plan.Reads, 1)
	assert.Equal(t, uint64(512), plan.Reads[0].Offset)
	assert.Equal(t, uint64(512), plan.Reads[0].Length)

	require.Len(t, plan.Slots, 1)
	assert.Equal(t, 0, plan.Slots[0].ReadIndex)
	assert.Equal(t, uint64(188), plan.Slots[0].InnerOffset)
	assert.Equal(t, uint64(100), plan.Slots[0].Length)
}

func TestNewMergesWithinGap(t *testing.T) {
	ranges := []types.ByteRange{
		{Offset: 0, Length: 512},
		{Offset: 1024, Length: 512}, // 512-byte hole, bridged
		{Offset: 1 << 20, Length: 512},
	}
	plan := New(ranges, Options{MergeGap: 4096, MaxMerged: 1 << 21, SectorSize: 512})

	require.Len(t, plan.Reads, 2)
	assert.Equal(t, uint64(0), plan.Reads[0].Offset)
	assert.Equal(t, uint64(1536), plan.Reads[0].Length)
	assert.Equal(t, uint64(1<<20), plan.Reads[1].Offset)

	assert.Equal(t, 0, plan.Slots[0].ReadIndex)
	assert.Equal(t, 0, plan.Slots[1].ReadIndex)
	assert.Equal(t, 1, plan.Slots[2].ReadIndex)
	assert.Equal(t, uint64(1024), plan.Slots[1].InnerOffset)
}

func TestNewZeroGapKeepsAdjacentMergesOnly(t *testing.T) {
	ranges := []types.ByteRange{
		{Offset: 0, Length: 512},
		{Offset: 512, Length: 512},  // touches, merged
		{Offset: 2048, Length: 512}, // hole, split
	}
	plan := New(ranges, Options{MergeGap: 0, MaxMerged: 1 << 20, SectorSize: 512})

	require.Len(t, plan.Reads, 2)
	assert.Equal(t, uint64(1024), plan.Reads[0].Length)
}

func TestNewRespectsMaxMerged(t *testing.T) {
	ranges := []types.ByteRange{
		{Offset: 0, Length: 4096},
		{Offset: 4096, Length: 4096},
	}
	plan := New(ranges, Options{MergeGap: 1 << 20, MaxMerged: 4096, SectorSize: 512})

	require.Len(t, plan.Reads, 2)
	for _, r := range plan.Reads {
		assert.LessOrEqual(t, r.Length, uint64(4096))
	}
}

func TestNewEqualOffsetsPreserveInsertionOrder(t *testing.T) {
	ranges := []types.ByteRange{
		{Offset: 4096, Length: 16},
		{Offset: 4096, Length: 32},
	}
	plan := New(ranges, Options{MergeGap: 0, MaxMerged: 1 << 20, SectorSize: 512})

	require.Len(t, plan.Reads, 1)
	assert.Equal(t, uint64(16), plan.Slots[0].Length)
	assert.Equal(t, uint64(32), plan.Slots[1].Length)
	assert.Equal(t, plan.Slots[0].InnerOffset, plan.Slots[1].InnerOffset)
}

// Coalescer laws over randomized inputs: every input is covered by its
// assigned read, reads are sorted and disjoint, and no adjacent pair
// of reads could still merge under the thresholds.
func TestNewLawsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(64)
		ranges := make([]types.ByteRange, n)
		for i := range ranges {
			ranges[i] = types.ByteRange{
				Offset: uint64(rng.Intn(1 << 24)),
				Length: uint64(1 + rng.Intn(1<<14)),
			}
		}
		opts := Options{
			MergeGap:   uint64(rng.Intn(1 << 16)),
			MaxMerged:  uint64(1 << (16 + rng.Intn(6))),
			SectorSize: 512,
		}

		plan := New(ranges, opts)
		require.Len(t, plan.Slots, n)

		// (a) containment
		for i, slot := range plan.Slots {
			read := plan.Reads[slot.ReadIndex]
			start := read.Offset + slot.InnerOffset
			require.Equal(t, ranges[i].Offset, start, "trial %d input %d", trial, i)
			require.LessOrEqual(t, start+slot.Length, read.End(), "trial %d input %d", trial, i)
		}

		// (c) sorted, non-overlapping, aligned
		for i, read := range plan.Reads {
			require.Zero(t, read.Offset%512)
			require.Zero(t, read.Length%512)
			if i > 0 {
				prev := plan.Reads[i-1]
				require.GreaterOrEqual(t, read.Offset, prev.End(), "trial %d", trial)
			}
		}

		// (b) maximality: adjacent reads must not still be mergeable
		for i := 1; i < len(plan.Reads); i++ {
			prev, cur := plan.Reads[i-1], plan.Reads[i]
			gap := cur.Offset - prev.End()
			merged := cur.End() - prev.Offset
			mergeable := gap <= opts.MergeGap && merged <= opts.MaxMerged
			require.False(t, mergeable, "trial %d: reads %d and %d should have merged", trial, i-1, i)
		}
	}
}

func (r PhysicalRead) End() uint64 {
	return r.Offset + r.Length
}
