package btrees

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/types"
)

const testBlockSize = 4096

// buildShortBlock assembles a short-form btree block with the given
// level, records and child pointers.
func buildShortBlock(v5 bool, magic uint32, level, numRecs uint16, fill func(block []byte, hdr int)) []byte {
	block := make([]byte, testBlockSize)
	binary.BigEndian.PutUint32(block[0:4], magic)
	binary.BigEndian.PutUint16(block[4:6], level)
	binary.BigEndian.PutUint16(block[6:8], numRecs)
	binary.BigEndian.PutUint32(block[8:12], NullAgBlock)
	binary.BigEndian.PutUint32(block[12:16], NullAgBlock)

	hdr := ShortHeaderSizeV4
	if v5 {
		hdr = ShortHeaderSizeV5
	}
	if fill != nil {
		fill(block, hdr)
	}
	if v5 {
		checksum.Put(block, 52)
	}
	return block
}

func TestNewShortHeaderReaderLeaf(t *testing.T) {
	block := buildShortBlock(true, types.Ibt3Magic, 0, 2, func(b []byte, hdr int) {
		binary.BigEndian.PutUint32(b[hdr:], 64)                     // startino
		binary.BigEndian.PutUint64(b[hdr+8:], ^uint64(0b11))        // free: 0,1 allocated
		binary.BigEndian.PutUint32(b[hdr+InobtRecordSize:], 128)    // second record
		binary.BigEndian.PutUint64(b[hdr+InobtRecordSize+8:], ^uint64(0))
	})

	r, err := NewShortHeaderReader(block, types.Ibt3Magic, "inobt", true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), r.Level())
	assert.Equal(t, uint16(2), r.NumRecs())
	assert.Equal(t, uint32(NullAgBlock), r.LeftSib())

	recs, err := ParseInobtRecords(block, r.HeaderSize(), r.NumRecs())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, types.AgIno(64), recs[0].StartIno)
	assert.True(t, recs[0].IsAllocated(0))
	assert.True(t, recs[0].IsAllocated(1))
	assert.False(t, recs[0].IsAllocated(2))
	assert.Equal(t, types.AgIno(128), recs[1].StartIno)
	assert.False(t, recs[1].IsAllocated(0))
}

func TestInobtRecordHoleMask(t *testing.T) {
	rec := InobtRecord{HoleMask: 0x0003} // groups 0,1 absent
	assert.True(t, rec.IsHole(0))
	assert.True(t, rec.IsHole(7))
	assert.False(t, rec.IsHole(8))
	assert.False(t, rec.IsHole(63))
}

func TestShortHeaderChildPointersUseCapacityLayout(t *testing.T) {
	// Interior node with 3 children: pointers start after maxrecs
	// keys, not after numrecs keys.
	block := buildShortBlock(false, types.IbtMagic, 1, 3, func(b []byte, hdr int) {
		maxRecs := (testBlockSize - hdr) / (InobtKeySize + InobtPtrSize)
		ptrOff := hdr + maxRecs*InobtKeySize
		for i, child := range []uint32{8, 40, 99} {
			binary.BigEndian.PutUint32(b[ptrOff+i*InobtPtrSize:], child)
		}
	})

	r, err := NewShortHeaderReader(block, types.IbtMagic, "inobt", false, 0)
	require.NoError(t, err)

	children, err := r.ChildPointers(testBlockSize, InobtKeySize, InobtPtrSize)
	require.NoError(t, err)
	assert.Equal(t, []uint32{8, 40, 99}, children)
}

func TestNewShortHeaderReaderRejectsWrongMagic(t *testing.T) {
	block := buildShortBlock(false, types.AbtbMagic, 0, 0, nil)

	_, err := NewShortHeaderReader(block, types.IbtMagic, "inobt", false, 4096)
	require.Error(t, err)
	assert.True(t, errdefs.IsBadMagic(err))
}

func TestNewShortHeaderReaderRejectsCorruptedCrc(t *testing.T) {
	block := buildShortBlock(true, types.Ibt3Magic, 0, 1, nil)
	block[100] ^= 0x10

	_, err := NewShortHeaderReader(block, types.Ibt3Magic, "inobt", true, 0)
	require.Error(t, err)
	assert.True(t, errdefs.IsBadCrc(err))
}

func TestParseAllocRecords(t *testing.T) {
	block := buildShortBlock(false, types.AbtbMagic, 0, 2, func(b []byte, hdr int) {
		binary.BigEndian.PutUint32(b[hdr:], 24)
		binary.BigEndian.PutUint32(b[hdr+4:], 100)
		binary.BigEndian.PutUint32(b[hdr+8:], 512)
		binary.BigEndian.PutUint32(b[hdr+12:], 8)
	})

	r, err := NewShortHeaderReader(block, types.AbtbMagic, "bnobt", false, 0)
	require.NoError(t, err)

	recs, err := ParseAllocRecords(block, r.HeaderSize(), r.NumRecs())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, types.AgBlock(24), recs[0].StartBlock)
	assert.Equal(t, uint32(100), recs[0].BlockCount)
	assert.Equal(t, types.AgBlock(512), recs[1].StartBlock)
}
