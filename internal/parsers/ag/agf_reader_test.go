package ag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/testutil"
	"github.com/dialohq/fxfsp/internal/types"
)

func agSector(t *testing.T, v5 bool, sector uint64) []byte {
	t.Helper()
	img := testutil.NewImageBuilder(v5, 1).Build()
	off := sector * testutil.SectorSize
	return img[off : off+testutil.SectorSize]
}

func TestNewAgfReader(t *testing.T) {
	data := agSector(t, true, 1)

	r, err := NewAgfReader(data, 0, true, testutil.SectorSize, 512)
	require.NoError(t, err)

	assert.Equal(t, types.AgNumber(0), r.SeqNo())
	assert.Equal(t, uint32(testutil.AgBlocks), r.Length())
	assert.Equal(t, types.AgBlock(4), r.BnoRoot())
	assert.Equal(t, types.AgBlock(5), r.CntRoot())
	assert.Equal(t, uint32(1), r.BnoLevel())
	assert.Equal(t, uint32(1), r.CntLevel())
	assert.Equal(t, uint32(4), r.FlCount())
	assert.Equal(t, uint32(testutil.AgBlocks-64), r.FreeBlocks())
	assert.Equal(t, uint32(testutil.AgBlocks-128), r.Longest())
}

func TestNewAgfReaderRejectsBadMagic(t *testing.T) {
	data := agSector(t, false, 1)
	data[3] = 0

	_, err := NewAgfReader(data, 0, false, testutil.SectorSize, 512)
	require.Error(t, err)
	assert.True(t, errdefs.IsBadMagic(err))
}

func TestNewAgfReaderRejectsCorruptedCrc(t *testing.T) {
	data := agSector(t, true, 1)
	data[56] ^= 0x01 // longest free extent, covered by the CRC

	_, err := NewAgfReader(data, 0, true, testutil.SectorSize, 512)
	require.Error(t, err)
	assert.True(t, errdefs.IsBadCrc(err))
}

func TestNewAgflReaderV5(t *testing.T) {
	data := agSector(t, true, 3)

	r, err := NewAgflReader(data, 0, true, testutil.SectorSize, 1536)
	require.NoError(t, err)

	assert.Equal(t, types.AgBlock(6), r.Bno(0))
	assert.Equal(t, types.AgBlock(10), r.Bno(3))
	assert.Equal(t, (int(testutil.SectorSize)-36)/4, r.MaxEntries())
}

func TestNewAgflReaderV4HasNoHeader(t *testing.T) {
	data := agSector(t, false, 3)

	r, err := NewAgflReader(data, 0, false, testutil.SectorSize, 1536)
	require.NoError(t, err)

	assert.Equal(t, types.AgBlock(6), r.Bno(0))
	assert.Equal(t, int(testutil.SectorSize)/4, r.MaxEntries())
}

func TestNewAgflReaderRejectsCorruptedCrc(t *testing.T) {
	data := agSector(t, true, 3)
	data[40] ^= 0x01

	_, err := NewAgflReader(data, 0, true, testutil.SectorSize, 1536)
	require.Error(t, err)
	assert.True(t, errdefs.IsBadCrc(err))
}
