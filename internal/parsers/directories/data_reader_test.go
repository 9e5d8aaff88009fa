package directories

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/testutil"
	"github.com/dialohq/fxfsp/internal/types"
)

// blockDir builds a single-block directory and returns the block.
func blockDir(t *testing.T, v5 bool, entries []testutil.DirEntrySpec) []byte {
	t.Helper()
	b := testutil.NewImageBuilder(v5, 1)
	b.WriteBlockDir(0, 60, 128, 128, entries)
	img := b.Build()
	off := b.BlockOffset(0, 60)
	return img[off : off+testutil.BlockSize]
}

func collectDataBlock(t *testing.T, block []byte, v5, hasFtype bool) []Entry {
	t.Helper()
	var got []Entry
	err := ParseDataBlock(block, v5, hasFtype, 0, func(e Entry) bool {
		got = append(got, Entry{
			Ino:      e.Ino,
			Name:     append([]byte(nil), e.Name...),
			Ftype:    e.Ftype,
			HasFtype: e.HasFtype,
		})
		return true
	})
	require.NoError(t, err)
	return got
}

func TestParseDataBlockV5(t *testing.T) {
	block := blockDir(t, true, []testutil.DirEntrySpec{
		{Name: []byte("gamma"), Ino: 131, Ftype: types.FtypeRegular},
		{Name: []byte("nested"), Ino: 132, Ftype: types.FtypeDir},
	})

	got := collectDataBlock(t, block, true, true)
	require.Len(t, got, 4)
	assert.Equal(t, []byte("."), got[0].Name)
	assert.Equal(t, []byte(".."), got[1].Name)
	assert.Equal(t, []byte("gamma"), got[2].Name)
	assert.Equal(t, types.Ino(131), got[2].Ino)
	assert.Equal(t, types.FtypeRegular, got[2].Ftype)
	assert.Equal(t, []byte("nested"), got[3].Name)
	assert.Equal(t, types.FtypeDir, got[3].Ftype)
}

func TestParseDataBlockV4NoFtype(t *testing.T) {
	block := blockDir(t, false, []testutil.DirEntrySpec{
		{Name: []byte("f"), Ino: 131},
	})

	got := collectDataBlock(t, block, false, false)
	require.Len(t, got, 3)
	assert.False(t, got[2].HasFtype)
	assert.Equal(t, types.FtypeUnknown, got[2].Ftype)
}

func TestParseDataBlockSkipsForeignMagic(t *testing.T) {
	// A leaf block reached through the extent map yields nothing.
	block := make([]byte, testutil.BlockSize)
	block[8] = 0x3D // Dir3Leaf1Magic high byte
	block[9] = 0xF1

	got := collectDataBlock(t, block, true, true)
	assert.Empty(t, got)
}

func TestParseDataBlockRejectsCorruptedCrc(t *testing.T) {
	block := blockDir(t, true, []testutil.DirEntrySpec{
		{Name: []byte("x"), Ino: 131, Ftype: types.FtypeRegular},
	})
	block[100] ^= 0x01

	err := ParseDataBlock(block, true, true, 245760, func(Entry) bool { return true })
	require.Error(t, err)
	assert.True(t, errdefs.IsBadCrc(err))
}

func TestParseDataBlockEarlyStop(t *testing.T) {
	block := blockDir(t, true, []testutil.DirEntrySpec{
		{Name: []byte("a"), Ino: 131, Ftype: types.FtypeRegular},
		{Name: []byte("b"), Ino: 132, Ftype: types.FtypeRegular},
	})

	var seen int
	err := ParseDataBlock(block, true, true, 0, func(Entry) bool {
		seen++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestClassify(t *testing.T) {
	dataBlock := blockDir(t, true, nil)
	assert.Equal(t, KindData, Classify(dataBlock, true))

	leaf := make([]byte, 64)
	leaf[8], leaf[9] = 0x3D, 0xF1
	assert.Equal(t, KindLeaf, Classify(leaf, true))

	node := make([]byte, 64)
	node[8], node[9] = 0x3E, 0xBE
	assert.Equal(t, KindNode, Classify(node, true))

	free := make([]byte, 64)
	free[0], free[1], free[2], free[3] = 'X', 'D', 'F', '3'
	assert.Equal(t, KindFree, Classify(free, true))

	assert.Equal(t, KindUnknown, Classify(make([]byte, 64), true))
}
