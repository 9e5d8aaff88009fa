package directories

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialohq/fxfsp/internal/testutil"
	"github.com/dialohq/fxfsp/internal/types"
)

func collectShortform(t *testing.T, fork []byte, parent types.Ino, hasFtype bool) []Entry {
	t.Helper()
	var got []Entry
	err := ParseShortForm(fork, parent, hasFtype, func(e Entry) bool {
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

func TestParseShortFormSynthesizesDotEntries(t *testing.T) {
	b := testutil.NewImageBuilder(true, 1)
	fork := b.ShortformFork(testutil.RootIno, []testutil.SfEntry{
		{Name: []byte("alpha"), Ino: 129, Ftype: types.FtypeRegular},
		{Name: []byte("subdir"), Ino: 130, Ftype: types.FtypeDir},
	})

	self := types.Ino(128)
	got := collectShortform(t, fork, self, true)
	require.Len(t, got, 4)

	assert.Equal(t, []byte("."), got[0].Name)
	assert.Equal(t, self, got[0].Ino)
	assert.Equal(t, []byte(".."), got[1].Name)
	assert.Equal(t, testutil.RootIno, got[1].Ino)

	assert.Equal(t, []byte("alpha"), got[2].Name)
	assert.Equal(t, types.Ino(129), got[2].Ino)
	assert.Equal(t, types.FtypeRegular, got[2].Ftype)
	assert.True(t, got[2].HasFtype)

	assert.Equal(t, []byte("subdir"), got[3].Name)
	assert.Equal(t, types.FtypeDir, got[3].Ftype)
}

func TestParseShortFormWithoutFtype(t *testing.T) {
	b := testutil.NewImageBuilder(false, 1)
	fork := b.ShortformFork(64, []testutil.SfEntry{
		{Name: []byte("f"), Ino: 70},
	})

	got := collectShortform(t, fork, 65, false)
	require.Len(t, got, 3)
	assert.False(t, got[2].HasFtype)
	assert.Equal(t, types.Ino(70), got[2].Ino)
}

func TestParseShortFormEarlyStop(t *testing.T) {
	b := testutil.NewImageBuilder(true, 1)
	fork := b.ShortformFork(64, []testutil.SfEntry{
		{Name: []byte("a"), Ino: 70},
		{Name: []byte("b"), Ino: 71},
	})

	var seen int
	err := ParseShortForm(fork, 65, true, func(e Entry) bool {
		seen++
		return seen < 3
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

func TestParseShortFormRejectsTruncated(t *testing.T) {
	err := ParseShortForm([]byte{2, 0, 0}, 64, false, func(Entry) bool { return true })
	assert.Error(t, err)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName([]byte("ok-name")))
	assert.Error(t, ValidateName(nil))
	assert.Error(t, ValidateName([]byte{}))
	assert.Error(t, ValidateName(bytes.Repeat([]byte("x"), 256)))
	assert.Error(t, ValidateName([]byte("has\x00nul")))
	assert.Error(t, ValidateName([]byte("has/slash")))
	assert.NoError(t, ValidateName(bytes.Repeat([]byte("x"), 255)))
}
