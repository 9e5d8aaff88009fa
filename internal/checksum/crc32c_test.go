package checksum

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialohq/fxfsp/internal/errdefs"
)

func TestComputeMatchesPlainChecksumWhenFieldZeroed(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i * 7)
	}
	data[40], data[41], data[42], data[43] = 0, 0, 0, 0

	want := crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
	assert.Equal(t, want, Compute(data, 40))
}

func TestPutVerifyRoundTrip(t *testing.T) {
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	Put(data, 224)
	require.NoError(t, Verify(data, 224, "superblock", 0))
}

func TestVerifyDetectsAnySingleByteFlip(t *testing.T) {
	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i * 3)
	}
	Put(data, 32)

	for i := range data {
		if i >= 32 && i < 36 {
			continue // flipping the stored CRC itself is checked below
		}
		mutated := append([]byte(nil), data...)
		mutated[i] ^= 0x01

		err := Verify(mutated, 32, "block", 4096)
		require.Error(t, err, "flip at byte %d", i)
		assert.True(t, errdefs.IsBadCrc(err))
	}

	mutated := append([]byte(nil), data...)
	mutated[33] ^= 0x80
	assert.Error(t, Verify(mutated, 32, "block", 4096))
}

func TestVerifyReportsOffset(t *testing.T) {
	data := make([]byte, 64)
	err := Verify(data, 70, "inode", 12345)
	require.Error(t, err)

	crcErr, ok := err.(*errdefs.BadCrcError)
	require.True(t, ok)
	assert.Equal(t, uint64(12345), crcErr.Offset)
	assert.Equal(t, "inode", crcErr.Structure)
}
