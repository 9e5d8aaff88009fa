package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialohq/fxfsp/internal/device"
	"github.com/dialohq/fxfsp/internal/engine"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/testutil"
	"github.com/dialohq/fxfsp/internal/types"
)

// fixture assembles the standard test filesystem:
//
//	ino 128  root directory (short form): alpha, beta, subdir
//	ino 129  "alpha": 8 KiB file, one inline extent
//	ino 130  "beta": empty file
//	ino 131  btree-format file with two extents via a bmbt leaf
//	ino 132  "subdir": single-block directory holding "gamma"
func fixture(t *testing.T, v5 bool, agCount uint32) *testutil.ImageBuilder {
	t.Helper()
	b := testutil.NewImageBuilder(v5, agCount)

	root := testutil.RootIno
	alpha := b.Ino(0, 1)
	beta := b.Ino(0, 2)
	subdir := b.Ino(0, 4)

	b.AddShortformDir(0, 0, root, []testutil.SfEntry{
		{Name: []byte("alpha"), Ino: alpha, Ftype: types.FtypeRegular},
		{Name: []byte("beta"), Ino: beta, Ftype: types.FtypeRegular},
		{Name: []byte("subdir"), Ino: subdir, Ftype: types.FtypeDir},
	})

	b.AddInode(0, 1, testutil.InodeSpec{
		Mode:     types.ModeRegular | 0o644,
		Format:   types.DinodeFmtExtents,
		Size:     8192,
		NBlocks:  2,
		NExtents: 1,
		Fork:     testutil.PackExtent(0, 100, 2, false),
	})

	b.AddInode(0, 2, testutil.InodeSpec{
		Mode:   types.ModeRegular | 0o644,
		Format: types.DinodeFmtExtents,
	})

	b.AddInode(0, 3, testutil.InodeSpec{
		Mode:     types.ModeRegular | 0o600,
		Format:   types.DinodeFmtBtree,
		Size:     8 * testutil.BlockSize,
		NBlocks:  8,
		NExtents: 2,
		Fork:     testutil.MakeBmdrRoot(testutil.InodeSize-176, []uint64{40}),
	})
	b.WriteBmbtLeaf(0, 40, [][]byte{
		testutil.PackExtent(0, 200, 4, false),
		testutil.PackExtent(8, 220, 4, false),
	})

	b.AddInode(0, 4, testutil.InodeSpec{
		Mode:     types.ModeDir | 0o755,
		Format:   types.DinodeFmtExtents,
		Size:     testutil.BlockSize,
		NBlocks:  1,
		NExtents: 1,
		Fork:     testutil.PackExtent(0, 60, 1, false),
	})
	b.WriteBlockDir(0, 60, subdir, root, []testutil.DirEntrySpec{
		{Name: []byte("gamma"), Ino: alpha, Ftype: types.FtypeRegular},
	})

	return b
}

func openImage(t *testing.T, image []byte) (*SuperblockInfo, *FsScanner) {
	t.Helper()
	dev := device.NewBufferDevice(image, testutil.SectorSize, true)
	eng, err := engine.New(dev, engine.Config{Backend: engine.BackendSync})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	info, scanner, err := ParseSuperblock(eng)
	require.NoError(t, err)
	return info, scanner
}

func TestParseSuperblockInfo(t *testing.T) {
	info, _ := openImage(t, fixture(t, true, 1).Build())

	assert.Equal(t, uint32(testutil.BlockSize), info.BlockSize)
	assert.Equal(t, uint16(testutil.SectorSize), info.SectorSize)
	assert.Equal(t, uint32(1), info.AgCount)
	assert.Equal(t, testutil.RootIno, info.RootIno)
	assert.True(t, info.V5)
	assert.True(t, info.HasFtype)
}

func TestScanInodesAscendingOrder(t *testing.T) {
	_, scanner := openImage(t, fixture(t, true, 1).Build())

	ag, err := scanner.NextAG()
	require.NoError(t, err)
	require.NotNil(t, ag)
	assert.Equal(t, types.AgNumber(0), ag.AgNumber())
	assert.Equal(t, uint32(5), ag.InodeCount())

	var inos []types.Ino
	var inline int
	_, broke, err := ag.ScanInodes(func(rec *InodeRecord) Control {
		inos = append(inos, rec.Ino)
		inline += len(rec.InlineExtents)
		assert.Equal(t, types.AgNumber(0), rec.AgNumber)
		return Continue()
	})
	require.NoError(t, err)
	assert.Nil(t, broke)

	require.Len(t, inos, 5)
	for i := 1; i < len(inos); i++ {
		assert.Greater(t, inos[i], inos[i-1], "inode numbers must strictly increase")
	}
	assert.Equal(t, testutil.RootIno, inos[0])

	// "alpha" and the extents-format "subdir" each carry one inline
	// extent; the btree file's extents arrive in the next phase.
	assert.Equal(t, 2, inline)
}

func TestScanFileExtentsLogicalOrder(t *testing.T) {
	_, scanner := openImage(t, fixture(t, true, 1).Build())

	ag, err := scanner.NextAG()
	require.NoError(t, err)

	extPhase, _, err := ag.ScanInodes(func(*InodeRecord) Control { return Continue() })
	require.NoError(t, err)

	var events []FileExtentRecord
	dirPhase, broke, err := extPhase.ScanFileExtents(func(rec *FileExtentRecord) Control {
		events = append(events, *rec)
		return Continue()
	})
	require.NoError(t, err)
	assert.Nil(t, broke)

	btreeFile := types.Ino(testutil.ChunkStartAgIno + 3)
	require.Len(t, events, 2)
	assert.Equal(t, btreeFile, events[0].Ino)
	assert.Equal(t, types.FileOff(0), events[0].LogicalOffset)
	assert.Equal(t, uint64(4), events[0].BlockCount)
	assert.Equal(t, types.FileOff(8), events[1].LogicalOffset)
	assert.Equal(t, types.AgBlock(220), events[1].AgBlock)

	require.NoError(t, dirPhase.SkipDirs())
}

func TestScanDirEntries(t *testing.T) {
	_, scanner := openImage(t, fixture(t, true, 1).Build())

	ag, err := scanner.NextAG()
	require.NoError(t, err)
	extPhase, _, err := ag.ScanInodes(func(*InodeRecord) Control { return Continue() })
	require.NoError(t, err)
	dirPhase, err := extPhase.SkipExtents()
	require.NoError(t, err)

	type key struct {
		parent types.Ino
		name   string
	}
	entries := map[key]types.Ino{}
	var perDir = map[types.Ino][]string{}
	broke, err := dirPhase.ScanDirEntries(func(rec *DirEntryRecord) Control {
		entries[key{rec.ParentIno, string(rec.Name)}] = rec.ChildIno
		perDir[rec.ParentIno] = append(perDir[rec.ParentIno], string(rec.Name))
		assert.True(t, rec.FtypeKnown)
		return Continue()
	})
	require.NoError(t, err)
	assert.Nil(t, broke)

	root := testutil.RootIno
	subdir := types.Ino(testutil.ChunkStartAgIno + 4)
	alpha := types.Ino(testutil.ChunkStartAgIno + 1)

	assert.Equal(t, alpha, entries[key{root, "alpha"}])
	assert.Equal(t, subdir, entries[key{root, "subdir"}])
	assert.Equal(t, root, entries[key{root, "."}])
	assert.Equal(t, alpha, entries[key{subdir, "gamma"}])
	assert.Equal(t, root, entries[key{subdir, ".."}])

	// On-disk order within each directory.
	assert.Equal(t, []string{".", "..", "alpha", "beta", "subdir"}, perDir[root])
	assert.Equal(t, []string{".", "..", "gamma"}, perDir[subdir])
}

func TestScanV4ImageNoCrcNoFtype(t *testing.T) {
	// v4 cores are smaller, so the bmdr fork is larger; rebuild the
	// btree file's fork for the v4 layout.
	b := fixture(t, false, 1)
	b.AddInode(0, 3, testutil.InodeSpec{
		Mode:     types.ModeRegular | 0o600,
		Format:   types.DinodeFmtBtree,
		Size:     8 * testutil.BlockSize,
		NBlocks:  8,
		NExtents: 2,
		Fork:     testutil.MakeBmdrRoot(testutil.InodeSize-100, []uint64{40}),
	})

	info, scanner := openImage(t, b.Build())
	assert.False(t, info.V5)
	assert.False(t, info.HasFtype)

	ag, err := scanner.NextAG()
	require.NoError(t, err)

	var count int
	extPhase, _, err := ag.ScanInodes(func(*InodeRecord) Control {
		count++
		return Continue()
	})
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Zero(t, ag.Counters().BadCrcs)

	dirPhase, _, err := extPhase.ScanFileExtents(func(*FileExtentRecord) Control { return Continue() })
	require.NoError(t, err)

	var ftypeKnown bool
	_, err = dirPhase.ScanDirEntries(func(rec *DirEntryRecord) Control {
		ftypeKnown = ftypeKnown || rec.FtypeKnown
		return Continue()
	})
	require.NoError(t, err)
	assert.False(t, ftypeKnown, "v4 entries must report the file type as unknown")
	assert.Zero(t, ag.Counters().BadCrcs)
}

func TestScanSkipsCorruptInodeAndCountsIt(t *testing.T) {
	b := fixture(t, true, 1)
	image := b.Build()

	// Flip one byte inside "beta"'s inode; its CRC no longer matches.
	image[b.InodeOffset(0, 2)+60] ^= 0x01

	_, scanner := openImage(t, image)
	ag, err := scanner.NextAG()
	require.NoError(t, err)

	var inos []types.Ino
	_, _, err = ag.ScanInodes(func(rec *InodeRecord) Control {
		inos = append(inos, rec.Ino)
		return Continue()
	})
	require.NoError(t, err)

	assert.Len(t, inos, 4)
	assert.NotContains(t, inos, b.Ino(0, 2))
	assert.Equal(t, uint64(1), ag.Counters().BadCrcs)
}

func TestScanSparseChunk(t *testing.T) {
	b := testutil.NewImageBuilder(true, 1)
	// Only the first four 4-inode groups are present.
	b.SetHoleMask(0, 0xFFF0)
	b.AddShortformDir(0, 0, testutil.RootIno, nil)
	b.AddInode(0, 1, testutil.InodeSpec{Mode: types.ModeRegular | 0o644, Format: types.DinodeFmtExtents})
	b.AddInode(0, 9, testutil.InodeSpec{Mode: types.ModeRegular | 0o644, Format: types.DinodeFmtExtents})

	_, scanner := openImage(t, b.Build())
	ag, err := scanner.NextAG()
	require.NoError(t, err)

	var inos []types.Ino
	_, _, err = ag.ScanInodes(func(rec *InodeRecord) Control {
		inos = append(inos, rec.Ino)
		return Continue()
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Ino{b.Ino(0, 0), b.Ino(0, 1), b.Ino(0, 9)}, inos)
}

func TestPhaseReuseFails(t *testing.T) {
	_, scanner := openImage(t, fixture(t, true, 1).Build())

	ag, err := scanner.NextAG()
	require.NoError(t, err)

	_, _, err = ag.ScanInodes(func(*InodeRecord) Control { return Continue() })
	require.NoError(t, err)

	// Second use of the consumed phase handle must be rejected.
	_, _, err = ag.ScanInodes(func(*InodeRecord) Control { return Continue() })
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrPhaseConsumed)
}

func TestNextAgAbandonsOutstandingPhases(t *testing.T) {
	_, scanner := openImage(t, fixture(t, true, 2).Build())

	ag0, err := scanner.NextAG()
	require.NoError(t, err)

	ag1, err := scanner.NextAG()
	require.NoError(t, err)
	require.NotNil(t, ag1)

	// ag0 was abandoned when ag1 was produced.
	_, _, err = ag0.ScanInodes(func(*InodeRecord) Control { return Continue() })
	assert.ErrorIs(t, err, errdefs.ErrPhaseConsumed)

	// ag1 is fully usable; AG 1's only inode chunk has no allocated
	// inodes in this image, so the walk yields nothing but must not fail.
	_, _, err = ag1.ScanInodes(func(*InodeRecord) Control { return Continue() })
	require.NoError(t, err)
}

func TestBreakStopsInodePhaseButPhaseChainContinues(t *testing.T) {
	_, scanner := openImage(t, fixture(t, true, 1).Build())

	ag, err := scanner.NextAG()
	require.NoError(t, err)

	var seen int
	extPhase, broke, err := ag.ScanInodes(func(rec *InodeRecord) Control {
		seen++
		return Break("enough")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	assert.Equal(t, "enough", broke)

	// The chain is still walkable after a break.
	dirPhase, err := extPhase.SkipExtents()
	require.NoError(t, err)
	require.NoError(t, dirPhase.SkipDirs())
}

func TestScanExhaustsAGs(t *testing.T) {
	_, scanner := openImage(t, fixture(t, true, 1).Build())

	ag, err := scanner.NextAG()
	require.NoError(t, err)
	require.NotNil(t, ag)

	done, err := scanner.NextAG()
	require.NoError(t, err)
	assert.Nil(t, done)
}

func TestReadAgfOnDemand(t *testing.T) {
	// The free space headers are read lazily, only when an AG's true
	// extent is needed; the scan itself never touches them.
	_, scanner := openImage(t, fixture(t, true, 1).Build())

	agf, err := scanner.ReadAgf(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(testutil.AgBlocks), agf.Length())
	assert.NotZero(t, agf.FreeBlocks())

	agfl, err := scanner.ReadAgfl(0)
	require.NoError(t, err)
	assert.NotZero(t, agfl.MaxEntries())
}

func TestParseSuperblockRejectsCorruptedImage(t *testing.T) {
	image := fixture(t, true, 1).Build()
	image[130] ^= 0x01 // inside the superblock CRC coverage

	dev := device.NewBufferDevice(image, testutil.SectorSize, true)
	eng, err := engine.New(dev, engine.Config{Backend: engine.BackendSync})
	require.NoError(t, err)
	defer eng.Close()

	_, _, err = ParseSuperblock(eng)
	require.Error(t, err)
	assert.True(t, errdefs.IsBadCrc(err))
}
