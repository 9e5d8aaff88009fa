package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialohq/fxfsp/internal/engine"
	"github.com/dialohq/fxfsp/internal/scan"
	"github.com/dialohq/fxfsp/internal/testutil"
	"github.com/dialohq/fxfsp/internal/types"
)

// writeFixture persists a synthesized filesystem to disk for the
// path-based service entry points.
func writeFixture(t *testing.T, v5 bool) string {
	t.Helper()

	b := testutil.NewImageBuilder(v5, 1)
	root := testutil.RootIno
	alpha := b.Ino(0, 1)
	subdir := b.Ino(0, 2)

	b.AddShortformDir(0, 0, root, []testutil.SfEntry{
		{Name: []byte("alpha"), Ino: alpha, Ftype: types.FtypeRegular},
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
		Mode:     types.ModeDir | 0o755,
		Format:   types.DinodeFmtExtents,
		Size:     testutil.BlockSize,
		NBlocks:  1,
		NExtents: 1,
		Fork:     testutil.PackExtent(0, 60, 1, false),
	})
	b.WriteBlockDir(0, 60, subdir, root, []testutil.DirEntrySpec{
		{Name: []byte("nested"), Ino: alpha, Ftype: types.FtypeRegular},
	})

	path := filepath.Join(t.TempDir(), "test.xfs")
	require.NoError(t, os.WriteFile(path, b.Build(), 0o644))
	return path
}

func quietOptions() ScanOptions {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return ScanOptions{
		Config: engine.Config{Backend: engine.BackendSync},
		Logger: log,
	}
}

func TestScanEmitsFullInventory(t *testing.T) {
	path := writeFixture(t, true)

	var sb *scan.SuperblockInfo
	var inodes, entries int
	var agBegins, agEnds int

	err := Scan(path, quietOptions(), ScanHandler{
		OnSuperblock: func(info *scan.SuperblockInfo) scan.Control {
			sb = info
			return scan.Continue()
		},
		OnAgBegin: func(types.AgNumber) scan.Control { agBegins++; return scan.Continue() },
		OnAgEnd: func(_ types.AgNumber, errs *scan.RecordErrors) scan.Control {
			agEnds++
			assert.Zero(t, errs.BadCrcs)
			return scan.Continue()
		},
		OnInode:    func(*scan.InodeRecord) scan.Control { inodes++; return scan.Continue() },
		OnDirEntry: func(*scan.DirEntryRecord) scan.Control { entries++; return scan.Continue() },
	})
	require.NoError(t, err)

	require.NotNil(t, sb)
	assert.Equal(t, uint32(1), sb.AgCount)
	assert.Equal(t, 3, inodes)
	// root: . .. alpha subdir; subdir: . .. nested
	assert.Equal(t, 7, entries)
	assert.Equal(t, 1, agBegins)
	assert.Equal(t, 1, agEnds)
}

func TestScanBreakStopsEverything(t *testing.T) {
	path := writeFixture(t, true)

	var inodes int
	err := Scan(path, quietOptions(), ScanHandler{
		OnInode: func(*scan.InodeRecord) scan.Control {
			inodes++
			return scan.Break(nil)
		},
		OnDirEntry: func(*scan.DirEntryRecord) scan.Control {
			t.Fatal("no directory entries expected after a break")
			return scan.Continue()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inodes)
}

func TestScanMissingDevice(t *testing.T) {
	err := Scan(filepath.Join(t.TempDir(), "absent"), quietOptions(), ScanHandler{})
	assert.Error(t, err)
}

func TestTreeScanWalksNamespaceOnly(t *testing.T) {
	path := writeFixture(t, true)

	var dirInodes []types.Ino
	entries := map[string]types.Ino{}

	err := TreeScan(path, quietOptions(), ScanHandler{
		OnInode: func(rec *scan.InodeRecord) scan.Control {
			assert.True(t, rec.IsDir())
			dirInodes = append(dirInodes, rec.Ino)
			return scan.Continue()
		},
		OnDirEntry: func(rec *scan.DirEntryRecord) scan.Control {
			entries[string(rec.Name)] = rec.ChildIno
			return scan.Continue()
		},
	})
	require.NoError(t, err)

	// Root first, then the subdirectory discovered through it. The
	// file inode is never visited.
	require.Len(t, dirInodes, 2)
	assert.Equal(t, testutil.RootIno, dirInodes[0])
	assert.Equal(t, types.Ino(testutil.ChunkStartAgIno+2), dirInodes[1])

	assert.Contains(t, entries, "alpha")
	assert.Contains(t, entries, "subdir")
	assert.Contains(t, entries, "nested")
}

func TestTreeScanV4EnqueuesUnknownFtypes(t *testing.T) {
	path := writeFixture(t, false)

	var dirs int
	err := TreeScan(path, quietOptions(), ScanHandler{
		OnInode: func(rec *scan.InodeRecord) scan.Control {
			dirs++
			return scan.Continue()
		},
	})
	require.NoError(t, err)

	// Without ftype every entry is enqueued optimistically; the file
	// inode is read but filtered, leaving the two real directories.
	assert.Equal(t, 2, dirs)
}

func TestScanHonorsMaxAg(t *testing.T) {
	path := writeFixture(t, true)

	opts := quietOptions()
	opts.MaxAg = 1

	var agBegins int
	err := Scan(path, opts, ScanHandler{
		OnAgBegin: func(types.AgNumber) scan.Control { agBegins++; return scan.Continue() },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, agBegins)
}

func TestScanIoLog(t *testing.T) {
	path := writeFixture(t, true)

	opts := quietOptions()
	opts.IoLogPath = filepath.Join(t.TempDir(), "io.csv")

	require.NoError(t, Scan(path, opts, ScanHandler{}))

	raw, err := os.ReadFile(opts.IoLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "phase,offset,len")
	assert.Contains(t, string(raw), "superblock,0,4096")
}
