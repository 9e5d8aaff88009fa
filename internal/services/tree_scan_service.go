package services

import (
	"bytes"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/interfaces"
	"github.com/dialohq/fxfsp/internal/parsers/directories"
	"github.com/dialohq/fxfsp/internal/parsers/extents"
	"github.com/dialohq/fxfsp/internal/parsers/inodes"
	"github.com/dialohq/fxfsp/internal/parsers/superblock"
	"github.com/dialohq/fxfsp/internal/scan"
	"github.com/dialohq/fxfsp/internal/types"
)

// Tree scan phase labels.
const (
	phaseTreeInodes  = "tree_inodes"
	phaseTreeBmbt    = "tree_bmbt"
	phaseTreeDirData = "tree_dir_data"
)

// TreeScan walks only the directory tree, breadth first from the root
// inode. Entries whose file type marks them as non-directories are not
// followed, so on filesystems with the ftype feature file inodes are not
// read, which makes it far cheaper than Scan when only the namespace is
// wanted; without that feature every entry is followed and a
// non-directory is dropped once its inode has been read. Emits
// OnSuperblock, OnInode (directories only) and OnDirEntry.
func TreeScan(path string, opts ScanOptions, h ScanHandler) error {
	eng, cleanup, err := openEngine(path, &opts)
	if err != nil {
		return err
	}
	defer cleanup()

	info, scanner, err := scan.ParseSuperblock(eng)
	if err != nil {
		return err
	}
	logSuperblock(opts.logger(), path, info)

	if h.OnSuperblock != nil && h.OnSuperblock(info).Stopped() {
		return nil
	}

	walker := &treeWalker{
		eng:     eng,
		geo:     scanner.Geometry(),
		h:       h,
		visited: make(map[types.Ino]struct{}),
	}

	level := []types.Ino{info.RootIno}
	for len(level) > 0 && !walker.stopped {
		next, err := walker.processLevel(level)
		if err != nil {
			return err
		}
		level = next
	}

	return nil
}

// treeWalker carries the BFS state across levels.
type treeWalker struct {
	eng      interfaces.IoEngine
	geo      *superblock.Geometry
	h        ScanHandler
	visited  map[types.Ino]struct{}
	counters scan.RecordErrors
	stopped  bool
}

// processLevel reads one BFS level's directory inodes, emits their
// entries, and returns the child directories for the next level.
func (w *treeWalker) processLevel(dirInos []types.Ino) ([]types.Ino, error) {
	w.eng.SetPhase(phaseTreeInodes)

	type pending struct {
		ino    types.Ino
		offset uint64
	}
	var wanted []pending
	ranges := make([]types.ByteRange, 0, len(dirInos))
	for _, ino := range dirInos {
		if _, seen := w.visited[ino]; seen {
			continue
		}
		w.visited[ino] = struct{}{}
		blockByte, within := w.geo.InoToDiskPosition(ino)
		offset := blockByte + uint64(within)
		wanted = append(wanted, pending{ino: ino, offset: offset})
		ranges = append(ranges, types.ByteRange{Offset: offset, Length: uint64(w.geo.InodeSize)})
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	bufs, err := w.eng.ReadMany(ranges)
	if err != nil {
		return nil, err
	}

	type dirData struct {
		ino     types.Ino
		fork    []byte // inline short form, when non-nil
		extents []extents.Record
	}
	var dirs []dirData

	for i, p := range wanted {
		reader, err := inodes.NewReader(bufs[i], p.ino, w.geo.InodeSize,
			w.geo.IsV5(), w.geo.HasNrext64, p.offset)
		if err != nil {
			// Non-ftype filesystems enqueue every entry optimistically;
			// anything that fails to parse as a directory inode is
			// dropped here.
			if errdefs.IsBadCrc(err) {
				w.counters.BadCrcs++
			} else {
				w.counters.BadInodes++
			}
			continue
		}
		if !reader.IsDir() {
			continue
		}

		if w.h.OnInode != nil {
			if w.h.OnInode(buildTreeInodeRecord(w.geo, reader)).Stopped() {
				w.stopped = true
				return nil, nil
			}
		}

		switch reader.Format() {
		case types.DinodeFmtLocal:
			size := int(reader.Size())
			fork := reader.DataFork()
			if size > len(fork) {
				w.counters.BadInodes++
				continue
			}
			dirs = append(dirs, dirData{ino: p.ino, fork: append([]byte(nil), fork[:size]...)})

		case types.DinodeFmtExtents:
			recs, err := extents.DecodeList(reader.DataFork(), reader.DataExtents(), w.geo)
			if err != nil {
				w.counters.BadExtents++
				continue
			}
			dirs = append(dirs, dirData{ino: p.ino, extents: recs})

		case types.DinodeFmtBtree:
			w.eng.SetPhase(phaseTreeBmbt)
			fork := append([]byte(nil), reader.DataFork()...)
			recs, err := scan.WalkBmbt(w.eng, w.geo, &w.counters, fork)
			if err != nil {
				return nil, err
			}
			dirs = append(dirs, dirData{ino: p.ino, extents: recs})
			w.eng.SetPhase(phaseTreeInodes)
		}
	}

	// Emit entries, collecting child directories as we go.
	var children []types.Ino

	for _, d := range dirs {
		if d.fork != nil {
			w.emitShortform(d.ino, d.fork, &children)
			if w.stopped {
				return nil, nil
			}
		}
	}

	// Data blocks of every extent directory in one sorted sweep.
	w.eng.SetPhase(phaseTreeDirData)
	type blockReq struct {
		ino    types.Ino
		offset uint64
		length uint64
	}
	var reqs []blockReq
	for _, d := range dirs {
		for _, rec := range d.extents {
			if rec.Unwritten {
				continue
			}
			if uint64(rec.LogicalOffset)<<w.geo.BlockLog >= directories.Dir2LeafOffset {
				continue
			}
			reqs = append(reqs, blockReq{
				ino:    d.ino,
				offset: rec.StartByte(w.geo),
				length: rec.ByteLen(w.geo),
			})
		}
	}
	if len(reqs) > 0 {
		blockRanges := make([]types.ByteRange, len(reqs))
		for i, req := range reqs {
			blockRanges[i] = types.ByteRange{Offset: req.offset, Length: req.length}
		}
		blockBufs, err := w.eng.ReadMany(blockRanges)
		if err != nil {
			return nil, err
		}

		dirBlockSize := int(w.geo.DirBlockSize())
		for i, req := range reqs {
			buf := blockBufs[i]
			for off := 0; off+dirBlockSize <= len(buf); off += dirBlockSize {
				w.emitDataBlock(req.ino, buf[off:off+dirBlockSize], req.offset+uint64(off), &children)
				if w.stopped {
					return nil, nil
				}
			}
		}
	}

	return children, nil
}

func (w *treeWalker) emitShortform(parent types.Ino, fork []byte, children *[]types.Ino) {
	err := directories.ParseShortForm(fork, parent, w.geo.HasFtype, func(e directories.Entry) bool {
		return w.emitEntry(parent, e, children)
	})
	if err != nil {
		w.counters.BadDirents++
	}
}

func (w *treeWalker) emitDataBlock(parent types.Ino, block []byte, diskOffset uint64, children *[]types.Ino) {
	err := directories.ParseDataBlock(block, w.geo.IsV5(), w.geo.HasFtype, diskOffset, func(e directories.Entry) bool {
		return w.emitEntry(parent, e, children)
	})
	if err != nil {
		if errdefs.IsBadCrc(err) {
			w.counters.BadCrcs++
		} else {
			w.counters.BadDirents++
		}
	}
}

// emitEntry forwards one entry and enqueues child directories.
// Without ftype every unknown entry is enqueued optimistically;
// non-directories are filtered when their inode is read.
func (w *treeWalker) emitEntry(parent types.Ino, e directories.Entry, children *[]types.Ino) bool {
	if err := directories.ValidateName(e.Name); err != nil {
		w.counters.BadDirents++
		return true
	}

	if !bytes.Equal(e.Name, []byte(".")) && !bytes.Equal(e.Name, []byte("..")) {
		if !e.HasFtype || e.Ftype == types.FtypeDir || e.Ftype == types.FtypeUnknown {
			*children = append(*children, e.Ino)
		}
	}

	if w.h.OnDirEntry != nil {
		event := &scan.DirEntryRecord{
			ParentIno:  parent,
			ChildIno:   e.Ino,
			Name:       append([]byte(nil), e.Name...),
			Ftype:      e.Ftype,
			FtypeKnown: e.HasFtype,
		}
		if w.h.OnDirEntry(event).Stopped() {
			w.stopped = true
			return false
		}
	}
	return true
}

// buildTreeInodeRecord copies the directory inode into an owned
// event.
func buildTreeInodeRecord(geo *superblock.Geometry, r *inodes.Reader) *scan.InodeRecord {
	atimeSec, atimeNsec := r.Atime()
	mtimeSec, mtimeNsec := r.Mtime()
	ctimeSec, ctimeNsec := r.Ctime()

	return &scan.InodeRecord{
		AgNumber:       geo.InoToAgNumber(r.Ino()),
		Ino:            r.Ino(),
		Mode:           r.Mode(),
		UID:            r.UID(),
		GID:            r.GID(),
		Size:           r.Size(),
		Nlink:          r.Nlink(),
		NBlocks:        r.NBlocks(),
		AtimeSec:       atimeSec,
		AtimeNsec:      atimeNsec,
		MtimeSec:       mtimeSec,
		MtimeNsec:      mtimeNsec,
		CtimeSec:       ctimeSec,
		CtimeNsec:      ctimeNsec,
		ExtentCount:    r.DataExtents(),
		Flags:          r.Flags(),
		DataForkFormat: r.Format(),
		AttrForkFormat: r.AttrForkFormat(),
	}
}
