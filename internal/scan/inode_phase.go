package scan

import (
	"sort"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/parsers/btrees"
	"github.com/dialohq/fxfsp/internal/parsers/directories"
	"github.com/dialohq/fxfsp/internal/parsers/extents"
	"github.com/dialohq/fxfsp/internal/parsers/inodes"
	"github.com/dialohq/fxfsp/internal/types"
)

// AgScanner is the first phase handle of one allocation group.
type AgScanner struct {
	state *agState
	used  bool
}

// AgNumber returns the allocation group being scanned.
func (a *AgScanner) AgNumber() types.AgNumber {
	return a.state.agno
}

// InodeCount returns the AGI's allocated inode count.
func (a *AgScanner) InodeCount() uint32 {
	return a.state.inodeCount
}

// Counters exposes the record-level fault counters of this AG.
func (a *AgScanner) Counters() *RecordErrors {
	return &a.state.counters
}

// chunkRead is one contiguous span of present inodes within a chunk,
// paired with the indexes it backs. Sparse chunks produce several.
type chunkRead struct {
	recIdx     int
	firstIdx   uint32 // first inode index of the chunk covered by this span
	inodeCount uint32
	offset     uint64
}

// ScanInodes walks every allocated inode of the AG in ascending inode
// number order, emitting one owned record per inode, then returns the
// extent phase handle. Emission order is the disk order of chunks, so
// reads stream forward.
//
// Individually corrupt inodes (bad magic or CRC) are skipped and
// counted; the phase carries on with the rest of the chunk.
func (a *AgScanner) ScanInodes(cb InodeCallback) (*AgExtentPhase, any, error) {
	if err := a.state.checkUsable(a.used); err != nil {
		return nil, nil, err
	}
	a.used = true

	st := a.state
	geo := st.geo

	records, err := st.collectInobtRecords()
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StartIno < records[j].StartIno })

	reads := st.planChunkReads(records)

	// Window the chunk reads so the coalescer always sees enough
	// pending ranges to merge profitably, without staging the whole
	// AG in memory at once.
	window := st.eng.BatchWindowBytes()
	if window == 0 {
		window = 64 * 1024 * 1024
	}
	st.eng.SetPhase(phaseInodeChunks)

	var broke any
	var stopped bool
	for start := 0; start < len(reads) && !stopped; {
		end := start
		var total uint64
		for end < len(reads) && (end == start || total < window) {
			total += uint64(reads[end].inodeCount) * uint64(geo.InodeSize)
			end++
		}

		batch := reads[start:end]
		ranges := make([]types.ByteRange, len(batch))
		for i, r := range batch {
			ranges[i] = types.ByteRange{
				Offset: r.offset,
				Length: uint64(r.inodeCount) * uint64(geo.InodeSize),
			}
		}

		bufs, err := st.eng.ReadMany(ranges)
		if err != nil {
			return nil, nil, err
		}

		for i, r := range batch {
			rec := &records[r.recIdx]
			if verdict, hit := st.processChunkSpan(bufs[i], rec, r, cb); hit {
				broke = verdict.Value()
				stopped = true
				break
			}
		}

		start = end
	}

	return &AgExtentPhase{state: st}, broke, nil
}

// planChunkReads converts chunk records into read spans, splitting
// sparse chunks at their holes so absent blocks are never fetched.
func (st *agState) planChunkReads(records []btrees.InobtRecord) []chunkRead {
	geo := st.geo
	var reads []chunkRead

	for idx := range records {
		rec := &records[idx]
		chunkAgBlock := types.AgBlock(uint32(rec.StartIno) >> geo.InopBlockLog)
		base := geo.AgBlockToByte(st.agno, chunkAgBlock)

		if rec.HoleMask == 0 {
			reads = append(reads, chunkRead{
				recIdx:     idx,
				firstIdx:   0,
				inodeCount: types.InodesPerChunk,
				offset:     base,
			})
			continue
		}

		// Sparse chunk: coalesce runs of present 4-inode groups.
		var runStart int32 = -1
		for group := uint32(0); group <= 16; group++ {
			present := group < 16 && rec.HoleMask&(uint16(1)<<group) == 0
			if present && runStart < 0 {
				runStart = int32(group)
			}
			if !present && runStart >= 0 {
				first := uint32(runStart) * types.SparseHoleGroup
				count := (group - uint32(runStart)) * types.SparseHoleGroup
				reads = append(reads, chunkRead{
					recIdx:     idx,
					firstIdx:   first,
					inodeCount: count,
					offset:     base + uint64(first)*uint64(geo.InodeSize),
				})
				runStart = -1
			}
		}
	}

	return reads
}

// processChunkSpan parses the inodes of one read span, emits events,
// and files directory/btree work for the later phases. The second
// return is true when the callback broke the phase.
func (st *agState) processChunkSpan(buf []byte, rec *btrees.InobtRecord, span chunkRead, cb InodeCallback) (Control, bool) {
	geo := st.geo

	for i := span.firstIdx; i < span.firstIdx+span.inodeCount; i++ {
		if rec.IsHole(i) || !rec.IsAllocated(i) {
			continue
		}

		agino := types.AgIno(uint32(rec.StartIno) + i)
		ino := geo.AgInoToIno(st.agno, agino)
		inodeOff := int(i-span.firstIdx) * int(geo.InodeSize)
		if inodeOff+int(geo.InodeSize) > len(buf) {
			break
		}
		diskOffset := span.offset + uint64(inodeOff)

		reader, err := inodes.NewReader(buf[inodeOff:inodeOff+int(geo.InodeSize)], ino,
			geo.InodeSize, geo.IsV5(), geo.HasNrext64, diskOffset)
		if err != nil {
			// One rotten inode does not spoil the chunk.
			if errdefs.IsBadCrc(err) {
				st.counters.BadCrcs++
			} else {
				st.counters.BadInodes++
			}
			continue
		}

		event := buildInodeRecord(st, reader)

		if reader.IsDir() {
			st.fileDirWork(reader)
		} else if reader.Format() == types.DinodeFmtBtree {
			st.btreeFiles = append(st.btreeFiles, btreeForkWork{
				ino:  ino,
				fork: append([]byte(nil), reader.DataFork()...),
			})
		}

		if verdict := cb(event); verdict.Stopped() {
			return verdict, true
		}
	}

	return Control{}, false
}

// buildInodeRecord copies the parsed inode into an owned event,
// decoding the inline extent array when present.
func buildInodeRecord(st *agState, r *inodes.Reader) *InodeRecord {
	atimeSec, atimeNsec := r.Atime()
	mtimeSec, mtimeNsec := r.Mtime()
	ctimeSec, ctimeNsec := r.Ctime()

	event := &InodeRecord{
		AgNumber:       st.agno,
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

	if r.Format() == types.DinodeFmtExtents && event.ExtentCount > 0 {
		recs, err := extents.DecodeList(r.DataFork(), event.ExtentCount, st.geo)
		if err != nil {
			st.counters.BadExtents++
		} else {
			event.InlineExtents = recs
		}
	}

	return event
}

// fileDirWork stores what the directory phase will need for one
// directory inode: the inline fork, the decoded extent list, or the
// btree root to resolve later.
func (st *agState) fileDirWork(r *inodes.Reader) {
	switch r.Format() {
	case types.DinodeFmtLocal:
		fork := r.DataFork()
		size := int(r.Size())
		if size > len(fork) {
			st.counters.BadInodes++
			return
		}
		st.shortformDirs = append(st.shortformDirs, shortformDirWork{
			ino:  r.Ino(),
			fork: append([]byte(nil), fork[:size]...),
		})

	case types.DinodeFmtExtents:
		recs, err := extents.DecodeList(r.DataFork(), r.DataExtents(), st.geo)
		if err != nil {
			st.counters.BadExtents++
			return
		}
		st.extentDirs = append(st.extentDirs, extentDirWork{
			ino:     r.Ino(),
			extents: dirExtentsOf(st, recs),
		})

	case types.DinodeFmtBtree:
		st.btreeDirs = append(st.btreeDirs, btreeForkWork{
			ino:  r.Ino(),
			fork: append([]byte(nil), r.DataFork()...),
		})
	}
}

// dirExtentsOf keeps the extents that can hold directory entries:
// written, below the leaf offset, and inside the AG space.
func dirExtentsOf(st *agState, recs []extents.Record) []dirExtent {
	geo := st.geo
	out := make([]dirExtent, 0, len(recs))
	for _, rec := range recs {
		if rec.Unwritten {
			continue
		}
		if uint64(rec.LogicalOffset)<<geo.BlockLog >= directories.Dir2LeafOffset {
			continue
		}
		if uint64(rec.AgBlock)+rec.BlockCount > uint64(geo.AgBlocks) {
			st.counters.BadExtents++
			continue
		}
		out = append(out, dirExtent{
			logicalOffset: rec.LogicalOffset,
			startByte:     rec.StartByte(geo),
			byteLen:       rec.ByteLen(geo),
		})
	}
	return out
}
