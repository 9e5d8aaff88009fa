package scan

import (
	"sort"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/parsers/directories"
	"github.com/dialohq/fxfsp/internal/types"
)

// AgDirPhase is the final phase handle of one allocation group: the
// directory entries.
type AgDirPhase struct {
	state *agState
	used  bool
}

// Counters exposes the record-level fault counters of this AG.
func (p *AgDirPhase) Counters() *RecordErrors {
	return &p.state.counters
}

// ScanDirEntries emits every directory entry of the AG: short-form
// directories straight from their inline forks, then block and
// leaf/node directories from their data extents, batched and sorted
// by disk position. Entries of one directory arrive in on-disk order.
func (p *AgDirPhase) ScanDirEntries(cb DirEntryCallback) (any, error) {
	if err := p.state.checkUsable(p.used); err != nil {
		return nil, err
	}
	p.used = true

	st := p.state

	// Short-form directories need no I/O.
	for _, sf := range st.shortformDirs {
		verdict, hit := st.emitShortform(sf, cb)
		if hit {
			return verdict.Value(), nil
		}
	}

	if len(st.extentDirs) == 0 {
		return nil, nil
	}

	// One request per directory extent, sorted by disk position so
	// the sweep is forward-only.
	type dirRequest struct {
		ino    types.Ino
		offset uint64
		length uint64
	}
	var requests []dirRequest
	for _, work := range st.extentDirs {
		for _, ext := range work.extents {
			requests = append(requests, dirRequest{ino: work.ino, offset: ext.startByte, length: ext.byteLen})
		}
	}
	sort.SliceStable(requests, func(i, j int) bool { return requests[i].offset < requests[j].offset })

	st.eng.SetPhase(phaseDirExtents)
	dirBlockSize := int(st.geo.DirBlockSize())

	window := st.eng.BatchWindowBytes()
	if window == 0 {
		window = 64 * 1024 * 1024
	}

	for start := 0; start < len(requests); {
		end := start
		var total uint64
		for end < len(requests) && (end == start || total < window) {
			total += requests[end].length
			end++
		}

		batch := requests[start:end]
		ranges := make([]types.ByteRange, len(batch))
		for i, req := range batch {
			ranges[i] = types.ByteRange{Offset: req.offset, Length: req.length}
		}

		bufs, err := st.eng.ReadMany(ranges)
		if err != nil {
			return nil, err
		}

		for i, req := range batch {
			buf := bufs[i]
			for off := 0; off+dirBlockSize <= len(buf); off += dirBlockSize {
				block := buf[off : off+dirBlockSize]
				verdict, hit, err := st.emitDataBlock(block, req.ino, req.offset+uint64(off), cb)
				if err != nil {
					return nil, err
				}
				if hit {
					return verdict.Value(), nil
				}
			}
		}

		start = end
	}

	return nil, nil
}

// SkipDirs completes the AG without reading directory data.
func (p *AgDirPhase) SkipDirs() error {
	if err := p.state.checkUsable(p.used); err != nil {
		return err
	}
	p.used = true
	return nil
}

// emitShortform streams one inline directory through the callback.
func (st *agState) emitShortform(sf shortformDirWork, cb DirEntryCallback) (Control, bool) {
	var verdict Control
	var hit bool
	err := directories.ParseShortForm(sf.fork, sf.ino, st.geo.HasFtype, func(e directories.Entry) bool {
		if err := directories.ValidateName(e.Name); err != nil {
			st.counters.BadDirents++
			return true
		}
		event := ownedDirEntry(sf.ino, e)
		if v := cb(event); v.Stopped() {
			verdict, hit = v, true
			return false
		}
		return true
	})
	if err != nil {
		st.counters.BadDirents++
	}
	return verdict, hit
}

// emitDataBlock streams one directory data block through the
// callback. CRC failures forfeit the block, not the phase.
func (st *agState) emitDataBlock(block []byte, parent types.Ino, diskOffset uint64, cb DirEntryCallback) (Control, bool, error) {
	var verdict Control
	var hit bool
	err := directories.ParseDataBlock(block, st.geo.IsV5(), st.geo.HasFtype, diskOffset, func(e directories.Entry) bool {
		if err := directories.ValidateName(e.Name); err != nil {
			st.counters.BadDirents++
			return true
		}
		event := ownedDirEntry(parent, e)
		if v := cb(event); v.Stopped() {
			verdict, hit = v, true
			return false
		}
		return true
	})
	if err != nil {
		if errdefs.IsBadCrc(err) {
			st.counters.BadCrcs++
			return Control{}, false, nil
		}
		return Control{}, false, err
	}
	return verdict, hit, nil
}

// ownedDirEntry copies a borrowed parser entry into an event the
// caller may keep.
func ownedDirEntry(parent types.Ino, e directories.Entry) *DirEntryRecord {
	return &DirEntryRecord{
		ParentIno:  parent,
		ChildIno:   e.Ino,
		Name:       append([]byte(nil), e.Name...),
		Ftype:      e.Ftype,
		FtypeKnown: e.HasFtype,
	}
}
