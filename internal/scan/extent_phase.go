package scan

// AgExtentPhase is the second phase handle of one allocation group:
// the file extents of btree-format forks.
type AgExtentPhase struct {
	state *agState
	used  bool
}

// Counters exposes the record-level fault counters of this AG.
func (p *AgExtentPhase) Counters() *RecordErrors {
	return &p.state.counters
}

// ScanFileExtents resolves the bmap B+trees deferred by the inode
// phase, emitting one owned record per extent, ascending by logical
// offset within each inode. Directory forks resolved here feed the
// directory phase rather than the callback.
func (p *AgExtentPhase) ScanFileExtents(cb ExtentCallback) (*AgDirPhase, any, error) {
	if err := p.state.checkUsable(p.used); err != nil {
		return nil, nil, err
	}
	p.used = true

	st := p.state

	if err := st.resolveBtreeDirs(); err != nil {
		return nil, nil, err
	}

	var broke any
	for _, work := range st.btreeFiles {
		recs, err := st.collectBmbtExtents(work.fork)
		if err != nil {
			return nil, nil, err
		}
		for i := range recs {
			rec := &recs[i]
			if uint64(rec.AgBlock)+rec.BlockCount > uint64(st.geo.AgBlocks) {
				st.counters.BadExtents++
				continue
			}
			event := &FileExtentRecord{
				Ino:           work.ino,
				LogicalOffset: rec.LogicalOffset,
				AgNumber:      rec.AgNumber,
				AgBlock:       rec.AgBlock,
				BlockCount:    rec.BlockCount,
				Unwritten:     rec.Unwritten,
			}
			if verdict := cb(event); verdict.Stopped() {
				broke = verdict.Value()
				return &AgDirPhase{state: st}, broke, nil
			}
		}
	}
	st.btreeFiles = nil

	return &AgDirPhase{state: st}, broke, nil
}

// SkipExtents advances to the directory phase without emitting file
// extents. Btree-format directory forks still have to be resolved so
// the directory phase knows its data blocks.
func (p *AgExtentPhase) SkipExtents() (*AgDirPhase, error) {
	if err := p.state.checkUsable(p.used); err != nil {
		return nil, err
	}
	p.used = true

	if err := p.state.resolveBtreeDirs(); err != nil {
		return nil, err
	}
	return &AgDirPhase{state: p.state}, nil
}

// resolveBtreeDirs walks the deferred directory bmap trees and files
// their data extents as directory work.
func (st *agState) resolveBtreeDirs() error {
	for _, work := range st.btreeDirs {
		recs, err := st.collectBmbtExtents(work.fork)
		if err != nil {
			return err
		}
		if dirExts := dirExtentsOf(st, recs); len(dirExts) > 0 {
			st.extentDirs = append(st.extentDirs, extentDirWork{ino: work.ino, extents: dirExts})
		}
	}
	st.btreeDirs = nil
	return nil
}
