package scan

import (
	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/interfaces"
	"github.com/dialohq/fxfsp/internal/parsers/ag"
	"github.com/dialohq/fxfsp/internal/parsers/superblock"
	"github.com/dialohq/fxfsp/internal/types"
)

// superblockReadSize covers the largest superblock sector.
const superblockReadSize = 4096

// Phase labels handed to the engine for instrumentation.
const (
	phaseSuperblock  = "superblock"
	phaseAgi         = "agi"
	phaseInobtWalk   = "inobt_walk"
	phaseInodeChunks = "inode_chunks"
	phaseBmbtWalk    = "bmbt_walk"
	phaseDirExtents  = "dir_extents"
)

// ParseSuperblock reads and validates the superblock at byte zero and
// returns the owned summary plus the scanner for walking AGs.
func ParseSuperblock(eng interfaces.IoEngine) (*SuperblockInfo, *FsScanner, error) {
	eng.SetPhase(phaseSuperblock)

	readSize := uint64(superblockReadSize)
	if sz := eng.Size(); sz < readSize {
		return nil, nil, errors.Wrapf(errdefs.ErrTruncated, "device of %d bytes", sz)
	}

	buf, err := eng.Read(types.ByteRange{Offset: 0, Length: readSize})
	if err != nil {
		return nil, nil, err
	}

	reader, err := superblock.NewReader(buf)
	if err != nil {
		return nil, nil, err
	}

	geo := reader.Geometry()
	info := &SuperblockInfo{
		BlockSize:       geo.BlockSize,
		SectorSize:      geo.SectorSize,
		AgCount:         geo.AgCount,
		AgBlocks:        geo.AgBlocks,
		InodeSize:       geo.InodeSize,
		InodesPerBlock:  geo.InodesPerBlock,
		RootIno:         geo.RootIno,
		LogStart:        geo.LogStart,
		UUID:            geo.UUID,
		V5:              geo.IsV5(),
		HasFtype:        geo.HasFtype,
		HasNrext64:      geo.HasNrext64,
		HasSparseInodes: geo.HasSparse,
		HasFinobt:       geo.HasFinobt,
		HasReflink:      geo.HasReflink,
		HasRmapbt:       geo.HasRmapbt,
	}

	scanner := &FsScanner{eng: eng, geo: geo}
	return info, scanner, nil
}

// FsScanner iterates the allocation groups of one filesystem in disk
// order. Not safe for concurrent use; the whole scan is cooperative
// and single-threaded by design.
type FsScanner struct {
	eng    interfaces.IoEngine
	geo    superblock.Geometry
	nextAg uint32

	// current tracks the AG whose phase chain is outstanding. Handing
	// out the next AG abandons it, which is how "dropping" a phase
	// handle mid-scan behaves in a language without destructors.
	current *agState
}

// Geometry exposes the filesystem geometry for advanced callers.
func (s *FsScanner) Geometry() *superblock.Geometry {
	return &s.geo
}

// NextAG returns the scanner for the next allocation group, or nil
// when every AG has been produced. Starting a new AG abandons any
// unfinished phases of the previous one.
func (s *FsScanner) NextAG() (*AgScanner, error) {
	if s.nextAg >= s.geo.AgCount {
		return nil, nil
	}
	if s.current != nil {
		s.current.abandoned = true
	}

	agno := types.AgNumber(s.nextAg)
	s.nextAg++

	s.eng.SetPhase(phaseAgi)
	agiOffset := s.geo.AgiByteOffset(agno)
	buf, err := s.eng.Read(types.ByteRange{Offset: agiOffset, Length: uint64(s.geo.SectorSize)})
	if err != nil {
		return nil, err
	}

	agi, err := ag.NewAgiReader(buf, agno, s.geo.IsV5(), s.geo.SectorSize, agiOffset)
	if err != nil {
		return nil, err
	}

	state := &agState{
		eng:        s.eng,
		geo:        &s.geo,
		agno:       agno,
		inobtRoot:  agi.Root(),
		inobtLevel: agi.Level(),
		inodeCount: agi.Count(),
	}
	if root, ok := agi.FreeRoot(); ok && s.geo.HasFinobt {
		state.finobtRoot = root
		state.hasFinobt = true
	}
	s.current = state

	return &AgScanner{state: state}, nil
}

// ReadAgf fetches the AG free space header on demand. It is needed
// only when the true extent of an AG must be known; the scan itself
// does not read it.
func (s *FsScanner) ReadAgf(agno types.AgNumber) (*ag.AgfReader, error) {
	agfOffset := s.geo.AgfByteOffset(agno)
	buf, err := s.eng.Read(types.ByteRange{Offset: agfOffset, Length: uint64(s.geo.SectorSize)})
	if err != nil {
		return nil, err
	}
	return ag.NewAgfReader(buf, agno, s.geo.IsV5(), s.geo.SectorSize, agfOffset)
}

// ReadAgfl fetches the AG free list, the companion of the AGF.
func (s *FsScanner) ReadAgfl(agno types.AgNumber) (*ag.AgflReader, error) {
	agflOffset := s.geo.AgflByteOffset(agno)
	buf, err := s.eng.Read(types.ByteRange{Offset: agflOffset, Length: uint64(s.geo.SectorSize)})
	if err != nil {
		return nil, err
	}
	return ag.NewAgflReader(buf, agno, s.geo.IsV5(), s.geo.SectorSize, agflOffset)
}

// agState is the lifecycle shared by one AG's phase handles.
type agState struct {
	eng  interfaces.IoEngine
	geo  *superblock.Geometry
	agno types.AgNumber

	inobtRoot  types.AgBlock
	inobtLevel uint32
	inodeCount uint32
	finobtRoot types.AgBlock
	hasFinobt  bool

	abandoned bool
	counters  RecordErrors

	// Work gathered by the inode phase for the later phases.
	shortformDirs []shortformDirWork
	extentDirs    []extentDirWork
	btreeDirs     []btreeForkWork
	btreeFiles    []btreeForkWork
}

func (st *agState) checkUsable(used bool) error {
	if used || st.abandoned {
		return errors.Wrapf(errdefs.ErrPhaseConsumed, "AG %d", st.agno)
	}
	return nil
}

type shortformDirWork struct {
	ino  types.Ino
	fork []byte // owned copy of the inline fork
}

type extentDirWork struct {
	ino     types.Ino
	extents []dirExtent
}

type dirExtent struct {
	logicalOffset types.FileOff
	startByte     uint64
	byteLen       uint64
}

type btreeForkWork struct {
	ino  types.Ino
	fork []byte // owned copy of the fork holding the bmdr root
}
