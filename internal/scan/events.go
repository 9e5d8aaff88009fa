package scan

import (
	"github.com/google/uuid"

	"github.com/dialohq/fxfsp/internal/parsers/extents"
	"github.com/dialohq/fxfsp/internal/types"
)

// SuperblockInfo is the owned summary handed to the caller after
// phase zero. Immutable for the life of the scan.
type SuperblockInfo struct {
	BlockSize      uint32
	SectorSize     uint16
	AgCount        uint32
	AgBlocks       uint32
	InodeSize      uint16
	InodesPerBlock uint16
	RootIno        types.Ino
	LogStart       types.FsBlock
	UUID           uuid.UUID

	V5              bool
	HasFtype        bool
	HasNrext64      bool
	HasSparseInodes bool
	HasFinobt       bool
	HasReflink      bool
	HasRmapbt       bool
}

// InodeRecord is the owned inode event. Every field is copied out of
// the read buffer before the callback runs.
type InodeRecord struct {
	AgNumber types.AgNumber
	Ino      types.Ino
	Mode     uint16
	UID      uint32
	GID      uint32
	Size     uint64
	Nlink    uint32
	NBlocks  uint64

	AtimeSec  uint32
	AtimeNsec uint32
	MtimeSec  uint32
	MtimeNsec uint32
	CtimeSec  uint32
	CtimeNsec uint32

	// ExtentCount uses the wide NREXT64 counter when the feature is
	// on.
	ExtentCount uint64
	Flags       uint16

	// DataForkFormat is one of the DinodeFmt* codes.
	DataForkFormat uint8
	// AttrForkFormat is reported but non-local attribute forks are
	// never parsed.
	AttrForkFormat uint8

	// InlineExtents carries the decoded extent array when the data
	// fork is extents-format and fits inside the inode. Btree-format
	// forks deliver their extents through the extent phase instead.
	InlineExtents []extents.Record
}

// IsDir reports whether the inode is a directory.
func (r *InodeRecord) IsDir() bool {
	return r.Mode&types.ModeFmtMask == types.ModeDir
}

// IsRegular reports whether the inode is a regular file.
func (r *InodeRecord) IsRegular() bool {
	return r.Mode&types.ModeFmtMask == types.ModeRegular
}

// FileExtentRecord is the owned extent event for btree-format forks.
type FileExtentRecord struct {
	Ino           types.Ino
	LogicalOffset types.FileOff
	AgNumber      types.AgNumber
	AgBlock       types.AgBlock
	BlockCount    uint64
	Unwritten     bool
}

// DirEntryRecord is the owned directory entry event. Name is copied
// out of the read buffer because the caller outlives it.
type DirEntryRecord struct {
	ParentIno types.Ino
	ChildIno  types.Ino
	Name      []byte
	// Ftype is the inline file type tag; FtypeKnown is false on
	// filesystems without the ftype feature.
	Ftype      uint8
	FtypeKnown bool
}

// RecordErrors counts the record-level faults dropped during one AG's
// phases. Exposed on every phase handle; never interrupts emission.
type RecordErrors struct {
	BadInodes  uint64
	BadExtents uint64
	BadDirents uint64
	BadCrcs    uint64
}
