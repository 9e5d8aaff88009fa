package superblock

import (
	"github.com/google/uuid"

	"github.com/dialohq/fxfsp/internal/types"
)

// Geometry is the owned, immutable view of the superblock every scan
// phase consumes. All address arithmetic between inode numbers, packed
// filesystem blocks, AG-relative blocks and device byte offsets lives
// here.
type Geometry struct {
	Version        Version
	BlockSize      uint32
	BlockLog       uint8
	AgCount        uint32
	AgBlocks       uint32
	AgBlockLog     uint8
	InodeSize      uint16
	InodeLog       uint8
	InodesPerBlock uint16
	InopBlockLog   uint8
	DirBlockLog    uint8
	SectorSize     uint16
	RootIno        types.Ino
	LogStart       types.FsBlock
	UUID           uuid.UUID

	HasFtype   bool
	HasNrext64 bool
	HasSparse  bool
	HasFinobt  bool
	HasReflink bool
	HasRmapbt  bool
}

// inoAgShift is the bit position separating the AG number from the
// AG-relative part of an absolute inode number.
func (g *Geometry) inoAgShift() uint {
	return uint(g.InopBlockLog) + uint(g.AgBlockLog)
}

// InoToAgNumber extracts the allocation group of an inode number.
func (g *Geometry) InoToAgNumber(ino types.Ino) types.AgNumber {
	return types.AgNumber(uint64(ino) >> g.inoAgShift())
}

// InoToAgIno extracts the AG-relative part of an inode number.
func (g *Geometry) InoToAgIno(ino types.Ino) types.AgIno {
	mask := (uint64(1) << g.inoAgShift()) - 1
	return types.AgIno(uint64(ino) & mask)
}

// AgInoToIno rebuilds an absolute inode number.
func (g *Geometry) AgInoToIno(agno types.AgNumber, agino types.AgIno) types.Ino {
	return types.Ino(uint64(agno)<<g.inoAgShift() | uint64(agino))
}

// InodesPerAg returns the inode-number stride between consecutive AGs.
func (g *Geometry) InodesPerAg() uint64 {
	return uint64(1) << g.inoAgShift()
}

// AgStartByte returns the device byte offset of an AG's first block.
func (g *Geometry) AgStartByte(agno types.AgNumber) uint64 {
	return uint64(agno) * uint64(g.AgBlocks) << g.BlockLog
}

// AgBlockToByte returns the device byte offset of an AG-relative
// block. AGs are laid out by their true size, not the rounded-up
// power of two the packed encodings use.
func (g *Geometry) AgBlockToByte(agno types.AgNumber, agblock types.AgBlock) uint64 {
	abs := uint64(agno)*uint64(g.AgBlocks) + uint64(agblock)
	return abs << g.BlockLog
}

// FsBlockToAg unpacks a filesystem block number into its AG
// components.
func (g *Geometry) FsBlockToAg(fsblock types.FsBlock) (types.AgNumber, types.AgBlock) {
	agno := types.AgNumber(uint64(fsblock) >> g.AgBlockLog)
	agblock := types.AgBlock(uint64(fsblock) & ((uint64(1) << g.AgBlockLog) - 1))
	return agno, agblock
}

// FsBlockToByte returns the device byte offset of a packed filesystem
// block. The unpack step matters: when AgBlocks is not a power of two
// a plain shift lands in the wrong AG.
func (g *Geometry) FsBlockToByte(fsblock types.FsBlock) uint64 {
	agno, agblock := g.FsBlockToAg(fsblock)
	return g.AgBlockToByte(agno, agblock)
}

// AgiByteOffset returns the byte position of an AG's inode header,
// the third sector of the AG.
func (g *Geometry) AgiByteOffset(agno types.AgNumber) uint64 {
	return g.AgStartByte(agno) + 2*uint64(g.SectorSize)
}

// AgfByteOffset returns the byte position of an AG's free space
// header, the second sector of the AG.
func (g *Geometry) AgfByteOffset(agno types.AgNumber) uint64 {
	return g.AgStartByte(agno) + uint64(g.SectorSize)
}

// AgflByteOffset returns the byte position of an AG's free list, the
// fourth sector of the AG.
func (g *Geometry) AgflByteOffset(agno types.AgNumber) uint64 {
	return g.AgStartByte(agno) + 3*uint64(g.SectorSize)
}

// DirBlockFsBlocks returns the directory block size in filesystem
// blocks.
func (g *Geometry) DirBlockFsBlocks() uint32 {
	return uint32(1) << g.DirBlockLog
}

// DirBlockSize returns the directory block size in bytes.
func (g *Geometry) DirBlockSize() uint32 {
	return g.BlockSize << g.DirBlockLog
}

// InoToDiskPosition locates an inode: the byte offset of the block
// holding it and the inode's byte offset within that block.
func (g *Geometry) InoToDiskPosition(ino types.Ino) (blockByte uint64, within int) {
	agno := g.InoToAgNumber(ino)
	agino := g.InoToAgIno(ino)
	agBlock := types.AgBlock(uint32(agino) >> g.InopBlockLog)
	blockByte = g.AgBlockToByte(agno, agBlock)
	within = int(uint32(agino)&((1<<g.InopBlockLog)-1)) * int(g.InodeSize)
	return blockByte, within
}

// ChunkByteLen returns the byte span of one 64-inode chunk.
func (g *Geometry) ChunkByteLen() uint64 {
	return uint64(types.InodesPerChunk) * uint64(g.InodeSize)
}

// IsV5 reports whether metadata blocks carry CRCs.
func (g *Geometry) IsV5() bool {
	return g.Version == V5
}
