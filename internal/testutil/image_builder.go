// Package testutil synthesizes minimal XFS images in memory for the
// package tests. The layout is fixed: 4 KiB blocks, 512-byte sectors
// and inodes, 1024-block AGs, one 64-inode chunk per AG at block 16
// with its inode B+tree root (a single leaf) at block 8. That is
// enough surface to exercise every parser and the full phase chain
// without shelling out to mkfs.
package testutil

import (
	"encoding/binary"
	"math/bits"

	"github.com/dialohq/fxfsp/internal/checksum"
	"github.com/dialohq/fxfsp/internal/types"
)

// Fixed geometry of every synthesized image.
const (
	BlockSize      = 4096
	BlockLog       = 12
	SectorSize     = 512
	SectorLog      = 9
	InodeSize      = 512
	InodeLog       = 9
	InodesPerBlock = 8
	InopBlockLog   = 3
	AgBlocks       = 1024
	AgBlockLog     = 10

	// ChunkAgBlock is where each AG's single inode chunk lives; the
	// inobt root leaf sits at InobtRootAgBlock.
	ChunkAgBlock     = 16
	InobtRootAgBlock = 8

	// ChunkStartAgIno is the AG-relative number of the chunk's first
	// inode.
	ChunkStartAgIno = ChunkAgBlock * InodesPerBlock

	agBytes = AgBlocks * BlockSize
)

// RootIno is the root directory inode in AG 0 (first inode of the
// chunk).
const RootIno = types.Ino(ChunkStartAgIno)

// ImageBuilder assembles one synthetic filesystem.
type ImageBuilder struct {
	v5      bool
	agCount uint32
	data    []byte
	uuid    [16]byte

	// allocated[agno] has bit i set when chunk inode i is in use.
	allocated []uint64
	// holeMask[agno] marks absent 4-inode groups (sparse chunks).
	holeMask []uint16
}

// NewImageBuilder starts an empty image with the fixed geometry.
func NewImageBuilder(v5 bool, agCount uint32) *ImageBuilder {
	b := &ImageBuilder{
		v5:        v5,
		agCount:   agCount,
		data:      make([]byte, int(agCount)*agBytes),
		allocated: make([]uint64, agCount),
		holeMask:  make([]uint16, agCount),
	}
	copy(b.uuid[:], []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	return b
}

// Ino returns the absolute inode number of chunk inode index in agno.
func (b *ImageBuilder) Ino(agno uint32, index uint32) types.Ino {
	agino := uint64(ChunkStartAgIno + index)
	return types.Ino(uint64(agno)<<(InopBlockLog+AgBlockLog) | agino)
}

// InodeOffset returns the device byte offset of chunk inode index in
// agno, for corruption tests.
func (b *ImageBuilder) InodeOffset(agno, index uint32) uint64 {
	return uint64(agno)*agBytes + ChunkAgBlock*BlockSize + uint64(index)*InodeSize
}

// BlockOffset returns the device byte offset of an AG-relative block.
func (b *ImageBuilder) BlockOffset(agno, agblock uint32) uint64 {
	return uint64(agno)*agBytes + uint64(agblock)*BlockSize
}

// SetHoleMask marks sparse groups of an AG's chunk. Inodes inside a
// hole must not be added.
func (b *ImageBuilder) SetHoleMask(agno uint32, mask uint16) {
	b.holeMask[agno] = mask
}

// InodeSpec describes one inode to synthesize.
type InodeSpec struct {
	Mode     uint16
	Format   uint8
	Size     uint64
	Nlink    uint32
	NBlocks  uint64
	NExtents uint32
	Fork     []byte
}

// AddInode writes chunk inode index of agno and returns its absolute
// number.
func (b *ImageBuilder) AddInode(agno, index uint32, spec InodeSpec) types.Ino {
	ino := b.Ino(agno, index)
	buf := make([]byte, InodeSize)

	binary.BigEndian.PutUint16(buf[0:2], types.DinodeMagic)
	binary.BigEndian.PutUint16(buf[2:4], spec.Mode)
	if b.v5 {
		buf[4] = 3
	} else {
		buf[4] = 2
	}
	buf[5] = spec.Format
	binary.BigEndian.PutUint32(buf[8:12], 1000)  // uid
	binary.BigEndian.PutUint32(buf[12:16], 1000) // gid
	nlink := spec.Nlink
	if nlink == 0 {
		nlink = 1
	}
	binary.BigEndian.PutUint32(buf[16:20], nlink)
	binary.BigEndian.PutUint32(buf[32:36], 1700000000) // atime
	binary.BigEndian.PutUint32(buf[40:44], 1700000100) // mtime
	binary.BigEndian.PutUint32(buf[48:52], 1700000200) // ctime
	binary.BigEndian.PutUint64(buf[56:64], spec.Size)
	binary.BigEndian.PutUint64(buf[64:72], spec.NBlocks)
	binary.BigEndian.PutUint32(buf[76:80], spec.NExtents)
	buf[82] = 0                           // forkoff: no attr fork
	buf[83] = types.DinodeFmtExtents      // aformat
	binary.BigEndian.PutUint32(buf[92:96], 7) // gen
	binary.BigEndian.PutUint32(buf[96:100], 0xFFFFFFFF) // next_unlinked

	forkOff := 100
	if b.v5 {
		forkOff = 176
		binary.BigEndian.PutUint64(buf[152:160], uint64(ino))
		copy(buf[160:176], b.uuid[:])
	}
	copy(buf[forkOff:], spec.Fork)

	if b.v5 {
		checksum.Put(buf, 100)
	}

	off := b.InodeOffset(agno, index)
	copy(b.data[off:], buf)
	b.allocated[agno] |= uint64(1) << index
	return ino
}

// SfEntry is one short-form directory entry.
type SfEntry struct {
	Name []byte
	Ino  types.Ino
	// Ftype is written only on filesystems with the ftype feature.
	Ftype uint8
}

// ShortformFork assembles an inline directory fork. Parent inodes and
// entry inodes must fit in 32 bits (they always do here).
func (b *ImageBuilder) ShortformFork(parent types.Ino, entries []SfEntry) []byte {
	hasFtype := b.v5
	fork := []byte{byte(len(entries)), 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(fork[2:6], uint32(parent))

	offset := 0
	for _, e := range entries {
		fork = append(fork, byte(len(e.Name)))
		var offBytes [2]byte
		binary.BigEndian.PutUint16(offBytes[:], uint16(offset))
		fork = append(fork, offBytes[:]...)
		fork = append(fork, e.Name...)
		if hasFtype {
			fork = append(fork, e.Ftype)
		}
		var inoBytes [4]byte
		binary.BigEndian.PutUint32(inoBytes[:], uint32(e.Ino))
		fork = append(fork, inoBytes[:]...)
		offset += 32
	}
	return fork
}

// AddShortformDir writes a local-format directory inode.
func (b *ImageBuilder) AddShortformDir(agno, index uint32, parent types.Ino, entries []SfEntry) types.Ino {
	fork := b.ShortformFork(parent, entries)
	return b.AddInode(agno, index, InodeSpec{
		Mode:   types.ModeDir | 0o755,
		Format: types.DinodeFmtLocal,
		Size:   uint64(len(fork)),
		Nlink:  2,
		Fork:   fork,
	})
}

// PackExtent encodes one on-disk extent record.
func PackExtent(logical uint64, fsblock uint64, count uint64, unwritten bool) []byte {
	rec := make([]byte, 16)
	var l0, l1 uint64
	if unwritten {
		l0 |= 1 << 63
	}
	l0 |= (logical & 0x003F_FFFF_FFFF_FFFF) << 9
	l0 |= fsblock >> 43
	l1 = fsblock<<21 | (count & 0x1F_FFFF)
	binary.BigEndian.PutUint64(rec[0:8], l0)
	binary.BigEndian.PutUint64(rec[8:16], l1)
	return rec
}

// MakeBmdrRoot assembles the compact in-fork bmap root: an interior
// node pointing at long-form child blocks. forkSize fixes the
// capacity layout.
func MakeBmdrRoot(forkSize int, children []uint64) []byte {
	fork := make([]byte, forkSize)
	binary.BigEndian.PutUint16(fork[0:2], 1) // level
	binary.BigEndian.PutUint16(fork[2:4], uint16(len(children)))
	maxRecs := (forkSize - 4) / 16
	ptrStart := 4 + maxRecs*8
	for i, child := range children {
		binary.BigEndian.PutUint64(fork[ptrStart+i*8:], child)
	}
	return fork
}

// WriteBmbtLeaf writes a long-form bmap leaf block holding the given
// packed records at an AG block.
func (b *ImageBuilder) WriteBmbtLeaf(agno, agblock uint32, records [][]byte) {
	block := make([]byte, BlockSize)
	magic := types.BmapMagic
	hdr := 24
	if b.v5 {
		magic = types.Bmap3Magic
		hdr = 72
	}
	binary.BigEndian.PutUint32(block[0:4], magic)
	binary.BigEndian.PutUint16(block[4:6], 0) // leaf
	binary.BigEndian.PutUint16(block[6:8], uint16(len(records)))
	binary.BigEndian.PutUint64(block[8:16], NullFsBlock)
	binary.BigEndian.PutUint64(block[16:24], NullFsBlock)
	if b.v5 {
		binary.BigEndian.PutUint64(block[24:32], uint64(b.BlockOffset(agno, agblock))/SectorSize)
		copy(block[40:56], b.uuid[:])
	}
	for i, rec := range records {
		copy(block[hdr+i*16:], rec)
	}
	if b.v5 {
		checksum.Put(block, 64)
	}
	copy(b.data[b.BlockOffset(agno, agblock):], block)
}

// NullFsBlock mirrors the on-disk null sibling marker.
const NullFsBlock = 0xFFFFFFFFFFFFFFFF

// DirEntrySpec is one entry of a synthesized single-block directory.
type DirEntrySpec struct {
	Name  []byte
	Ino   types.Ino
	Ftype uint8
}

// WriteBlockDir writes a single-block (XD2B/XDB3) directory at an AG
// block, including its trailing leaf array and tail, holding the given
// entries with "." and ".." prepended.
func (b *ImageBuilder) WriteBlockDir(agno, agblock uint32, self, parent types.Ino, entries []DirEntrySpec) {
	block := make([]byte, BlockSize)
	hasFtype := b.v5

	hdr := 16
	if b.v5 {
		hdr = 64
		binary.BigEndian.PutUint32(block[0:4], types.Dir3BlockMagic)
		copy(block[24:40], b.uuid[:])
		binary.BigEndian.PutUint64(block[40:48], uint64(self))
	} else {
		binary.BigEndian.PutUint32(block[0:4], types.Dir2BlockMagic)
	}

	all := append([]DirEntrySpec{
		{Name: []byte("."), Ino: self, Ftype: types.FtypeDir},
		{Name: []byte(".."), Ino: parent, Ftype: types.FtypeDir},
	}, entries...)

	off := hdr
	for _, e := range all {
		binary.BigEndian.PutUint64(block[off:off+8], uint64(e.Ino))
		block[off+8] = byte(len(e.Name))
		copy(block[off+9:], e.Name)
		pos := off + 9 + len(e.Name)
		ftypeSize := 0
		if hasFtype {
			block[pos] = e.Ftype
			ftypeSize = 1
		}
		entrySize := (8 + 1 + len(e.Name) + ftypeSize + 2 + 7) &^ 7
		binary.BigEndian.PutUint16(block[off+entrySize-2:], uint16(off))
		off += entrySize
	}

	// Tail: count/stale, preceded by one leaf entry per entry.
	tailOff := BlockSize - 8
	binary.BigEndian.PutUint32(block[tailOff:tailOff+4], uint32(len(all)))
	leafStart := tailOff - len(all)*8
	for i := range all {
		// Hash values are unused by the scan; zero suffices.
		binary.BigEndian.PutUint32(block[leafStart+i*8+4:], uint32(off))
	}

	// Free span between the last entry and the leaf array.
	freeLen := leafStart - off
	if freeLen >= 4 {
		binary.BigEndian.PutUint16(block[off:off+2], types.Dir2DataFreeTag)
		binary.BigEndian.PutUint16(block[off+2:off+4], uint16(freeLen))
	}

	if b.v5 {
		checksum.Put(block, 4)
	}
	copy(b.data[b.BlockOffset(agno, agblock):], block)
}

// Build stamps the superblock, AG headers and inode B+trees, then
// returns the finished image.
func (b *ImageBuilder) Build() []byte {
	b.writeSuperblock()
	for agno := uint32(0); agno < b.agCount; agno++ {
		b.writeAgf(agno)
		b.writeAgi(agno)
		b.writeAgfl(agno)
		b.writeInobtRoot(agno)
	}
	return b.data
}

func (b *ImageBuilder) writeAgf(agno uint32) {
	off := uint64(agno)*agBytes + SectorSize
	agf := b.data[off : off+SectorSize]

	binary.BigEndian.PutUint32(agf[0:4], types.AgfMagic)
	binary.BigEndian.PutUint32(agf[4:8], 1) // version
	binary.BigEndian.PutUint32(agf[8:12], agno)
	binary.BigEndian.PutUint32(agf[12:16], AgBlocks)
	binary.BigEndian.PutUint32(agf[16:20], 4) // bno root
	binary.BigEndian.PutUint32(agf[20:24], 5) // cnt root
	binary.BigEndian.PutUint32(agf[28:32], 1) // bno level
	binary.BigEndian.PutUint32(agf[32:36], 1) // cnt level
	binary.BigEndian.PutUint32(agf[44:48], 3) // fllast
	binary.BigEndian.PutUint32(agf[48:52], 4) // flcount
	binary.BigEndian.PutUint32(agf[52:56], AgBlocks-64) // freeblks
	binary.BigEndian.PutUint32(agf[56:60], AgBlocks-128) // longest
	if b.v5 {
		copy(agf[64:80], b.uuid[:])
		checksum.Put(agf, 216)
	}
}

func (b *ImageBuilder) writeAgfl(agno uint32) {
	off := uint64(agno)*agBytes + 3*SectorSize
	agfl := b.data[off : off+SectorSize]

	start := 0
	if b.v5 {
		binary.BigEndian.PutUint32(agfl[0:4], types.AgflMagic)
		binary.BigEndian.PutUint32(agfl[4:8], agno)
		copy(agfl[8:24], b.uuid[:])
		start = 36
	}
	for i, bno := range []uint32{6, 7, 9, 10} {
		binary.BigEndian.PutUint32(agfl[start+i*4:], bno)
	}
	if b.v5 {
		checksum.Put(agfl, 32)
	}
}

func (b *ImageBuilder) writeSuperblock() {
	sb := b.data[:SectorSize]

	binary.BigEndian.PutUint32(sb[0:4], types.SbMagic)
	binary.BigEndian.PutUint32(sb[4:8], BlockSize)
	binary.BigEndian.PutUint64(sb[8:16], uint64(b.agCount)*AgBlocks)
	copy(sb[32:48], b.uuid[:])
	binary.BigEndian.PutUint64(sb[56:64], uint64(RootIno))
	binary.BigEndian.PutUint32(sb[84:88], AgBlocks)
	binary.BigEndian.PutUint32(sb[88:92], b.agCount)
	version := uint16(types.SbVersion4)
	if b.v5 {
		version = types.SbVersion5
	}
	binary.BigEndian.PutUint16(sb[100:102], version|types.SbVersionMoreBitsBit)
	binary.BigEndian.PutUint16(sb[102:104], SectorSize)
	binary.BigEndian.PutUint16(sb[104:106], InodeSize)
	binary.BigEndian.PutUint16(sb[106:108], InodesPerBlock)
	copy(sb[108:120], "fxfsp-test")
	sb[120] = BlockLog
	sb[121] = SectorLog
	sb[122] = InodeLog
	sb[123] = InopBlockLog
	sb[124] = AgBlockLog
	sb[192] = 0 // dirblklog: directory block == filesystem block

	var icount uint64
	for _, mask := range b.allocated {
		icount += uint64(bits.OnesCount64(mask))
	}
	binary.BigEndian.PutUint64(sb[128:136], icount)

	if b.v5 {
		binary.BigEndian.PutUint32(sb[types.SbFeaturesIncompatOff:], types.SbFeatIncompatFtype)
		checksum.Put(sb, types.SbCrcOff)
	}
}

func (b *ImageBuilder) writeAgi(agno uint32) {
	off := uint64(agno)*agBytes + 2*SectorSize
	agi := b.data[off : off+SectorSize]

	binary.BigEndian.PutUint32(agi[0:4], types.AgiMagic)
	binary.BigEndian.PutUint32(agi[4:8], 1) // version
	binary.BigEndian.PutUint32(agi[8:12], agno)
	binary.BigEndian.PutUint32(agi[12:16], AgBlocks)
	binary.BigEndian.PutUint32(agi[16:20], uint32(bits.OnesCount64(b.allocated[agno])))
	binary.BigEndian.PutUint32(agi[20:24], InobtRootAgBlock)
	binary.BigEndian.PutUint32(agi[24:28], 1) // one level
	for i := 0; i < 64; i++ {
		binary.BigEndian.PutUint32(agi[40+i*4:], 0xFFFFFFFF) // unlinked buckets
	}
	if b.v5 {
		copy(agi[296:312], b.uuid[:])
		checksum.Put(agi, 312)
	}
}

func (b *ImageBuilder) writeInobtRoot(agno uint32) {
	off := b.BlockOffset(agno, InobtRootAgBlock)
	block := b.data[off : off+BlockSize]

	magic := types.IbtMagic
	hdr := 16
	if b.v5 {
		magic = types.Ibt3Magic
		hdr = 56
	}
	binary.BigEndian.PutUint32(block[0:4], magic)
	binary.BigEndian.PutUint16(block[4:6], 0) // leaf
	binary.BigEndian.PutUint16(block[6:8], 1) // one chunk record
	binary.BigEndian.PutUint32(block[8:12], 0xFFFFFFFF)
	binary.BigEndian.PutUint32(block[12:16], 0xFFFFFFFF)
	if b.v5 {
		copy(block[32:48], b.uuid[:])
	}

	rec := block[hdr : hdr+16]
	binary.BigEndian.PutUint32(rec[0:4], ChunkStartAgIno)
	binary.BigEndian.PutUint16(rec[4:6], b.holeMask[agno])
	rec[6] = 64 - uint8(bits.OnesCount16(b.holeMask[agno]))*types.SparseHoleGroup
	free := ^b.allocated[agno]
	rec[7] = uint8(bits.OnesCount64(free & ^holeBits(b.holeMask[agno])))
	binary.BigEndian.PutUint64(rec[8:16], free)

	if b.v5 {
		checksum.Put(block, 52)
	}
}

// holeBits expands a 16-group hole mask into the 64-inode bitmap it
// covers.
func holeBits(mask uint16) uint64 {
	var out uint64
	for g := 0; g < 16; g++ {
		if mask&(1<<g) != 0 {
			out |= 0xF << (g * types.SparseHoleGroup)
		}
	}
	return out
}
