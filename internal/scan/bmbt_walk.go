package scan

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/interfaces"
	"github.com/dialohq/fxfsp/internal/parsers/btrees"
	"github.com/dialohq/fxfsp/internal/parsers/extents"
	"github.com/dialohq/fxfsp/internal/parsers/superblock"
	"github.com/dialohq/fxfsp/internal/types"
)

// bmdrHeaderSize is the compact root header embedded in the inode
// fork: level and record count only.
const bmdrHeaderSize = 4

func (st *agState) collectBmbtExtents(fork []byte) ([]extents.Record, error) {
	st.eng.SetPhase(phaseBmbtWalk)
	return walkBmbt(st.eng, st.geo, &st.counters, fork)
}

// WalkBmbt walks the bmap B+tree rooted in an inode's data fork and
// returns the extents in logical offset order. Record-level faults
// are dropped and tallied in counters.
func WalkBmbt(eng interfaces.IoEngine, geo *superblock.Geometry, counters *RecordErrors, fork []byte) ([]extents.Record, error) {
	return walkBmbt(eng, geo, counters, fork)
}

// walkBmbt resolves a btree-format data fork. The root uses the
// compact in-fork layout; everything below it is long-form blocks
// addressed by packed filesystem block numbers. Each level is fetched
// with one batched read in tree order, which is logical order, so no
// re-sorting is needed afterwards.
func walkBmbt(eng interfaces.IoEngine, geo *superblock.Geometry, counters *RecordErrors, fork []byte) ([]extents.Record, error) {
	if len(fork) < bmdrHeaderSize {
		return nil, errors.Wrap(errdefs.ErrTruncated, "bmbt root")
	}

	level := binary.BigEndian.Uint16(fork[0:2])
	numRecs := int(binary.BigEndian.Uint16(fork[2:4]))

	if level == 0 {
		return decodeBmbtLeafRecords(fork[bmdrHeaderSize:], numRecs, geo, counters)
	}

	// Interior root: keys then pointers, both laid out by the fork's
	// capacity rather than the live count.
	maxRecs := (len(fork) - bmdrHeaderSize) / 16
	if maxRecs == 0 {
		return nil, errors.Wrap(errdefs.ErrTruncated, "bmbt root records")
	}
	ptrStart := bmdrHeaderSize + maxRecs*8

	blocks := make([]types.FsBlock, 0, numRecs)
	for i := 0; i < numRecs; i++ {
		off := ptrStart + i*8
		if off+8 > len(fork) {
			return nil, errors.Wrap(errdefs.ErrTruncated, "bmbt root pointer")
		}
		blocks = append(blocks, types.FsBlock(binary.BigEndian.Uint64(fork[off:off+8])))
	}

	magic := types.BmapMagic
	if geo.IsV5() {
		magic = types.Bmap3Magic
	}
	blockSize := int(geo.BlockSize)

	for lvl := int(level) - 1; lvl >= 0; lvl-- {
		ranges := make([]types.ByteRange, len(blocks))
		offsets := make([]uint64, len(blocks))
		for i, blk := range blocks {
			offsets[i] = geo.FsBlockToByte(blk)
			ranges[i] = types.ByteRange{Offset: offsets[i], Length: uint64(blockSize)}
		}

		bufs, err := eng.ReadMany(ranges)
		if err != nil {
			return nil, err
		}

		if lvl == 0 {
			var records []extents.Record
			for i, buf := range bufs {
				hdr, err := btrees.NewLongHeaderReader(buf, magic, "bmbt", geo.IsV5(), offsets[i])
				if err != nil {
					// A corrupt leaf forfeits its extents, not the file.
					if errdefs.IsBadCrc(err) {
						counters.BadCrcs++
						continue
					}
					return nil, err
				}
				recs, err := decodeBmbtLeafRecords(buf[hdr.HeaderSize():], int(hdr.NumRecs()), geo, counters)
				if err != nil {
					return nil, err
				}
				records = append(records, recs...)
			}
			return records, nil
		}

		var next []types.FsBlock
		for i, buf := range bufs {
			hdr, err := btrees.NewLongHeaderReader(buf, magic, "bmbt", geo.IsV5(), offsets[i])
			if err != nil {
				if errdefs.IsBadCrc(err) {
					counters.BadCrcs++
					continue
				}
				return nil, err
			}
			if int(hdr.Level()) != lvl {
				return nil, errors.Wrapf(errdefs.ErrTruncated, "bmbt block level %d at depth %d", hdr.Level(), lvl)
			}
			children, err := hdr.ChildPointers(blockSize)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		blocks = next
	}

	return nil, errors.New("unreachable: bmbt walk always returns at the leaf level")
}

// decodeBmbtLeafRecords unpacks extent records one by one, dropping
// and counting the malformed.
func decodeBmbtLeafRecords(data []byte, count int, geo *superblock.Geometry, counters *RecordErrors) ([]extents.Record, error) {
	records := make([]extents.Record, 0, count)
	for i := 0; i < count; i++ {
		off := i * extents.RecordSize
		if off+extents.RecordSize > len(data) {
			return nil, errors.Wrap(errdefs.ErrTruncated, "bmbt leaf record")
		}
		rec, err := extents.Decode(data[off:], geo)
		if err != nil {
			counters.BadExtents++
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
