package scan

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/parsers/btrees"
	"github.com/dialohq/fxfsp/internal/types"
)

// collectInobtRecords walks the inode B+tree rooted at the AGI and
// returns every chunk record in the AG.
//
// The walk is level by level: each level's child pointers are sorted
// by disk position and fetched in one coalesced batch, so the head
// sweeps forward once per level instead of seeking depth-first.
func (st *agState) collectInobtRecords() ([]btrees.InobtRecord, error) {
	geo := st.geo
	st.eng.SetPhase(phaseInobtWalk)

	magic := types.IbtMagic
	if geo.IsV5() {
		magic = types.Ibt3Magic
	}
	blockSize := int(geo.BlockSize)

	// The AGI level counts levels (1 = just a leaf); block headers
	// carry 0-based levels.
	if st.inobtLevel == 0 {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "AG %d inode btree has zero levels", st.agno)
	}
	rootLevel := st.inobtLevel - 1

	readBlock := func(agblock types.AgBlock) ([]byte, error) {
		offset := geo.AgBlockToByte(st.agno, agblock)
		return st.eng.Read(types.ByteRange{Offset: offset, Length: uint64(blockSize)})
	}

	rootBuf, err := readBlock(st.inobtRoot)
	if err != nil {
		return nil, err
	}
	rootOffset := geo.AgBlockToByte(st.agno, st.inobtRoot)
	rootHdr, err := btrees.NewShortHeaderReader(rootBuf, magic, "inobt", geo.IsV5(), rootOffset)
	if err != nil {
		return nil, err
	}
	if uint32(rootHdr.Level()) != rootLevel {
		return nil, errors.Wrapf(errdefs.ErrTruncated, "inobt root level %d, AGI says %d", rootHdr.Level(), rootLevel)
	}

	if rootLevel == 0 {
		return btrees.ParseInobtRecords(rootBuf, rootHdr.HeaderSize(), rootHdr.NumRecs())
	}

	blocks, err := rootHdr.ChildPointers(blockSize, btrees.InobtKeySize, btrees.InobtPtrSize)
	if err != nil {
		return nil, err
	}

	for level := int(rootLevel) - 1; level >= 0; level-- {
		sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

		ranges := make([]types.ByteRange, len(blocks))
		offsets := make([]uint64, len(blocks))
		for i, blk := range blocks {
			offsets[i] = geo.AgBlockToByte(st.agno, types.AgBlock(blk))
			ranges[i] = types.ByteRange{Offset: offsets[i], Length: uint64(blockSize)}
		}

		bufs, err := st.eng.ReadMany(ranges)
		if err != nil {
			return nil, err
		}

		if level == 0 {
			var records []btrees.InobtRecord
			for i, buf := range bufs {
				hdr, err := btrees.NewShortHeaderReader(buf, magic, "inobt", geo.IsV5(), offsets[i])
				if err != nil {
					// A corrupt leaf forfeits its chunks, not the AG.
					if errdefs.IsBadCrc(err) {
						st.counters.BadCrcs++
						continue
					}
					return nil, err
				}
				recs, err := btrees.ParseInobtRecords(buf, hdr.HeaderSize(), hdr.NumRecs())
				if err != nil {
					return nil, err
				}
				records = append(records, recs...)
			}
			return records, nil
		}

		var next []uint32
		for i, buf := range bufs {
			hdr, err := btrees.NewShortHeaderReader(buf, magic, "inobt", geo.IsV5(), offsets[i])
			if err != nil {
				if errdefs.IsBadCrc(err) {
					st.counters.BadCrcs++
					continue
				}
				return nil, err
			}
			if int(hdr.Level()) != level {
				return nil, errors.Wrapf(errdefs.ErrTruncated, "inobt block level %d at depth %d", hdr.Level(), level)
			}
			children, err := hdr.ChildPointers(blockSize, btrees.InobtKeySize, btrees.InobtPtrSize)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		blocks = next
	}

	return nil, errors.New("unreachable: inobt walk always returns at the leaf level")
}
