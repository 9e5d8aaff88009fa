package engine

import (
	"github.com/dialohq/fxfsp/internal/coalesce"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/interfaces"
)

// syncBackend issues blocking positional reads one at a time, in the
// sorted order the coalescer planned them, so head movement stays
// monotonic within a batch.
type syncBackend struct {
	dev  interfaces.BlockDevice
	pool *bufferPool
}

func newSyncBackend(dev interfaces.BlockDevice, pool *bufferPool) *syncBackend {
	return &syncBackend{dev: dev, pool: pool}
}

func (b *syncBackend) readBatch(reads []coalesce.PhysicalRead, deliver func(int, []byte) error) error {
	buf := b.pool.get()
	defer b.pool.put(buf)

	for i, read := range reads {
		if read.Length == 0 {
			continue
		}
		target := buf
		if read.Length > uint64(len(target)) {
			// A single input range can exceed MaxMerged; the slab only
			// covers what the coalescer is allowed to merge.
			target = alignedAlloc(int(read.Length), b.pool.align)
		}
		target = target[:read.Length]
		n, err := b.dev.Pread(target, read.Offset)
		if err != nil {
			return err
		}
		if uint64(n) < read.Length {
			return &errdefs.IoShortError{Offset: read.Offset, Got: n, Want: int(read.Length)}
		}
		if err := deliver(i, target); err != nil {
			return err
		}
	}
	return nil
}

func (b *syncBackend) close() error {
	return nil
}
