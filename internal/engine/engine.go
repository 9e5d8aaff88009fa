package engine

import (
	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/coalesce"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/interfaces"
	"github.com/dialohq/fxfsp/internal/types"
)

// backend executes one batch of planned physical reads. Reads arrive
// sorted by offset and must be delivered in any order via deliver;
// buffers passed to deliver are valid only for the duration of the
// call. On error the backend drains its in-flight work before
// returning so the ring stays consistent.
type backend interface {
	readBatch(reads []coalesce.PhysicalRead, deliver func(readIndex int, buf []byte) error) error
	close() error
}

// Engine wraps a block device with coalesced batch reads.
type Engine struct {
	dev   interfaces.BlockDevice
	cfg   Config
	back  backend
	phase string
}

// New builds an engine over dev. BackendRing fails here if the
// platform or device cannot support a ring; BackendAuto degrades to
// the synchronous path silently.
func New(dev interfaces.BlockDevice, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	pool := newBufferPool(physBufSize(cfg, dev.SectorSize()), int(dev.SectorSize()))

	back, err := selectBackend(dev, cfg, pool)
	if err != nil {
		return nil, err
	}

	return &Engine{dev: dev, cfg: cfg, back: back}, nil
}

// physBufSize is the pool slab size: the largest physical read the
// coalescer can emit, rounded out to sector alignment.
func physBufSize(cfg Config, sectorSize uint32) int {
	align := uint64(sectorSize)
	if align == 0 {
		align = 1
	}
	return int((cfg.MaxMerged + align - 1) / align * align)
}

func selectBackend(dev interfaces.BlockDevice, cfg Config, pool *bufferPool) (backend, error) {
	switch cfg.Backend {
	case BackendSync:
		return newSyncBackend(dev, pool), nil
	case BackendRing:
		return newRingBackend(dev, cfg, pool)
	default:
		if ring, err := newRingBackend(dev, cfg, pool); err == nil {
			return ring, nil
		}
		return newSyncBackend(dev, pool), nil
	}
}

// SetPhase labels subsequent reads for instrumentation decorators.
func (e *Engine) SetPhase(phase string) {
	e.phase = phase
}

// Phase returns the current instrumentation label.
func (e *Engine) Phase() string {
	return e.phase
}

// Size returns the device length in bytes.
func (e *Engine) Size() uint64 {
	return e.dev.Size()
}

// SectorSize returns the device alignment unit.
func (e *Engine) SectorSize() uint32 {
	return e.dev.SectorSize()
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// BatchWindowBytes sizes caller-side batches at half the pipeline
// capacity, enough pending ranges for profitable merging without
// staging whole phases in memory.
func (e *Engine) BatchWindowBytes() uint64 {
	return e.cfg.MaxMerged * uint64(e.cfg.QueueDepth) / 2
}

// Read fetches one byte range.
func (e *Engine) Read(r types.ByteRange) ([]byte, error) {
	bufs, err := e.ReadMany([]types.ByteRange{r})
	if err != nil {
		return nil, err
	}
	return bufs[0], nil
}

// ReadMany coalesces ranges into physical reads, executes them through
// the backend, and demultiplexes the results into one independently
// owned buffer per input range.
func (e *Engine) ReadMany(ranges []types.ByteRange) ([][]byte, error) {
	if len(ranges) == 0 {
		return nil, nil
	}

	for _, r := range ranges {
		if r.Length == 0 {
			return nil, errors.New("zero-length read range")
		}
		if r.End() > e.dev.Size() {
			return nil, &errdefs.IoShortError{Offset: r.Offset, Got: 0, Want: int(r.Length)}
		}
	}

	plan := coalesce.New(ranges, coalesce.Options{
		MergeGap:   e.cfg.MergeGap,
		MaxMerged:  e.cfg.MaxMerged,
		SectorSize: e.dev.SectorSize(),
	})

	// Physical reads are rounded out to sector alignment, which may
	// overshoot the device end on the last read; clamp and remember
	// the true lengths so demux can detect genuine shortfalls.
	clamped := make([]coalesce.PhysicalRead, len(plan.Reads))
	align := uint64(e.dev.SectorSize())
	for i, read := range plan.Reads {
		length := read.Length
		if read.Offset+length > e.dev.Size() {
			length = (e.dev.Size() - read.Offset) / align * align
		}
		clamped[i] = coalesce.PhysicalRead{Offset: read.Offset, Length: length}
	}

	// Group slots by the physical read covering them.
	slotsByRead := make([][]int, len(plan.Reads))
	for slotIdx, slot := range plan.Slots {
		slotsByRead[slot.ReadIndex] = append(slotsByRead[slot.ReadIndex], slotIdx)
	}

	out := make([][]byte, len(ranges))

	err := e.back.readBatch(clamped, func(readIndex int, buf []byte) error {
		for _, slotIdx := range slotsByRead[readIndex] {
			slot := plan.Slots[slotIdx]
			end := slot.InnerOffset + slot.Length
			if end > uint64(len(buf)) {
				return &errdefs.IoShortError{
					Offset: clamped[readIndex].Offset + slot.InnerOffset,
					Got:    len(buf) - int(slot.InnerOffset),
					Want:   int(slot.Length),
				}
			}
			owned := make([]byte, slot.Length)
			copy(owned, buf[slot.InnerOffset:end])
			out[slotIdx] = owned
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Close releases the backend (and its ring, if any). The device
// itself belongs to the caller.
func (e *Engine) Close() error {
	return e.back.close()
}

var _ interfaces.IoEngine = (*Engine)(nil)
