//go:build linux

package engine

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dialohq/fxfsp/internal/coalesce"
	"github.com/dialohq/fxfsp/internal/errdefs"
	"github.com/dialohq/fxfsp/internal/interfaces"
)

// Raw io_uring ABI. No wrapper library is used; the layouts below are
// the stable kernel ABI from <linux/io_uring.h>.

const (
	ringOpRead = 22 // IORING_OP_READ

	ringOffSqRing = 0x0        // IORING_OFF_SQ_RING
	ringOffCqRing = 0x8000000  // IORING_OFF_CQ_RING
	ringOffSqes   = 0x10000000 // IORING_OFF_SQES

	ringEnterGetevents = 1 // IORING_ENTER_GETEVENTS

	ringFeatSingleMmap = 1 // IORING_FEAT_SINGLE_MMAP
)

type sqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type uringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqringOffsets
	cqOff        cqringOffsets
}

type uringSqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	length      uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	pad         [2]uint64
}

type uringCqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// ringBackend overlaps up to queue-depth physical reads through an
// io_uring. Submissions happen in the sorted order the coalescer
// produced, keeping head movement monotonic on rotational media while
// the kernel overlaps the transfers.
type ringBackend struct {
	ringFd int
	devFd  int32
	depth  uint32

	sqRing  []byte
	cqRing  []byte
	sqeMem  []byte
	ownCqMu bool // cq ring separately mapped (pre-FEAT_SINGLE_MMAP kernels)

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqArray   []uint32
	sqEntries []uringSqe

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []uringCqe

	pool  *bufferPool
	slabs [][]byte // leased pool buffers, one per slot
}

// newRingBackend sets up an io_uring sized to the configured queue
// depth. Returns an error on kernels without io_uring or devices not
// backed by a file descriptor; BackendAuto treats that as a signal to
// fall back.
func newRingBackend(dev interfaces.BlockDevice, cfg Config, pool *bufferPool) (backend, error) {
	fder, ok := dev.(interfaces.FileDescriptor)
	if !ok {
		return nil, errors.New("device has no file descriptor for ring submission")
	}

	depth := cfg.QueueDepth
	var params uringParams
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP,
		uintptr(depth), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, errors.Wrap(errno, "io_uring_setup")
	}

	b := &ringBackend{
		ringFd: int(fd),
		devFd:  int32(fder.Fd()),
		depth:  params.sqEntries,
		pool:   pool,
	}

	if err := b.mmapRings(&params); err != nil {
		unix.Close(b.ringFd)
		return nil, err
	}
	return b, nil
}

func (b *ringBackend) mmapRings(params *uringParams) error {
	sqSize := int(params.sqOff.array) + int(params.sqEntries)*4
	cqSize := int(params.cqOff.cqes) + int(params.cqEntries)*int(unsafe.Sizeof(uringCqe{}))
	if params.features&ringFeatSingleMmap != 0 && cqSize > sqSize {
		sqSize = cqSize
	}

	sqRing, err := unix.Mmap(b.ringFd, ringOffSqRing, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return errors.Wrap(err, "mmap sq ring")
	}
	b.sqRing = sqRing

	if params.features&ringFeatSingleMmap != 0 {
		b.cqRing = sqRing
	} else {
		cqRing, err := unix.Mmap(b.ringFd, ringOffCqRing, cqSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			b.unmap()
			return errors.Wrap(err, "mmap cq ring")
		}
		b.cqRing = cqRing
		b.ownCqMu = true
	}

	sqeBytes := int(params.sqEntries) * int(unsafe.Sizeof(uringSqe{}))
	sqeMem, err := unix.Mmap(b.ringFd, ringOffSqes, sqeBytes,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		b.unmap()
		return errors.Wrap(err, "mmap sqes")
	}
	b.sqeMem = sqeMem

	sqBase := unsafe.Pointer(&b.sqRing[0])
	b.sqHead = (*uint32)(unsafe.Add(sqBase, params.sqOff.head))
	b.sqTail = (*uint32)(unsafe.Add(sqBase, params.sqOff.tail))
	b.sqMask = *(*uint32)(unsafe.Add(sqBase, params.sqOff.ringMask))
	b.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, params.sqOff.array)), params.sqEntries)
	b.sqEntries = unsafe.Slice((*uringSqe)(unsafe.Pointer(&sqeMem[0])), params.sqEntries)

	cqBase := unsafe.Pointer(&b.cqRing[0])
	b.cqHead = (*uint32)(unsafe.Add(cqBase, params.cqOff.head))
	b.cqTail = (*uint32)(unsafe.Add(cqBase, params.cqOff.tail))
	b.cqMask = *(*uint32)(unsafe.Add(cqBase, params.cqOff.ringMask))
	b.cqes = unsafe.Slice((*uringCqe)(unsafe.Add(cqBase, params.cqOff.cqes)), params.cqEntries)

	return nil
}

func (b *ringBackend) readBatch(reads []coalesce.PhysicalRead, deliver func(int, []byte) error) error {
	if len(reads) == 0 {
		return nil
	}

	slots := int(b.depth)
	if len(reads) < slots {
		slots = len(reads)
	}

	b.slabs = make([][]byte, slots)
	for i := range b.slabs {
		b.slabs[i] = b.pool.get()
	}
	defer func() {
		for _, slab := range b.slabs {
			b.pool.put(slab)
		}
		b.slabs = nil
	}()

	slotRead := make([]int, slots) // slot -> index into reads
	freeSlots := make([]int, 0, slots)
	for i := slots - 1; i >= 0; i-- {
		freeSlots = append(freeSlots, i)
	}

	next := 0
	inflight := 0
	var firstErr error

	for next < len(reads) || inflight > 0 {
		// Submit while slots are free. Skipped after the first error:
		// the remaining loop turns only drain completions.
		for firstErr == nil && next < len(reads) && len(freeSlots) > 0 {
			read := reads[next]
			if read.Length == 0 {
				next++
				continue
			}

			slot := freeSlots[len(freeSlots)-1]
			freeSlots = freeSlots[:len(freeSlots)-1]
			slotRead[slot] = next

			slab := b.slabs[slot]
			if read.Length > uint64(len(slab)) {
				slab = alignedAlloc(int(read.Length), b.pool.align)
				b.slabs[slot] = slab
			}

			b.pushSqe(slot, read, slab)
			next++
			inflight++
		}

		if inflight == 0 {
			break
		}

		if err := b.enter(1); err != nil {
			// The ring is unusable; in-flight buffers stay leased to
			// the kernel, so leak rather than recycle them.
			b.slabs = nil
			return err
		}

		// Reap every completion currently available.
		head := atomic.LoadUint32(b.cqHead)
		tail := atomic.LoadUint32(b.cqTail)
		for ; head != tail; head++ {
			cqe := b.cqes[head&b.cqMask]
			slot := int(cqe.userData)
			readIdx := slotRead[slot]
			want := reads[readIdx].Length

			if firstErr == nil {
				switch {
				case cqe.res < 0:
					firstErr = errors.Wrap(unix.Errno(-cqe.res), "ring read")
				case uint64(cqe.res) < want:
					firstErr = &errdefs.IoShortError{
						Offset: reads[readIdx].Offset,
						Got:    int(cqe.res),
						Want:   int(want),
					}
				default:
					firstErr = deliver(readIdx, b.slabs[slot][:want])
				}
			}

			freeSlots = append(freeSlots, slot)
			inflight--
		}
		atomic.StoreUint32(b.cqHead, head)
	}

	return firstErr
}

// pushSqe appends one read submission to the SQ ring.
func (b *ringBackend) pushSqe(slot int, read coalesce.PhysicalRead, slab []byte) {
	tail := atomic.LoadUint32(b.sqTail)
	idx := tail & b.sqMask

	b.sqEntries[idx] = uringSqe{
		opcode:   ringOpRead,
		fd:       b.devFd,
		off:      read.Offset,
		addr:     uint64(uintptr(unsafe.Pointer(&slab[0]))),
		length:   uint32(read.Length),
		userData: uint64(slot),
	}
	b.sqArray[idx] = idx

	atomic.StoreUint32(b.sqTail, tail+1)
}

// enter submits queued SQEs and waits for at least wait completions,
// retrying on EINTR.
func (b *ringBackend) enter(wait uint32) error {
	tail := atomic.LoadUint32(b.sqTail)
	head := atomic.LoadUint32(b.sqHead)
	toSubmit := tail - head

	for {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
			uintptr(b.ringFd), uintptr(toSubmit), uintptr(wait),
			ringEnterGetevents, 0, 0)
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			toSubmit = atomic.LoadUint32(b.sqTail) - atomic.LoadUint32(b.sqHead)
			continue
		}
		return errors.Wrap(errno, "io_uring_enter")
	}
}

func (b *ringBackend) unmap() {
	if b.sqeMem != nil {
		unix.Munmap(b.sqeMem)
		b.sqeMem = nil
	}
	if b.ownCqMu && b.cqRing != nil {
		unix.Munmap(b.cqRing)
	}
	b.cqRing = nil
	if b.sqRing != nil {
		unix.Munmap(b.sqRing)
		b.sqRing = nil
	}
}

func (b *ringBackend) close() error {
	b.unmap()
	return unix.Close(b.ringFd)
}
