package engine

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/interfaces"
	"github.com/dialohq/fxfsp/internal/types"
)

// Instrumented decorates an engine with CSV logging of every
// requested range, one "phase,offset,len" row per range. Used by the
// sample binary to feed seek-pattern analysis; the core never enables
// it on its own.
type Instrumented struct {
	inner     interfaces.IoEngine
	file      *os.File
	w         *bufio.Writer
	remaining int
	phase     string
}

// NewInstrumented wraps inner, writing rows to logPath. limit caps
// the number of rows; pass a negative limit for no cap.
func NewInstrumented(inner interfaces.IoEngine, logPath string, limit int) (*Instrumented, error) {
	file, err := os.Create(logPath)
	if err != nil {
		return nil, errors.Wrap(err, "create io log")
	}
	w := bufio.NewWriter(file)
	if _, err := fmt.Fprintln(w, "phase,offset,len"); err != nil {
		file.Close()
		return nil, err
	}
	if limit < 0 {
		limit = int(^uint(0) >> 1)
	}
	return &Instrumented{inner: inner, file: file, w: w, remaining: limit}, nil
}

func (e *Instrumented) logRange(r types.ByteRange) {
	if e.remaining == 0 {
		return
	}
	fmt.Fprintf(e.w, "%s,%d,%d\n", e.phase, r.Offset, r.Length)
	e.remaining--
}

// Read logs then forwards.
func (e *Instrumented) Read(r types.ByteRange) ([]byte, error) {
	e.logRange(r)
	return e.inner.Read(r)
}

// ReadMany logs each range then forwards.
func (e *Instrumented) ReadMany(ranges []types.ByteRange) ([][]byte, error) {
	for _, r := range ranges {
		e.logRange(r)
	}
	return e.inner.ReadMany(ranges)
}

// SetPhase forwards the instrumentation label.
func (e *Instrumented) SetPhase(phase string) {
	e.phase = phase
	e.inner.SetPhase(phase)
}

// BatchWindowBytes forwards.
func (e *Instrumented) BatchWindowBytes() uint64 {
	return e.inner.BatchWindowBytes()
}

// Size forwards.
func (e *Instrumented) Size() uint64 {
	return e.inner.Size()
}

// SectorSize forwards.
func (e *Instrumented) SectorSize() uint32 {
	return e.inner.SectorSize()
}

// Close flushes the log and closes the inner engine.
func (e *Instrumented) Close() error {
	e.w.Flush()
	e.file.Close()
	return e.inner.Close()
}

var _ interfaces.IoEngine = (*Instrumented)(nil)
