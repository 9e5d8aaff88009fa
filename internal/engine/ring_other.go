//go:build !linux

package engine

import (
	"github.com/pkg/errors"

	"github.com/dialohq/fxfsp/internal/interfaces"
)

// newRingBackend is Linux-only; elsewhere BackendRing is an error and
// BackendAuto falls through to the synchronous backend.
func newRingBackend(dev interfaces.BlockDevice, cfg Config, pool *bufferPool) (backend, error) {
	return nil, errors.New("ring backend requires linux io_uring")
}
