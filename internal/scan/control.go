// Package scan drives the phased walk over a filesystem: superblock,
// then per allocation group the inode phase, the file extent phase
// and the directory entry phase, in that order, each at most once.
//
// Go cannot consume a value at compile time the way an affine type
// system would, so the linear phase protocol is enforced at runtime:
// using a phase handle twice, or using one after its AG was
// abandoned, fails with ErrPhaseConsumed.
package scan

// Control is a streaming callback's verdict: keep going or halt the
// current phase and surface a value to the caller.
type Control struct {
	stop  bool
	value any
}

// Continue keeps the phase running.
func Continue() Control {
	return Control{}
}

// Break halts the current phase cleanly (in-flight reads drained,
// buffers reclaimed) and surfaces v from the phase method. Subsequent
// phases of the same AG must still be advanced or skipped.
func Break(v any) Control {
	return Control{stop: true, value: v}
}

// Stopped reports whether this verdict halts the phase.
func (c Control) Stopped() bool {
	return c.stop
}

// Value returns the payload attached by Break.
func (c Control) Value() any {
	return c.value
}

// InodeCallback receives each allocated inode, in ascending inode
// number order within the AG.
type InodeCallback func(*InodeRecord) Control

// ExtentCallback receives each file extent of btree-format inodes, in
// ascending logical offset order within one inode.
type ExtentCallback func(*FileExtentRecord) Control

// DirEntryCallback receives each directory entry, in on-disk order
// within one directory.
type DirEntryCallback func(*DirEntryRecord) Control
