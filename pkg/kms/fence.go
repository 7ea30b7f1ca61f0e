package kms

import (
	"sync/atomic"
	"time"
)

// Fence is a completion fence handed out by the kernel.
type Fence interface {
	// Wait blocks until the fence signals or timeout elapses, in which case
	// it returns ErrFenceTimeout.
	Wait(timeout time.Duration) error
	// FD returns the underlying file descriptor, or -1.
	FD() int
	Close() error
}

// SharedFence is a reference-counted handle to a Fence. Each handle owns
// exactly one reference; the fence is closed when the last handle is
// released.
type SharedFence struct {
	core     *sharedFenceCore
	released atomic.Bool
}

type sharedFenceCore struct {
	fence Fence
	refs  atomic.Int32
}

// NewSharedFence takes ownership of f. A nil fence yields a nil handle.
func NewSharedFence(f Fence) *SharedFence {
	if f == nil {
		return nil
	}
	core := &sharedFenceCore{fence: f}
	core.refs.Store(1)
	return &SharedFence{core: core}
}

// Dup returns a new handle to the same fence. Dup of nil is nil.
func (s *SharedFence) Dup() *SharedFence {
	if s == nil {
		return nil
	}
	s.core.refs.Add(1)
	return &SharedFence{core: s.core}
}

// Release drops this handle's reference. Releasing twice is a no-op.
func (s *SharedFence) Release() error {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return nil
	}
	if s.core.refs.Add(-1) == 0 {
		return s.core.fence.Close()
	}
	return nil
}

// Wait waits on the underlying fence. A nil handle is already signaled.
func (s *SharedFence) Wait(timeout time.Duration) error {
	if s == nil {
		return nil
	}
	return s.core.fence.Wait(timeout)
}

// FD returns the underlying descriptor, or -1 for a nil handle.
func (s *SharedFence) FD() int {
	if s == nil {
		return -1
	}
	return s.core.fence.FD()
}

// Refs returns the number of live handles.
func (s *SharedFence) Refs() int32 {
	if s == nil {
		return 0
	}
	return s.core.refs.Load()
}
