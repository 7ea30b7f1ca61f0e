package kms

import "sync/atomic"

// Framebuffer is a kernel framebuffer kept alive by counted holds. The
// creator owns the first hold; every frame that scans the buffer out takes
// another one and drops it when the frame is superseded.
type Framebuffer struct {
	id     ObjectID
	refs   atomic.Int32
	onFree func(ObjectID)
}

// NewFramebuffer wraps an imported framebuffer. onFree runs once, when the
// last hold is released.
func NewFramebuffer(id ObjectID, onFree func(ObjectID)) *Framebuffer {
	fb := &Framebuffer{id: id, onFree: onFree}
	fb.refs.Store(1)
	return fb
}

// ID returns the FB_ID value.
func (fb *Framebuffer) ID() ObjectID {
	if fb == nil {
		return 0
	}
	return fb.id
}

// Hold takes an additional hold and returns fb for chaining.
func (fb *Framebuffer) Hold() *Framebuffer {
	if fb != nil {
		fb.refs.Add(1)
	}
	return fb
}

// Release drops one hold.
func (fb *Framebuffer) Release() {
	if fb == nil {
		return
	}
	switch n := fb.refs.Add(-1); {
	case n == 0:
		if fb.onFree != nil {
			fb.onFree(fb.id)
		}
	case n < 0:
		panic("kms: framebuffer released more times than held")
	}
}

// Refs returns the number of outstanding holds.
func (fb *Framebuffer) Refs() int32 {
	if fb == nil {
		return 0
	}
	return fb.refs.Load()
}
