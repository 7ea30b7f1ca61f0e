package kms

import (
	"fmt"
	"sync/atomic"
)

// Blob is a uniquely owned kernel property blob. The owner destroys it
// with Release when the frame that registered it is superseded.
type Blob struct {
	id       BlobID
	dev      Device
	released atomic.Bool
}

// CreateBlob registers data with the kernel.
func CreateBlob(dev Device, data []byte) (*Blob, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBlob
	}
	id, err := dev.CreatePropertyBlob(data)
	if err != nil {
		return nil, fmt.Errorf("failed to create property blob: %w", err)
	}
	if id == 0 {
		return nil, fmt.Errorf("failed to create property blob: %w", ErrInvalidObject)
	}
	return &Blob{id: id, dev: dev}, nil
}

// ID returns the kernel blob id; zero for a nil blob.
func (b *Blob) ID() BlobID {
	if b == nil {
		return 0
	}
	return b.id
}

// Release destroys the blob. It is safe to call on nil and more than once.
func (b *Blob) Release() error {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.dev.DestroyPropertyBlob(b.id); err != nil {
		return fmt.Errorf("failed to destroy property blob %d: %w", b.id, err)
	}
	return nil
}

// Released reports whether Release has been called.
func (b *Blob) Released() bool {
	return b != nil && b.released.Load()
}
