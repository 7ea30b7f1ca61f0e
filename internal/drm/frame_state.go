package drm

import (
	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/logger"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// PlaneBinding records that Plane scans out FB in a frame. The frame holds
// one reference on FB.
type PlaneBinding struct {
	Plane *Plane
	FB    *kms.Framebuffer
}

// FrameState is everything hardware-visible that one committed frame owns.
// Blobs belong to the frame that created them and are destroyed when that
// frame is superseded and released.
type FrameState struct {
	CrtcActive bool
	Mode       *types.DisplayMode
	ModeBlob   *kms.Blob
	CtmBlob    *kms.Blob
	Bindings   []PlaneBinding
}

// derive starts the next frame from s. The active flag, mode and plane
// bindings carry forward (taking new framebuffer holds); blobs do not, since
// the kernel keeps referencing the ones already programmed.
func (s *FrameState) derive() *FrameState {
	next := &FrameState{CrtcActive: s.CrtcActive}
	if s.Mode != nil {
		mode := *s.Mode
		next.Mode = &mode
	}
	if len(s.Bindings) > 0 {
		next.Bindings = make([]PlaneBinding, 0, len(s.Bindings))
		for _, b := range s.Bindings {
			next.Bindings = append(next.Bindings, PlaneBinding{Plane: b.Plane, FB: b.FB.Hold()})
		}
	}
	return next
}

// usesPlane reports whether plane is bound in s.
func (s *FrameState) usesPlane(plane *Plane) bool {
	for _, b := range s.Bindings {
		if b.Plane == plane {
			return true
		}
	}
	return false
}

// dropBindings releases the framebuffer holds and clears the bindings.
func (s *FrameState) dropBindings() {
	for _, b := range s.Bindings {
		b.FB.Release()
	}
	s.Bindings = nil
}

// release frees every resource the frame owns. It is safe on nil and
// idempotent.
func (s *FrameState) release(log logger.Logger) {
	if s == nil {
		return
	}
	for _, blob := range []*kms.Blob{s.ModeBlob, s.CtmBlob} {
		if err := blob.Release(); err != nil {
			log.Warn("Failed to destroy frame blob", logger.WithError(err))
		}
	}
	s.ModeBlob = nil
	s.CtmBlob = nil
	s.dropBindings()
}

// BoundPlane is the observable part of a PlaneBinding.
type BoundPlane struct {
	PlaneID kms.ObjectID `json:"planeId"`
	FbID    kms.ObjectID `json:"fbId"`
}

// FrameSnapshot is a read-only copy of a FrameState.
type FrameSnapshot struct {
	CrtcActive bool               `json:"crtcActive"`
	Mode       *types.DisplayMode `json:"mode,omitempty"`
	ModeBlobID kms.BlobID         `json:"modeBlobId,omitempty"`
	CtmBlobID  kms.BlobID         `json:"ctmBlobId,omitempty"`
	Planes     []BoundPlane       `json:"planes"`
}

func (s *FrameState) snapshot() FrameSnapshot {
	if s == nil {
		return FrameSnapshot{}
	}
	snap := FrameSnapshot{
		CrtcActive: s.CrtcActive,
		ModeBlobID: s.ModeBlob.ID(),
		CtmBlobID:  s.CtmBlob.ID(),
		Planes:     make([]BoundPlane, 0, len(s.Bindings)),
	}
	if s.Mode != nil {
		mode := *s.Mode
		snap.Mode = &mode
	}
	for _, b := range s.Bindings {
		snap.Planes = append(snap.Planes, BoundPlane{PlaneID: b.Plane.ID, FbID: b.FB.ID()})
	}
	return snap
}
