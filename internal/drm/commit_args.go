package drm

import (
	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// OpaqueAlpha is the plane "alpha" value for a fully opaque layer.
const OpaqueAlpha uint16 = 0xffff

// Rect is a destination rectangle in CRTC pixels.
type Rect struct {
	X, Y int32
	W, H uint32
}

// RectF is a source rectangle in framebuffer pixels. Fractional values are
// sent to the kernel as 16.16 fixed point.
type RectF struct {
	X, Y, W, H float64
}

// LayerData is the payload an external planner assigns to a plane.
type LayerData struct {
	FB    *kms.Framebuffer
	Src   RectF
	Dst   Rect
	Alpha uint16
	Blend types.BlendMode
	// AcquireFence, when set, is passed as IN_FENCE_FD so the plane waits
	// for rendering to finish.
	AcquireFence *kms.SharedFence
}

// NewLayer returns an opaque, premultiplied layer showing all of fb at dst.
func NewLayer(fb *kms.Framebuffer, dst Rect) LayerData {
	return LayerData{
		FB:    fb,
		Src:   RectF{W: float64(dst.W), H: float64(dst.H)},
		Dst:   dst,
		Alpha: OpaqueAlpha,
		Blend: types.BlendPremultiplied,
	}
}

// PlanEntry assigns one layer to one plane at a z-position.
type PlanEntry struct {
	Plane *Plane
	Layer LayerData
	ZPos  uint32
}

// Plan is an ordered composition, bottom-most entry first. An empty plan
// disables every plane.
type Plan struct {
	Entries []PlanEntry
}

// CommitArgs is one commit request. Unset fields carry the previous frame's
// values forward.
type CommitArgs struct {
	Active      *bool
	Mode        *types.DisplayMode
	ColorMatrix *types.ColorMatrix
	Composition *Plan
	TestOnly    bool

	// OutFence is set on success of a real commit. It signals when the
	// frame is presented; the caller owns the handle and must Release it.
	OutFence *kms.SharedFence
}

// HasInputs reports whether the request asks for any change.
func (a *CommitArgs) HasInputs() bool {
	return a.Active != nil || a.Mode != nil || a.ColorMatrix != nil || a.Composition != nil
}

// Bool returns a pointer to v, for CommitArgs.Active.
func Bool(v bool) *bool {
	return &v
}
