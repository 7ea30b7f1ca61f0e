package drm

import (
	"fmt"

	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/logger"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// buildCommit translates args into a property transaction and the frame it
// would produce, derived from base. It reports whether the transaction must
// be committed blocking. On error everything the prospective frame acquired
// has been released and no engine state was touched.
func (m *AtomicStateManager) buildCommit(log logger.Logger, args *CommitArgs, base *FrameState, policy types.CommitPolicy) (*kms.AtomicRequest, *FrameState, bool, error) {
	pipe := m.pipe
	crtc := pipe.Crtc

	req, err := pipe.Device.NewAtomicRequest()
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: failed to allocate property set: %w", ErrResourceExhausted, err)
	}
	if req == nil {
		return nil, nil, false, fmt.Errorf("%w: failed to allocate property set", ErrResourceExhausted)
	}

	next := base.derive()
	fail := func(format string, a ...any) (*kms.AtomicRequest, *FrameState, bool, error) {
		next.release(log)
		return nil, nil, false, fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, a...)...)
	}

	if err := req.RequestOutFence(crtc.ID, crtc.OutFencePtr); err != nil {
		return fail("out-fence: %w", err)
	}

	blocking := false

	if args.Active != nil {
		blocking = true
		next.CrtcActive = *args.Active
		var active uint64
		if *args.Active {
			active = 1
		}
		if err := crtc.Active.AtomicSet(req, crtc.ID, active); err != nil {
			return fail("%w", err)
		}
		if err := pipe.Connector.CrtcID.AtomicSet(req, pipe.Connector.ID, uint64(crtc.ID)); err != nil {
			return fail("%w", err)
		}
	}

	if args.Mode != nil {
		blocking = true
		if err := args.Mode.Validate(); err != nil {
			return fail("mode %s: %w", args.Mode, err)
		}
		data, err := args.Mode.MarshalBinary()
		if err != nil {
			return fail("mode %s: %w", args.Mode, err)
		}
		blob, err := kms.CreateBlob(pipe.Device, data)
		if err != nil {
			log.Error("Failed to create mode blob", logger.WithField("mode", args.Mode.String()), logger.WithError(err))
			return fail("mode blob: %w", err)
		}
		next.ModeBlob = blob
		mode := *args.Mode
		next.Mode = &mode
		if err := crtc.ModeID.AtomicSet(req, crtc.ID, uint64(blob.ID())); err != nil {
			return fail("%w", err)
		}
	}

	if args.ColorMatrix != nil {
		switch {
		case crtc.Ctm.Supported():
			data, err := args.ColorMatrix.MarshalBinary()
			if err != nil {
				return fail("color matrix: %w", err)
			}
			blob, err := kms.CreateBlob(pipe.Device, data)
			if err != nil {
				log.Error("Failed to create CTM blob", logger.WithError(err))
				return fail("ctm blob: %w", err)
			}
			next.CtmBlob = blob
			if err := crtc.Ctm.AtomicSet(req, crtc.ID, uint64(blob.ID())); err != nil {
				return fail("%w", err)
			}
		case policy.CtmHandling == types.CtmDrmOrGpu:
			return fail("crtc %d has no CTM property, color matrix needs GPU composition", crtc.ID)
		default:
			log.Debug("CRTC has no CTM property, ignoring color matrix")
		}
	}

	if args.Composition != nil {
		previous := make([]*Plane, 0, len(next.Bindings))
		for _, b := range next.Bindings {
			previous = append(previous, b.Plane)
		}
		next.dropBindings()

		for i, entry := range args.Composition.Entries {
			if entry.Plane == nil {
				return fail("plan entry %d has no plane", i)
			}
			if next.usesPlane(entry.Plane) {
				return fail("plane %d appears twice in the plan", entry.Plane.ID)
			}
			if err := entry.Plane.AtomicSetState(req, crtc.ID, entry.Layer, entry.ZPos, i == 0); err != nil {
				return fail("%w", err)
			}
			next.Bindings = append(next.Bindings, PlaneBinding{Plane: entry.Plane, FB: entry.Layer.FB.Hold()})
		}

		for _, plane := range previous {
			if next.usesPlane(plane) {
				continue
			}
			if err := plane.AtomicDisablePlane(req); err != nil {
				return fail("disable plane %d: %w", plane.ID, err)
			}
		}
	}

	return req, next, blocking, nil
}
