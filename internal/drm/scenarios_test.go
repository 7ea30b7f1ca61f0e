package drm_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hwcomposer/kmsatomic/internal/drm"
	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/mocks"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

const (
	crtcID      kms.ObjectID = 31
	connectorID kms.ObjectID = 41
	planeAID    kms.ObjectID = 51
)

var modeM1 = types.DisplayMode{
	Clock:      148500,
	HDisplay:   1920,
	HSyncStart: 2008,
	HSyncEnd:   2052,
	HTotal:     2200,
	VDisplay:   1080,
	VSyncStart: 1084,
	VSyncEnd:   1089,
	VTotal:     1125,
	VRefresh:   60,
	Name:       "M1",
}

var _ = Describe("AtomicStateManager", Ordered, func() {
	var (
		card   *mocks.FakeCard
		engine *drm.AtomicStateManager
		planeA *drm.Plane
		fbX    *kms.Framebuffer
	)

	execute := func(args *drm.CommitArgs) error {
		err := engine.ExecuteCommit(context.Background(), args)
		args.OutFence.Release()
		return err
	}

	BeforeAll(func() {
		card = mocks.StandardCard("/dev/dri/card0", crtcID, connectorID, planeAID)
		pipe, err := drm.NewPipeline(card, card, drm.PipelineConfig{
			Name:        "scenario",
			CrtcID:      crtcID,
			ConnectorID: connectorID,
			PlaneIDs:    []kms.ObjectID{planeAID},
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		policy := types.DefaultCommitPolicy()
		policy.FenceTimeout = 10 * time.Second
		engine = drm.NewAtomicStateManager(pipe, drm.Options{Policy: policy})

		var ok bool
		planeA, ok = pipe.Plane(planeAID)
		Expect(ok).To(BeTrue())
		fbX = kms.NewFramebuffer(300, nil)
	})

	AfterAll(func() {
		for _, c := range card.Commits() {
			if c.Fence != nil {
				c.Fence.Signal()
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(engine.Shutdown(ctx)).To(Succeed())
	})

	It("performs the initial modeset as a blocking commit", func() {
		Expect(engine.State()).To(Equal(drm.StateInactive))

		mode := modeM1
		Expect(execute(&drm.CommitArgs{Active: drm.Bool(true), Mode: &mode, Composition: &drm.Plan{}})).To(Succeed())

		last, _ := card.LastCommit()
		Expect(last.Flags.Has(kms.AtomicNonBlock)).To(BeFalse())
		Expect(engine.State()).To(Equal(drm.StateActiveOnly))

		active := engine.ActiveFrame()
		Expect(active.CrtcActive).To(BeTrue())
		Expect(active.Mode).NotTo(BeNil())
		Expect(*active.Mode).To(Equal(modeM1))
		Expect(active.Planes).To(BeEmpty())
	})

	It("stages a plane-only change as a non-blocking commit", func() {
		plan := &drm.Plan{Entries: []drm.PlanEntry{{
			Plane: planeA,
			Layer: drm.NewLayer(fbX, drm.Rect{W: 1920, H: 1080}),
			ZPos:  0,
		}}}
		Expect(execute(&drm.CommitArgs{Composition: plan})).To(Succeed())

		last, _ := card.LastCommit()
		Expect(last.Flags.Has(kms.AtomicNonBlock)).To(BeTrue())
		Expect(engine.State()).To(Equal(drm.StateStagedPending))
		Expect(engine.ActiveFrame().Planes).To(BeEmpty())
	})

	It("promotes the staged frame once its fence signals", func() {
		last, _ := card.LastCommit()
		Expect(last.Fence).NotTo(BeNil())
		last.Fence.Signal()

		Eventually(engine.State).WithTimeout(5 * time.Second).Should(Equal(drm.StateActiveOnly))
		Expect(engine.ActiveFrame().Planes).To(ConsistOf(drm.BoundPlane{PlaneID: planeAID, FbID: 300}))
	})

	It("explicitly disables planes missing from an empty plan", func() {
		Expect(execute(&drm.CommitArgs{Composition: &drm.Plan{}})).To(Succeed())

		last, _ := card.LastCommit()
		v, ok := last.Value(planeAID, card.PropID(planeAID, "FB_ID"))
		Expect(ok).To(BeTrue())
		Expect(v).To(BeZero())
		v, ok = last.Value(planeAID, card.PropID(planeAID, "CRTC_ID"))
		Expect(ok).To(BeTrue())
		Expect(v).To(BeZero())

		last.Fence.Signal()
		Eventually(engine.State).WithTimeout(5 * time.Second).Should(Equal(drm.StateActiveOnly))
	})

	It("runs the recovery path when the mode descriptor cannot be created", func() {
		before := card.CommitCount()
		card.FailBlobs(errors.New("ENOMEM"))
		DeferCleanup(func() { card.FailBlobs(nil) })

		mode := modeM1
		mode.Name = "M2"
		mode.VRefresh = 50
		err := execute(&drm.CommitArgs{Mode: &mode})
		Expect(errors.Is(err, drm.ErrInvalidRequest)).To(BeTrue(), "unexpected error: %v", err)

		Expect(engine.Stats().Recoveries).To(BeEquivalentTo(1))
		Expect(card.CommitCount()).To(Equal(before + 1))
		Expect(*engine.ActiveFrame().Mode).To(Equal(modeM1))
	})
})
