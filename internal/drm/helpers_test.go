package drm

import (
	"context"
	"testing"
	"time"

	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/mocks"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

const (
	testCrtc      kms.ObjectID = 31
	testConnector kms.ObjectID = 41
	testPlane0    kms.ObjectID = 51
	testPlane1    kms.ObjectID = 52
	testPlane2    kms.ObjectID = 53
)

type harness struct {
	t      *testing.T
	card   *mocks.FakeCard
	pipe   *DisplayPipeline
	engine *AtomicStateManager
}

// slowPolicy keeps the tracker parked on unsignaled fences for the whole test.
func slowPolicy() types.CommitPolicy {
	p := types.DefaultCommitPolicy()
	p.FenceTimeout = 10 * time.Second
	return p
}

func newHarness(t *testing.T, policy types.CommitPolicy, tweaks ...func(*mocks.FakeCard)) *harness {
	t.Helper()

	card := mocks.StandardCard("/dev/dri/card0", testCrtc, testConnector, testPlane0, testPlane1, testPlane2)
	for _, tweak := range tweaks {
		tweak(card)
	}

	pipe, err := NewPipeline(card, card, PipelineConfig{
		Name:          "test",
		CrtcID:        testCrtc,
		ConnectorID:   testConnector,
		ConnectorName: "HDMI-A-1",
		PlaneIDs:      []kms.ObjectID{testPlane0, testPlane1, testPlane2},
	}, nil)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}

	engine := NewAtomicStateManager(pipe, Options{Policy: policy})
	h := &harness{t: t, card: card, pipe: pipe, engine: engine}
	t.Cleanup(h.shutdown)
	return h
}

func (h *harness) shutdown() {
	// Let a tracker parked on an outstanding fence observe the stop.
	for _, c := range h.card.Commits() {
		if c.Fence != nil {
			c.Fence.Signal()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.engine.Shutdown(ctx); err != nil {
		h.t.Errorf("Shutdown failed: %v", err)
	}
}

func (h *harness) plane(id kms.ObjectID) *Plane {
	h.t.Helper()
	p, ok := h.pipe.Plane(id)
	if !ok {
		h.t.Fatalf("plane %d not in pipeline", id)
	}
	return p
}

func (h *harness) prop(obj kms.ObjectID, name string) kms.PropertyID {
	return h.card.PropID(obj, name)
}

// commit runs ExecuteCommit and releases the returned present fence.
func (h *harness) commit(args *CommitArgs) error {
	err := h.engine.ExecuteCommit(context.Background(), args)
	args.OutFence.Release()
	return err
}

// activate performs the initial blocking modeset with an empty plan.
func (h *harness) activate() {
	h.t.Helper()
	mode := testMode()
	if err := h.commit(&CommitArgs{Active: Bool(true), Mode: &mode, Composition: &Plan{}}); err != nil {
		h.t.Fatalf("initial modeset failed: %v", err)
	}
}

// lastFence returns the fence handed out by the most recent commit.
func (h *harness) lastFence() *mocks.ManualFence {
	h.t.Helper()
	c, ok := h.card.LastCommit()
	if !ok || c.Fence == nil {
		h.t.Fatalf("last commit has no fence")
	}
	return c.Fence
}

// injectPending installs a staged frame and its fence without waking the
// tracker, so only a submitter will ever drain it.
func (h *harness) injectPending(fence kms.Fence) {
	m := h.engine
	m.mainLock.Lock()
	m.mu.Lock()
	m.committed = true
	m.staged = m.active.derive()
	m.lastPresentFence = kms.NewSharedFence(fence)
	m.mu.Unlock()
	m.mainLock.Unlock()
}

func (h *harness) waitForState(want PipelineState) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.engine.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("state = %s, want %s", h.engine.State(), want)
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf(format, args...)
}

func testMode() types.DisplayMode {
	return types.DisplayMode{
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
		Name:       "1920x1080",
	}
}

func altMode() types.DisplayMode {
	m := testMode()
	m.Clock = 74250
	m.VRefresh = 30
	m.Name = "1920x1080i"
	return m
}

func fullScreen(p *Plane, fb *kms.Framebuffer, zpos uint32) PlanEntry {
	return PlanEntry{Plane: p, Layer: NewLayer(fb, Rect{W: 1920, H: 1080}), ZPos: zpos}
}
