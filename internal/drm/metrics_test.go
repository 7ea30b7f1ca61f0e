package drm

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordEngineEvents(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.commitAccepted("crtc-31", "blocking")
	m.commitAccepted("crtc-31", "blocking")
	m.commitFailed("crtc-31", fmt.Errorf("%w: EINVAL", ErrCommitRejected))
	m.frameStaged("crtc-31")
	m.framePresented("crtc-31")
	m.fenceWaitDegraded("crtc-31", "tracker")
	m.recovery("crtc-31", nil)
	m.recovery("crtc-31", errors.New("still broken"))
	m.setState("crtc-31", StateStagedPending)
	m.observeFenceWait("crtc-31", 16*time.Millisecond)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"commits", testutil.ToFloat64(m.commits.WithLabelValues("crtc-31", "blocking")), 2},
		{"failures", testutil.ToFloat64(m.failures.WithLabelValues("crtc-31", "commit_rejected")), 1},
		{"staged", testutil.ToFloat64(m.framesStaged.WithLabelValues("crtc-31")), 1},
		{"presented", testutil.ToFloat64(m.framesPresented.WithLabelValues("crtc-31")), 1},
		{"degraded", testutil.ToFloat64(m.fenceWaitDegrade.WithLabelValues("crtc-31", "tracker")), 1},
		{"recovery ok", testutil.ToFloat64(m.recoveries.WithLabelValues("crtc-31", "ok")), 1},
		{"recovery failed", testutil.ToFloat64(m.recoveries.WithLabelValues("crtc-31", "failed")), 1},
		{"state", testutil.ToFloat64(m.pipelineState.WithLabelValues("crtc-31")), float64(StateStagedPending)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.fenceWait); n != 1 {
		t.Errorf("fence wait histogram series = %d, want 1", n)
	}
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	second, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("second NewMetrics failed: %v", err)
	}

	first.frameStaged("p")
	if got := testutil.ToFloat64(second.framesStaged.WithLabelValues("p")); got != 1 {
		t.Errorf("second handle sees %v staged frames, want 1", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.commitAccepted("p", "blocking")
	m.commitFailed("p", ErrInvalidRequest)
	m.frameStaged("p")
	m.framePresented("p")
	m.fenceWaitDegraded("p", "submit")
	m.recovery("p", nil)
	m.setState("p", StateActiveOnly)
	m.observeFenceWait("p", time.Millisecond)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", ErrResourceExhausted), "resource_exhausted"},
		{fmt.Errorf("%w: x", ErrInvalidRequest), "invalid_request"},
		{fmt.Errorf("%w: x", ErrCommitRejected), "commit_rejected"},
		{fmt.Errorf("%w: x", ErrFenceWaitDegraded), "fence_wait_degraded"},
		{ErrEngineClosed, "engine_closed"},
		{errors.New("other"), "unknown"},
	}
	for _, tt := range tests {
		if got := failureReason(tt.err); got != tt.want {
			t.Errorf("failureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
