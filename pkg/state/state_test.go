package state_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hwcomposer/kmsatomic/pkg/state"
)

// fakeSource reports a status whose commit counter can be bumped.
type fakeSource struct {
	name    string
	commits atomic.Uint64
}

func (f *fakeSource) Status() state.PipelineStatus {
	return state.PipelineStatus{
		Pipeline: f.name,
		State:    "ACTIVE_ONLY",
		Active:   true,
		Mode:     "1920x1080@60",
		Commits:  f.commits.Load(),
		Planes:   []state.PlaneStatus{{PlaneID: 40, FbID: 7}},
	}
}

func TestManager_Register(t *testing.T) {
	dir := t.TempDir()
	sm := state.NewManager(dir, time.Second, nil)

	s, err := sm.Register(&fakeSource{name: "crtc-31"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if s.ProcessID != os.Getpid() {
		t.Errorf("expected current PID, got %d", s.ProcessID)
	}
	if s.Heartbeat.IsZero() {
		t.Error("expected heartbeat to be set")
	}

	if _, err := os.Stat(filepath.Join(dir, "crtc-31.json")); err != nil {
		t.Errorf("state file was not created: %v", err)
	}
}

func TestManager_RegisterRequiresName(t *testing.T) {
	sm := state.NewManager(t.TempDir(), time.Second, nil)
	if _, err := sm.Register(&fakeSource{}); err == nil {
		t.Error("expected error for unnamed source")
	}
}

func TestManager_ReadStateFromDisk(t *testing.T) {
	dir := t.TempDir()
	writer := state.NewManager(dir, time.Second, nil)
	if _, err := writer.Register(&fakeSource{name: "crtc-31"}); err != nil {
		t.Fatal(err)
	}

	reader := state.NewManager(dir, time.Second, nil)
	s, err := reader.ReadState("crtc-31")
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	if s.Mode != "1920x1080@60" || len(s.Planes) != 1 || s.Planes[0].PlaneID != 40 {
		t.Errorf("unexpected status: %+v", s)
	}

	if _, err := reader.ReadState("missing"); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestManager_Refresh(t *testing.T) {
	dir := t.TempDir()
	sm := state.NewManager(dir, time.Second, nil)
	src := &fakeSource{name: "crtc-31"}
	if _, err := sm.Register(src); err != nil {
		t.Fatal(err)
	}

	src.commits.Store(5)
	if err := sm.Refresh(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "crtc-31.json"))
	if err != nil {
		t.Fatal(err)
	}
	var s state.PipelineStatus
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	if s.Commits != 5 {
		t.Errorf("expected refreshed commit count 5, got %d", s.Commits)
	}
}

func TestManager_RemoveState(t *testing.T) {
	dir := t.TempDir()
	sm := state.NewManager(dir, time.Second, nil)
	if _, err := sm.Register(&fakeSource{name: "crtc-31"}); err != nil {
		t.Fatal(err)
	}

	if err := sm.RemoveState("crtc-31"); err != nil {
		t.Fatalf("failed to remove state: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "crtc-31.json")); !os.IsNotExist(err) {
		t.Error("state file should be removed")
	}
	if err := sm.RemoveState("crtc-31"); err != nil {
		t.Errorf("removing twice should not fail: %v", err)
	}
}

func TestManager_IsAlive(t *testing.T) {
	sm := state.NewManager(t.TempDir(), time.Second, nil)

	tests := []struct {
		name   string
		status *state.PipelineStatus
		want   bool
	}{
		{"nil", nil, false},
		{"own process", &state.PipelineStatus{ProcessID: os.Getpid(), Heartbeat: time.Now()}, true},
		{"stale heartbeat", &state.PipelineStatus{ProcessID: os.Getpid(), Heartbeat: time.Now().Add(-time.Minute)}, false},
		{"stopped", &state.PipelineStatus{ProcessID: os.Getpid(), Heartbeat: time.Now(), State: state.StateStopped}, false},
		{"no pid", &state.PipelineStatus{Heartbeat: time.Now()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sm.IsAlive(tt.status); got != tt.want {
				t.Errorf("IsAlive = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_DiscoverStates(t *testing.T) {
	dir := t.TempDir()
	sm := state.NewManager(dir, time.Second, nil)
	for _, name := range []string{"crtc-51", "crtc-31"} {
		if _, err := sm.Register(&fakeSource{name: name}); err != nil {
			t.Fatal(err)
		}
	}
	// Junk that must be skipped
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644)

	states, err := state.NewManager(dir, time.Second, nil).DiscoverStates()
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	names := state.SortedNames(states)
	if len(names) != 2 || names[0] != "crtc-31" || names[1] != "crtc-51" {
		t.Errorf("unexpected discovered states: %v", names)
	}

	empty, err := state.NewManager(filepath.Join(dir, "none"), time.Second, nil).DiscoverStates()
	if err != nil || len(empty) != 0 {
		t.Errorf("expected no states in empty dir, got %v, %v", empty, err)
	}
}

func TestManager_Heartbeat(t *testing.T) {
	dir := t.TempDir()
	sm := state.NewManager(dir, 20*time.Millisecond, nil)
	src := &fakeSource{name: "crtc-31"}
	first, err := sm.Register(src)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sm.StartHeartbeat(ctx)
	sm.StartHeartbeat(ctx) // second start is a no-op
	defer sm.StopHeartbeat()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := state.NewManager(dir, time.Second, nil).ReadState("crtc-31")
		if err == nil && s.Heartbeat.After(first.Heartbeat) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("heartbeat was not refreshed")
}

func TestManager_Cleanup(t *testing.T) {
	dir := t.TempDir()
	sm := state.NewManager(dir, time.Second, nil)
	if _, err := sm.Register(&fakeSource{name: "crtc-31"}); err != nil {
		t.Fatal(err)
	}

	if err := sm.Cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	s, err := state.NewManager(dir, time.Second, nil).ReadState("crtc-31")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != state.StateStopped || s.ProcessID != 0 {
		t.Errorf("expected stopped status, got %+v", s)
	}
	if sm.IsAlive(s) {
		t.Error("stopped pipeline should not be alive")
	}
}

func TestManager_Concurrency(t *testing.T) {
	sm := state.NewManager(t.TempDir(), time.Second, nil)
	src := &fakeSource{name: "crtc-31"}
	if _, err := sm.Register(src); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			src.commits.Add(1)
			if err := sm.Refresh(); err != nil {
				t.Errorf("refresh: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := sm.ReadState("crtc-31"); err != nil {
				t.Errorf("read: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestManager_AtomicWrites(t *testing.T) {
	dir := t.TempDir()
	sm := state.NewManager(dir, time.Second, nil)
	if _, err := sm.Register(&fakeSource{name: "crtc-31"}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "crtc-31.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file should not remain after write")
	}
}
