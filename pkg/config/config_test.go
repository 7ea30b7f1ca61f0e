package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hwcomposer/kmsatomic/pkg/config"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

func TestLoadConfig_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "kmsatomic.yaml")

	content := `
version: "1.0"
device:
  path: /dev/dri/card1
commit:
  fenceTimeoutMs: 250
  fenceWaitPolicy: escalate
  ctmHandling: DRM_OR_IGNORE
logging:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.NewManager().LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Device.Path != "/dev/dri/card1" {
		t.Errorf("expected device path /dev/dri/card1, got %s", cfg.Device.Path)
	}
	policy := cfg.Commit.Policy()
	if policy.FenceTimeout != 250*time.Millisecond {
		t.Errorf("expected 250ms fence timeout, got %s", policy.FenceTimeout)
	}
	if policy.FenceWaitPolicy != types.FenceWaitEscalate {
		t.Errorf("expected escalate, got %s", policy.FenceWaitPolicy)
	}
	if policy.CtmHandling != types.CtmDrmOrIgnore {
		t.Errorf("expected DRM_OR_IGNORE, got %s", policy.CtmHandling)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	// Unset sections fall back to defaults
	if cfg.State.HeartbeatSeconds != 10 {
		t.Errorf("expected default heartbeat 10s, got %d", cfg.State.HeartbeatSeconds)
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "kmsatomic.json")

	content := `{"version": "1.0", "metrics": {"enabled": true, "address": ":9100"}}`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.NewManager().LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Address != ":9100" {
		t.Errorf("unexpected metrics config: %+v", cfg.Metrics)
	}
	if cfg.Device.Path != "/dev/dri/card%" {
		t.Errorf("expected default device pattern, got %s", cfg.Device.Path)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "kmsatomic.yaml")
	if err := os.WriteFile(configPath, []byte("version: \"1.0\"\ncommit:\n  fenceWaitPolicy: proceed\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KMSATOMIC_COMMIT_FENCEWAITPOLICY", "escalate")
	t.Setenv("KMSATOMIC_DEVICE_PATH", "/dev/dri/card7")

	cfg, err := config.NewManager().LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Commit.FenceWaitPolicy != types.FenceWaitEscalate {
		t.Errorf("expected env override escalate, got %s", cfg.Commit.FenceWaitPolicy)
	}
	if cfg.Device.Path != "/dev/dri/card7" {
		t.Errorf("expected env override device path, got %s", cfg.Device.Path)
	}
}

func TestLoadOrDefault(t *testing.T) {
	manager := config.NewManager()

	cfg, err := manager.LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	def := manager.GetDefaultConfig()
	if cfg.Device != def.Device || cfg.Commit != def.Commit {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	manager := config.NewManager()

	if _, err := manager.LoadConfig("/nonexistent/kmsatomic.yaml"); err == nil {
		t.Error("expected error for non-existent file")
	}

	tmpDir := t.TempDir()
	invalidPath := filepath.Join(tmpDir, "invalid.yaml")
	if err := os.WriteFile(invalidPath, []byte("version: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.LoadConfig(invalidPath); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidateConfig(t *testing.T) {
	manager := config.NewManager()

	tests := []struct {
		name      string
		mutate    func(*types.Config)
		wantError string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*types.Config) {},
		},
		{
			name:      "unsupported version",
			mutate:    func(c *types.Config) { c.Version = "2.0" },
			wantError: "unsupported config version",
		},
		{
			name:      "empty device path",
			mutate:    func(c *types.Config) { c.Device.Path = "" },
			wantError: "device.path",
		},
		{
			name:      "zero fence timeout",
			mutate:    func(c *types.Config) { c.Commit.FenceTimeoutMs = 0 },
			wantError: "fenceTimeoutMs",
		},
		{
			name:      "unknown fence wait policy",
			mutate:    func(c *types.Config) { c.Commit.FenceWaitPolicy = "retry" },
			wantError: "fenceWaitPolicy",
		},
		{
			name:      "unknown ctm handling",
			mutate:    func(c *types.Config) { c.Commit.CtmHandling = "GPU_ONLY" },
			wantError: "ctmHandling",
		},
		{
			name:      "bad log level",
			mutate:    func(c *types.Config) { c.Logging.Level = "chatty" },
			wantError: "logging.level",
		},
		{
			name: "metrics without address",
			mutate: func(c *types.Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantError: "metrics.address",
		},
		{
			name:      "negative heartbeat",
			mutate:    func(c *types.Config) { c.State.HeartbeatSeconds = -1 },
			wantError: "heartbeatSeconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := manager.GetDefaultConfig()
			tt.mutate(cfg)

			err := manager.ValidateConfig(cfg)
			if tt.wantError == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("expected error containing %q, got %v", tt.wantError, err)
			}
		})
	}
}

func TestSaveConfig(t *testing.T) {
	manager := config.NewManager()
	path := filepath.Join(t.TempDir(), "nested", "kmsatomic.yaml")

	cfg := manager.GetDefaultConfig()
	cfg.Commit.FenceWaitPolicy = types.FenceWaitEscalate
	if err := manager.SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("saved file is not YAML: %v", err)
	}
	if _, ok := raw["commit"]; !ok {
		t.Errorf("saved YAML lacks commit section: %s", data)
	}

	loaded, err := manager.LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Commit != cfg.Commit {
		t.Errorf("commit section changed on save: %+v vs %+v", loaded.Commit, cfg.Commit)
	}

	bad := manager.GetDefaultConfig()
	bad.Version = ""
	if err := manager.SaveConfig(path, bad); err == nil {
		t.Error("expected SaveConfig to reject an invalid config")
	}
}

type recordingApplier struct {
	mu       sync.Mutex
	policies []types.CommitPolicy
}

func (r *recordingApplier) ApplyPolicy(p types.CommitPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = append(r.policies, p)
}

func (r *recordingApplier) last() (types.CommitPolicy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.policies) == 0 {
		return types.CommitPolicy{}, false
	}
	return r.policies[len(r.policies)-1], true
}

func TestReloadManager_TriggerReloadAppliesPolicy(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "kmsatomic.yaml")
	if err := os.WriteFile(configPath, []byte("version: \"1.0\"\ncommit:\n  fenceTimeoutMs: 40\n  fenceWaitPolicy: escalate\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rm := config.NewReloadManager(configPath, nil)
	applier := &recordingApplier{}
	rm.ApplyPolicyOnReload(applier)
	rm.TriggerReload()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := applier.last(); ok {
			if p.FenceTimeout != 40*time.Millisecond || p.FenceWaitPolicy != types.FenceWaitEscalate {
				t.Errorf("unexpected policy: %+v", p)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("policy was not applied after reload")
}

func TestReloadManager_InvalidReloadKeepsPolicy(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "kmsatomic.yaml")
	if err := os.WriteFile(configPath, []byte("version: \"9\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rm := config.NewReloadManager(configPath, nil)
	applier := &recordingApplier{}
	errs := make(chan error, 1)
	rm.ApplyPolicyOnReload(applier)
	rm.AddCallback(func(_ *types.Config, err error) { errs <- err })
	rm.TriggerReload()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected reload error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks were not notified")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := applier.last(); ok {
		t.Error("policy applied from an invalid config")
	}
}

func TestReloadManager_WatchesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "kmsatomic.yaml")
	if err := os.WriteFile(configPath, []byte("version: \"1.0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Ensure the rewrite below gets a later mtime
	past := time.Now().Add(-time.Minute)
	if err := os.Chtimes(configPath, past, past); err != nil {
		t.Fatal(err)
	}

	rm := config.NewReloadManager(configPath, nil)
	rm.SetDebouncePeriod(10 * time.Millisecond)
	applier := &recordingApplier{}
	rm.ApplyPolicyOnReload(applier)

	if err := rm.StartWatching(); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	defer rm.StopWatching()
	if !rm.IsWatching() {
		t.Fatal("expected IsWatching after start")
	}
	if err := rm.StartWatching(); err == nil {
		t.Error("expected error when starting twice")
	}

	if err := os.WriteFile(configPath, []byte("version: \"1.0\"\ncommit:\n  ctmHandling: DRM_OR_IGNORE\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := applier.last(); ok && p.CtmHandling == types.CtmDrmOrIgnore {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("file change was not picked up")
}

func TestReloadManager_StopIdempotent(t *testing.T) {
	rm := config.NewReloadManager(filepath.Join(t.TempDir(), "kmsatomic.yaml"), nil)
	if err := rm.StopWatching(); err != nil {
		t.Errorf("StopWatching on idle manager: %v", err)
	}
	if rm.GetConfigPath() == "" {
		t.Error("expected config path")
	}
}
