// Package config handles configuration loading and management
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hwcomposer/kmsatomic/pkg/state"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

const (
	// CurrentVersion is the only config schema version understood.
	CurrentVersion = "1.0"

	// EnvPrefix prefixes environment overrides, e.g. KMSATOMIC_COMMIT_FENCEWAITPOLICY.
	EnvPrefix = "KMSATOMIC"

	// DefaultFileName is looked up when no config path is given.
	DefaultFileName = "kmsatomic.yaml"
)

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// newViper returns a viper instance preloaded with defaults and env bindings.
func (m *Manager) newViper() *viper.Viper {
	v := viper.New()
	def := m.GetDefaultConfig()

	v.SetDefault("version", def.Version)
	v.SetDefault("device.path", def.Device.Path)
	v.SetDefault("commit.fenceTimeoutMs", def.Commit.FenceTimeoutMs)
	v.SetDefault("commit.fenceWaitPolicy", string(def.Commit.FenceWaitPolicy))
	v.SetDefault("commit.ctmHandling", string(def.Commit.CtmHandling))
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.file", def.Logging.File)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.address", def.Metrics.Address)
	v.SetDefault("state.dir", def.State.Dir)
	v.SetDefault("state.heartbeatSeconds", def.State.HeartbeatSeconds)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig loads configuration from a YAML or JSON file. Environment
// variables override file values, which override defaults.
func (m *Manager) LoadConfig(path string) (*types.Config, error) {
	v := m.newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return m.decode(v)
}

// LoadOrDefault loads path when it exists and otherwise returns the
// defaults with environment overrides applied. An empty path looks for
// DefaultFileName in the working directory.
func (m *Manager) LoadOrDefault(path string) (*types.Config, error) {
	if path == "" {
		path = DefaultFileName
	}
	if _, err := os.Stat(path); err == nil {
		return m.LoadConfig(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	return m.decode(m.newViper())
}

func (m *Manager) decode(v *viper.Viper) (*types.Config, error) {
	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := m.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(config *types.Config) error {
	if config == nil {
		return errors.New("config is nil")
	}

	// Check version
	if config.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %s", config.Version)
	}

	var errs []error
	if config.Device.Path == "" {
		errs = append(errs, errors.New("device.path must not be empty"))
	}
	if config.Commit.FenceTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("commit.fenceTimeoutMs must be positive, got %d", config.Commit.FenceTimeoutMs))
	}
	if _, err := types.ParseFenceWaitPolicy(string(config.Commit.FenceWaitPolicy)); err != nil {
		errs = append(errs, fmt.Errorf("commit.fenceWaitPolicy: %w", err))
	}
	if _, err := types.ParseCtmHandling(string(config.Commit.CtmHandling)); err != nil {
		errs = append(errs, fmt.Errorf("commit.ctmHandling: %w", err))
	}
	if _, err := logrus.ParseLevel(config.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if config.Metrics.Enabled && config.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}
	if config.State.HeartbeatSeconds < 0 {
		errs = append(errs, fmt.Errorf("state.heartbeatSeconds must not be negative, got %d", config.State.HeartbeatSeconds))
	}
	return errors.Join(errs...)
}

// GetDefaultConfig returns the configuration used when nothing is set.
func (m *Manager) GetDefaultConfig() *types.Config {
	policy := types.DefaultCommitPolicy()

	return &types.Config{
		Version: CurrentVersion,
		Device: types.DeviceConfig{
			Path: "/dev/dri/card%",
		},
		Commit: types.CommitConfig{
			FenceTimeoutMs:  int(policy.FenceTimeout.Milliseconds()),
			FenceWaitPolicy: policy.FenceWaitPolicy,
			CtmHandling:     policy.CtmHandling,
		},
		Logging: types.LoggingConfig{
			Level: "info",
		},
		Metrics: types.MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
		State: types.StateConfig{
			Dir:              filepath.Join(os.TempDir(), "kmsatomic"),
			HeartbeatSeconds: int(state.DefaultHeartbeat.Seconds()),
		},
	}
}

// SaveConfig writes cfg as YAML, creating parent directories.
func (m *Manager) SaveConfig(path string, cfg *types.Config) error {
	if err := m.ValidateConfig(cfg); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
