package cli

import (
	"context"
	"time"

	"github.com/hwcomposer/kmsatomic/internal/drm"
	pcontext "github.com/hwcomposer/kmsatomic/pkg/context"
)

// Config holds the command-line settings of one CLI instance.
type Config struct {
	ConfigFile string
	DevicePath string
	Verbosity  string
	Version    string

	// OpenCard opens DRM nodes. Nil uses the real kernel backend.
	OpenCard drm.CardOpener
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		Verbosity: "info",
	}
}

// RuntimeConfig carries the per-invocation context of a command.
type RuntimeConfig struct {
	Config    *Config
	Context   context.Context
	StartTime time.Time
	CommitID  string
}

// NewRuntimeConfig creates a runtime configuration with context
func NewRuntimeConfig(cfg *Config, ctx context.Context) *RuntimeConfig {
	if ctx == nil {
		ctx = context.Background()
	}

	return &RuntimeConfig{
		Config:    cfg,
		Context:   ctx,
		StartTime: time.Now(),
		CommitID:  pcontext.GenerateCommitID(),
	}
}

// TracedContext returns the command context stamped with the commit id and
// operation, so engine logs can be matched to the CLI output.
func (rc *RuntimeConfig) TracedContext(operation string) context.Context {
	ctx := pcontext.WithCommitID(rc.Context, rc.CommitID)
	ctx = pcontext.WithOperation(ctx, operation)
	return pcontext.WithStartTime(ctx, rc.StartTime)
}

// WithTimeout creates a new context with timeout
func (rc *RuntimeConfig) WithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(rc.Context, timeout)
}
