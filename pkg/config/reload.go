package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hwcomposer/kmsatomic/pkg/logger"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// DefaultDebouncePeriod coalesces the burst of events an editor save produces.
const DefaultDebouncePeriod = 500 * time.Millisecond

// ReloadCallback receives every reload result. cfg is nil when err is set.
type ReloadCallback func(cfg *types.Config, err error)

// PolicyApplier receives reloaded commit policies. The DRM resource
// manager implements it.
type PolicyApplier interface {
	ApplyPolicy(types.CommitPolicy)
}

// ReloadManager re-reads the config file when it changes on disk or when
// TriggerReload is called, and hands the result to its callbacks.
type ReloadManager struct {
	configPath string
	logger     logger.Logger

	mu             sync.RWMutex
	callbacks      []ReloadCallback
	watcher        *fsnotify.Watcher
	cancel         context.CancelFunc
	debounce       *time.Timer
	debouncePeriod time.Duration
	lastModTime    time.Time
}

// NewReloadManager creates a reload manager for configPath.
func NewReloadManager(configPath string, log logger.Logger) *ReloadManager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ReloadManager{
		configPath:     configPath,
		logger:         log,
		debouncePeriod: DefaultDebouncePeriod,
	}
}

// ApplyPolicyOnReload pushes the commit policy of every successfully
// reloaded config into target. Failed reloads keep the previous policy.
func (rm *ReloadManager) ApplyPolicyOnReload(target PolicyApplier) {
	rm.AddCallback(func(cfg *types.Config, err error) {
		if err != nil {
			rm.logger.Warn("Keeping previous commit policy", logger.WithError(err))
			return
		}
		target.ApplyPolicy(cfg.Commit.Policy())
	})
}

// AddCallback adds a reload callback
func (rm *ReloadManager) AddCallback(callback ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, callback)
}

// SetDebouncePeriod sets the debounce period for file change events
func (rm *ReloadManager) SetDebouncePeriod(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debouncePeriod = period
}

// GetConfigPath returns the path of the watched configuration file
func (rm *ReloadManager) GetConfigPath() string {
	return rm.configPath
}

// StartWatching watches the directory of the config file. Editors replace
// files by rename, so watching the file itself would lose track of it.
func (rm *ReloadManager) StartWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.watcher != nil {
		return errors.New("already watching configuration file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(rm.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if stat, err := os.Stat(rm.configPath); err == nil {
		rm.lastModTime = stat.ModTime()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rm.watcher = watcher
	rm.cancel = cancel
	go rm.watchLoop(ctx, watcher)

	rm.logger.Debug("Watching configuration file", logger.WithField("path", rm.configPath))
	return nil
}

// StopWatching stops watching the configuration file. It is safe to call
// more than once.
func (rm *ReloadManager) StopWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.watcher == nil {
		return nil
	}
	rm.cancel()
	if rm.debounce != nil {
		rm.debounce.Stop()
		rm.debounce = nil
	}
	err := rm.watcher.Close()
	rm.watcher = nil
	return err
}

// IsWatching returns whether the manager is currently watching
func (rm *ReloadManager) IsWatching() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.watcher != nil
}

// TriggerReload reloads now, even when the file did not change. kmsctl
// calls it on SIGHUP.
func (rm *ReloadManager) TriggerReload() {
	rm.mu.Lock()
	rm.lastModTime = time.Time{}
	rm.mu.Unlock()
	rm.reload()
}

func (rm *ReloadManager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !rm.isConfigEvent(event.Name) {
				continue
			}
			rm.logger.Debug("Configuration file event", logger.WithField("event", event.String()))
			if event.Op.Has(fsnotify.Remove) && filepath.Base(event.Name) == filepath.Base(rm.configPath) {
				// A rename-replace shows up as Remove followed by Create.
				if _, err := os.Stat(rm.configPath); errors.Is(err, os.ErrNotExist) {
					rm.notify(nil, fmt.Errorf("configuration file was removed: %s", rm.configPath))
					continue
				}
			}
			rm.scheduleReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			rm.logger.Error("Configuration watcher error", logger.WithError(err))
			rm.notify(nil, err)
		}
	}
}

// isConfigEvent matches the config file and the temporary files editors
// write next to it.
func (rm *ReloadManager) isConfigEvent(path string) bool {
	name := filepath.Base(path)
	base := filepath.Base(rm.configPath)
	return name == base || strings.HasPrefix(name, base) ||
		strings.HasSuffix(name, ".tmp") && strings.Contains(name, base)
}

func (rm *ReloadManager) scheduleReload() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.debounce != nil {
		rm.debounce.Stop()
	}
	rm.debounce = time.AfterFunc(rm.debouncePeriod, rm.reload)
}

func (rm *ReloadManager) reload() {
	stat, err := os.Stat(rm.configPath)
	if err != nil {
		rm.logger.Error("Failed to stat configuration file", logger.WithError(err))
		rm.notify(nil, err)
		return
	}

	rm.mu.Lock()
	if !stat.ModTime().After(rm.lastModTime) {
		rm.mu.Unlock()
		return
	}
	rm.lastModTime = stat.ModTime()
	rm.mu.Unlock()

	cfg, err := NewManager().LoadConfig(rm.configPath)
	if err != nil {
		rm.logger.Error("Failed to reload configuration", logger.WithError(err))
		rm.notify(nil, err)
		return
	}

	rm.logger.Info("Configuration reloaded",
		logger.WithField("fence_timeout_ms", cfg.Commit.FenceTimeoutMs),
		logger.WithField("fence_wait_policy", cfg.Commit.FenceWaitPolicy),
		logger.WithField("ctm_handling", cfg.Commit.CtmHandling))
	rm.notify(cfg, nil)
}

// notify runs every callback on its own goroutine; a panicking callback is
// logged and does not affect the others.
func (rm *ReloadManager) notify(cfg *types.Config, err error) {
	rm.mu.RLock()
	callbacks := append([]ReloadCallback(nil), rm.callbacks...)
	rm.mu.RUnlock()

	for _, cb := range callbacks {
		go func(cb ReloadCallback) {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered", logger.WithField("panic", r))
				}
			}()
			cb(cfg, err)
		}(cb)
	}
}
