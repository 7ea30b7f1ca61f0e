// Package state persists per-pipeline status files so other processes
// (kmsctl status) can observe a running commit engine.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hwcomposer/kmsatomic/pkg/logger"
)

// StateStopped marks a status file whose owner shut down cleanly.
const StateStopped = "STOPPED"

// DefaultHeartbeat is the status refresh interval.
const DefaultHeartbeat = 10 * time.Second

// PlaneStatus is one bound plane of the active frame.
type PlaneStatus struct {
	PlaneID uint32 `json:"planeId"`
	FbID    uint32 `json:"fbId"`
}

// PipelineStatus is the persisted status of one commit engine.
type PipelineStatus struct {
	Pipeline          string        `json:"pipeline"`
	Connector         string        `json:"connector,omitempty"`
	State             string        `json:"state"`
	Active            bool          `json:"active"`
	Mode              string        `json:"mode,omitempty"`
	Planes            []PlaneStatus `json:"planes,omitempty"`
	FramesStaged      uint64        `json:"framesStaged"`
	FramesTracked     uint64        `json:"framesTracked"`
	Commits           uint64        `json:"commits"`
	Failures          uint64        `json:"failures"`
	Recoveries        uint64        `json:"recoveries"`
	FenceWaitDegraded uint64        `json:"fenceWaitDegraded"`
	ProcessID         int           `json:"processId"`
	Heartbeat         time.Time     `json:"heartbeat"`
}

// StatusSource produces a fresh status snapshot.
type StatusSource interface {
	Status() PipelineStatus
}

// Manager writes status files for registered sources and refreshes them
// on a heartbeat.
type Manager struct {
	stateDir string
	interval time.Duration
	logger   logger.Logger

	mu             sync.RWMutex
	sources        map[string]StatusSource
	states         map[string]*PipelineStatus
	heartbeatStop  chan struct{}
	heartbeatTimer *time.Ticker
}

// NewManager creates a manager writing into stateDir.
func NewManager(stateDir string, interval time.Duration, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if interval <= 0 {
		interval = DefaultHeartbeat
	}

	// Ensure state directory exists
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.Error("Failed to create state directory", logger.WithError(err))
	}

	return &Manager{
		stateDir: stateDir,
		interval: interval,
		logger:   log,
		sources:  make(map[string]StatusSource),
		states:   make(map[string]*PipelineStatus),
	}
}

// Register starts tracking src and writes its first status file.
func (sm *Manager) Register(src StatusSource) (*PipelineStatus, error) {
	status := src.Status()
	if status.Pipeline == "" {
		return nil, errors.New("status source has no pipeline name")
	}
	status.ProcessID = os.Getpid()
	status.Heartbeat = time.Now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.saveStateFile(&status); err != nil {
		return nil, fmt.Errorf("failed to save initial state: %w", err)
	}
	sm.sources[status.Pipeline] = src
	sm.states[status.Pipeline] = &status
	return &status, nil
}

// Refresh re-snapshots every source and rewrites its file.
func (sm *Manager) Refresh() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var errs []error
	now := time.Now()
	for name, src := range sm.sources {
		status := src.Status()
		status.Pipeline = name
		status.ProcessID = os.Getpid()
		status.Heartbeat = now
		if err := sm.saveStateFile(&status); err != nil {
			errs = append(errs, err)
			continue
		}
		sm.states[name] = &status
	}
	return errors.Join(errs...)
}

// ReadState reads the status of a pipeline
func (sm *Manager) ReadState(pipeline string) (*PipelineStatus, error) {
	sm.mu.RLock()
	if status, ok := sm.states[pipeline]; ok {
		copied := *status
		sm.mu.RUnlock()
		return &copied, nil
	}
	sm.mu.RUnlock()

	return sm.loadStateFile(pipeline)
}

// RemoveState forgets a pipeline and deletes its file.
func (sm *Manager) RemoveState(pipeline string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.sources, pipeline)
	delete(sm.states, pipeline)

	if err := os.Remove(sm.getStateFilePath(pipeline)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// IsAlive reports whether the process that wrote status is still running
// and refreshing it.
func (sm *Manager) IsAlive(status *PipelineStatus) bool {
	if status == nil || status.ProcessID == 0 || status.State == StateStopped {
		return false
	}
	if time.Since(status.Heartbeat) > 3*sm.interval {
		return false
	}
	if status.ProcessID == os.Getpid() {
		return true
	}

	process, err := os.FindProcess(status.ProcessID)
	if err != nil {
		return false
	}
	// Signal 0 only checks for existence
	return process.Signal(syscall.Signal(0)) == nil
}

// DiscoverStates finds all existing status files
func (sm *Manager) DiscoverStates() (map[string]*PipelineStatus, error) {
	states := make(map[string]*PipelineStatus)

	files, err := os.ReadDir(sm.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		name := strings.TrimSuffix(file.Name(), ".json")
		status, err := sm.loadStateFile(name)
		if err != nil {
			sm.logger.Warn("Failed to load state file",
				logger.WithField("file", file.Name()),
				logger.WithError(err))
			continue
		}
		states[status.Pipeline] = status
	}

	return states, nil
}

// SortedNames returns the keys of a DiscoverStates result in order.
func SortedNames(states map[string]*PipelineStatus) []string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartHeartbeat starts the heartbeat updater
func (sm *Manager) StartHeartbeat(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.heartbeatTimer != nil {
		return // Already running
	}

	stop := make(chan struct{})
	ticker := time.NewTicker(sm.interval)
	sm.heartbeatStop = stop
	sm.heartbeatTimer = ticker

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := sm.Refresh(); err != nil {
					sm.logger.Debug("Failed to update heartbeat", logger.WithError(err))
				}
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat updater
func (sm *Manager) StopHeartbeat() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.heartbeatTimer != nil {
		sm.heartbeatTimer.Stop()
		sm.heartbeatTimer = nil
	}

	if sm.heartbeatStop != nil {
		close(sm.heartbeatStop)
		sm.heartbeatStop = nil
	}
}

// Cleanup stops the heartbeat and marks every registered pipeline stopped.
func (sm *Manager) Cleanup() error {
	sm.StopHeartbeat()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	var errs []error
	for name, status := range sm.states {
		status.State = StateStopped
		status.ProcessID = 0
		if err := sm.saveStateFile(status); err != nil {
			sm.logger.Warn("Failed to save final state",
				logger.WithField("pipeline", name),
				logger.WithError(err))
			errs = append(errs, err)
		}
	}
	sm.sources = make(map[string]StatusSource)
	return errors.Join(errs...)
}

// Private methods

func fileName(pipeline string) string {
	return strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(pipeline)
}

func (sm *Manager) getStateFilePath(pipeline string) string {
	return filepath.Join(sm.stateDir, fileName(pipeline)+".json")
}

func (sm *Manager) loadStateFile(pipeline string) (*PipelineStatus, error) {
	data, err := os.ReadFile(sm.getStateFilePath(pipeline))
	if err != nil {
		return nil, err
	}

	var status PipelineStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &status, nil
}

func (sm *Manager) saveStateFile(status *PipelineStatus) error {
	stateFile := sm.getStateFilePath(status.Pipeline)

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write atomically
	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}
