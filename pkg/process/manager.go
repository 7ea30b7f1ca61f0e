// Package process provides process lifecycle handling for long-running
// kmsctl commands
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hwcomposer/kmsatomic/pkg/logger"
)

// DefaultHeartbeatInterval is used when SetHeartbeat gets no interval.
const DefaultHeartbeatInterval = 10 * time.Second

// Manager handles process lifecycle and signals. SIGINT and SIGTERM run the
// shutdown handlers; SIGHUP runs the reload handlers and keeps going.
type Manager struct {
	logger            logger.Logger
	shutdownHandlers  []func()
	reloadHandlers    []func()
	heartbeatFunc     func()
	heartbeatInterval time.Duration
	heartbeatStop     chan struct{}
	done              chan struct{}
	doneOnce          sync.Once
	signals           chan os.Signal
	wg                sync.WaitGroup
	mu                sync.Mutex
	running           bool
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		logger: log,
		done:   make(chan struct{}),
	}
}

// RegisterShutdownHandler adds a shutdown handler. Handlers run in reverse
// registration order.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// RegisterReloadHandler adds a SIGHUP handler.
func (m *Manager) RegisterReloadHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reloadHandlers = append(m.reloadHandlers, handler)
}

// SetHeartbeat sets the heartbeat function and its interval.
func (m *Manager) SetHeartbeat(fn func(), interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	m.heartbeatFunc = fn
	m.heartbeatInterval = interval
}

// Start starts the process manager with the given context.
// The context controls the lifetime of the manager.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.signals = make(chan os.Signal, 1)
	heartbeat := m.heartbeatFunc
	m.mu.Unlock()

	signal.Notify(m.signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(m.signals)

		for {
			select {
			case <-ctx.Done():
				m.handleShutdown()
				return
			case <-m.done:
				return
			case sig := <-m.signals:
				m.logger.Info("Received signal", logger.WithField("signal", sig.String()))
				if sig == syscall.SIGHUP {
					m.handleReload()
					continue
				}
				m.handleShutdown()
				return
			}
		}
	}()

	if heartbeat != nil {
		m.startHeartbeat(ctx)
	}
}

// Stop stops the process manager without running shutdown handlers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop := m.heartbeatStop
	m.heartbeatStop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.doneOnce.Do(func() { close(m.done) })

	m.wg.Wait()
}

// Done is closed once the shutdown handlers have run or Stop was called.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// IsRunning checks if the process manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Private methods

func (m *Manager) handleShutdown() {
	m.logger.Info("Initiating graceful shutdown...")

	m.mu.Lock()
	handlers := make([]func(), len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.running = false
	stop := m.heartbeatStop
	m.heartbeatStop = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *Manager) handleReload() {
	m.mu.Lock()
	handlers := make([]func(), len(m.reloadHandlers))
	copy(handlers, m.reloadHandlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (m *Manager) startHeartbeat(ctx context.Context) {
	m.mu.Lock()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	interval := m.heartbeatInterval
	fn := m.heartbeatFunc
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
