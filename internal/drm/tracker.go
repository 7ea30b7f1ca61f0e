package drm

import (
	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/logger"
)

// trackCompletions is the completion tracker loop. It waits on the present
// fence of each newly staged frame and promotes that frame to active. It
// exits when the engine is stopped, then releases every frame resource.
func (m *AtomicStateManager) trackCompletions() error {
	defer close(m.done)
	defer m.teardown()

	var tracking uint64
	for {
		select {
		case <-m.quit:
			return nil
		case <-m.wake.C():
		}

		m.mu.Lock()
		if m.exiting {
			m.mu.Unlock()
			return nil
		}
		if m.framesStaged <= tracking {
			m.mu.Unlock()
			continue
		}
		tracking = m.framesStaged
		policy := m.policy
		fence := m.lastPresentFence.Dup()
		m.mu.Unlock()

		if fence == nil {
			continue
		}

		// A timeout is logged and counted; presentation is assumed to have
		// happened and promotion proceeds.
		_ = m.waitFence(m.log, fence, "tracker", policy.FenceTimeout)
		fence.Release()

		m.mainLock.Lock()
		m.mu.Lock()
		if m.exiting {
			m.mu.Unlock()
			m.mainLock.Unlock()
			return nil
		}
		var old *FrameState
		var oldFence *kms.SharedFence
		// A submitter may already have drained this frame.
		if tracking > m.framesTracked {
			old, oldFence = m.cleanupPriorFrameResources()
		}
		m.mu.Unlock()
		m.mainLock.Unlock()

		if old != nil || oldFence != nil {
			m.releaseSuperseded(m.log, old, oldFence)
			m.log.Debug("Frame presented", logger.WithField("frame", tracking))
		}
	}
}

// teardown releases the frames and the tracked fence once the tracker stops.
func (m *AtomicStateManager) teardown() {
	m.mainLock.Lock()
	m.mu.Lock()
	m.exiting = true
	staged, active, fence := m.staged, m.active, m.lastPresentFence
	m.staged, m.active, m.lastPresentFence = nil, &FrameState{}, nil
	m.mu.Unlock()
	m.mainLock.Unlock()

	m.releaseSuperseded(m.log, staged, fence)
	active.release(m.log)
	m.log.Info("Completion tracker exited")
}
