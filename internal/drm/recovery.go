package drm

import (
	"github.com/hwcomposer/kmsatomic/pkg/logger"
)

// recoverFromFailedCommit disables every plane used by the last composition
// so fences tied to that composition can signal. It is best effort: a
// failure is logged and counted, never returned. The caller holds mainLock.
func (m *AtomicStateManager) recoverFromFailedCommit(log logger.Logger) {
	args := &CommitArgs{Composition: &Plan{}}
	err := m.commitFrame(log, args, true)
	if err := args.OutFence.Release(); err != nil {
		log.Warn("Failed to close recovery fence", logger.WithError(err))
	}

	m.mu.Lock()
	m.stats.Recoveries++
	m.mu.Unlock()
	m.metrics.recovery(m.pipe.Name, err)

	if err != nil {
		log.Error("Failed to clean-up active composition",
			logger.WithField("connector", m.pipe.Connector.Name),
			logger.WithError(err))
		return
	}
	log.Warn("Disabled all planes after failed commit", logger.WithField("connector", m.pipe.Connector.Name))
}
