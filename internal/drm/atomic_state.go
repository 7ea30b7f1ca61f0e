// Package drm implements the atomic commit engine for one display pipeline:
// it builds property transactions, submits them, and promotes frames as the
// hardware confirms presentation.
package drm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/logger"
	"github.com/hwcomposer/kmsatomic/pkg/state"
	"github.com/hwcomposer/kmsatomic/pkg/types"

	pcontext "github.com/hwcomposer/kmsatomic/pkg/context"
)

// PipelineState is the commit engine state machine.
type PipelineState int

const (
	// StateInactive: no frame committed yet.
	StateInactive PipelineState = iota
	// StateActiveOnly: the active frame is presented, nothing pending.
	StateActiveOnly
	// StateStagedPending: a non-blocking commit awaits its present fence.
	StateStagedPending
)

func (s PipelineState) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateActiveOnly:
		return "ACTIVE_ONLY"
	case StateStagedPending:
		return "STAGED_PENDING"
	default:
		return fmt.Sprintf("PipelineState(%d)", int(s))
	}
}

// Stats are the engine counters.
type Stats struct {
	FramesStaged      uint64
	FramesTracked     uint64
	Commits           uint64
	Failures          uint64
	Recoveries        uint64
	FenceWaitDegraded uint64
}

// Options configure an AtomicStateManager.
type Options struct {
	Logger  logger.Logger
	Metrics *Metrics
	Policy  types.CommitPolicy
}

// AtomicStateManager is the commit engine of one pipeline. It owns the
// active and staged frames and a completion tracker goroutine that promotes
// staged frames once their present fence signals.
type AtomicStateManager struct {
	pipe     *DisplayPipeline
	mainLock sync.Locker
	log      logger.Logger
	metrics  *Metrics

	// mu guards everything below. Writers also hold mainLock.
	mu               sync.Mutex
	policy           types.CommitPolicy
	active           *FrameState
	staged           *FrameState
	lastPresentFence *kms.SharedFence
	framesStaged     uint64
	framesTracked    uint64
	committed        bool
	stats            Stats
	exiting          bool

	wake     *frameSignal
	owners   atomic.Int32
	quit     chan struct{}
	quitOnce sync.Once
	group    *SafeGroup
	done     chan struct{}
}

// NewAtomicStateManager creates the engine and starts its completion
// tracker. The caller holds the first owner reference; see Retain/Release.
func NewAtomicStateManager(pipe *DisplayPipeline, opts Options) *AtomicStateManager {
	if pipe == nil || pipe.Device == nil || pipe.Crtc == nil || pipe.Connector == nil {
		panic("drm: NewAtomicStateManager requires a pipeline with device, crtc and connector")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	mainLock := pipe.MainLock
	if mainLock == nil {
		mainLock = &sync.Mutex{}
	}

	m := &AtomicStateManager{
		pipe:     pipe,
		mainLock: mainLock,
		log:      log.WithPipeline(pipe.Name),
		metrics:  opts.Metrics,
		policy:   normalizePolicy(opts.Policy),
		active:   &FrameState{},
		wake:     newFrameSignal(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.owners.Store(1)
	m.metrics.setState(pipe.Name, StateInactive)

	m.group, _ = NewSafeGroup(context.Background(), m.log)
	m.group.Go("completion-tracker", m.trackCompletions)

	return m
}

func normalizePolicy(p types.CommitPolicy) types.CommitPolicy {
	def := types.DefaultCommitPolicy()
	if p.FenceTimeout <= 0 {
		p.FenceTimeout = def.FenceTimeout
	}
	if p.FenceWaitPolicy == "" {
		p.FenceWaitPolicy = def.FenceWaitPolicy
	}
	if p.CtmHandling == "" {
		p.CtmHandling = def.CtmHandling
	}
	return p
}

// Pipeline returns the pipeline the engine drives.
func (m *AtomicStateManager) Pipeline() *DisplayPipeline {
	return m.pipe
}

// ApplyPolicy replaces the commit policy for subsequent commits.
func (m *AtomicStateManager) ApplyPolicy(p types.CommitPolicy) {
	p = normalizePolicy(p)
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	m.log.Info("Commit policy updated",
		logger.WithField("fence_timeout", p.FenceTimeout),
		logger.WithField("fence_wait_policy", p.FenceWaitPolicy),
		logger.WithField("ctm_handling", p.CtmHandling))
}

// Policy returns the current commit policy.
func (m *AtomicStateManager) Policy() types.CommitPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// ExecuteCommit builds and submits one frame. On success of a real commit
// args.OutFence holds the frame's present fence, owned by the caller. A
// failed real commit is followed by one best-effort disable-all commit before
// the original error is returned. ctx only carries tracing fields.
func (m *AtomicStateManager) ExecuteCommit(ctx context.Context, args *CommitArgs) error {
	if args == nil {
		return fmt.Errorf("%w: nil commit args", ErrInvalidRequest)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = pcontext.WithOperation(pcontext.WithPipeline(ctx, m.pipe.Name), "execute_commit")
	ctx = pcontext.EnrichContext(ctx)
	log := logger.WithContext(ctx, m.log)

	m.mainLock.Lock()
	defer m.mainLock.Unlock()

	local := *args
	local.OutFence = nil
	err := m.commitFrame(log, &local, false)
	args.OutFence = local.OutFence
	if err == nil {
		return nil
	}

	m.mu.Lock()
	m.stats.Failures++
	m.mu.Unlock()
	m.metrics.commitFailed(m.pipe.Name, err)

	if args.TestOnly {
		log.Debug("Test-only commit failed", logger.WithError(err))
		return err
	}

	log.Error("Composite failed", logger.WithField("connector", m.pipe.Connector.Name), logger.WithError(err))
	if errors.Is(err, ErrEngineClosed) {
		return err
	}
	m.recoverFromFailedCommit(log)
	return err
}

// commitFrame runs one build + submit cycle. The caller holds mainLock.
// A recovery commit always proceeds past a failed prior-fence wait.
func (m *AtomicStateManager) commitFrame(log logger.Logger, args *CommitArgs, recovery bool) error {
	m.mu.Lock()
	if m.exiting {
		m.mu.Unlock()
		return ErrEngineClosed
	}
	policy := m.policy
	if recovery {
		policy.FenceWaitPolicy = types.FenceWaitProceed
	}
	active := m.active
	base := m.staged
	if base == nil {
		base = m.active
	}
	first := !m.committed
	m.mu.Unlock()

	if args.Active != nil && *args.Active == active.CrtcActive {
		// Don't set the same state twice
		args.Active = nil
	}
	if !args.HasInputs() {
		return nil
	}
	if !active.CrtcActive {
		args.Active = Bool(true)
	}

	req, next, blocking, err := m.buildCommit(log, args, base, policy)
	if err != nil {
		return err
	}
	installed := false
	defer func() {
		if !installed {
			next.release(log)
		}
	}()

	flags := kms.AtomicAllowModeset
	if args.TestOnly {
		fence, err := m.pipe.Device.AtomicCommit(req, flags|kms.AtomicTestOnly)
		if fence != nil {
			fence.Close()
		}
		if err != nil {
			return fmt.Errorf("%w: test-only: %w", ErrCommitRejected, err)
		}
		m.metrics.commitAccepted(m.pipe.Name, "test_only")
		return nil
	}

	if err := m.drainPriorFrame(log, policy); err != nil {
		return err
	}

	blocking = blocking || first
	mode := "blocking"
	if !blocking {
		flags |= kms.AtomicNonBlock
		mode = "nonblocking"
	}

	fence, err := m.pipe.Device.AtomicCommit(req, flags)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCommitRejected, flags, err)
	}
	m.metrics.commitAccepted(m.pipe.Name, mode)

	present := kms.NewSharedFence(fence)
	args.OutFence = present.Dup()

	m.mu.Lock()
	m.committed = true
	m.stats.Commits++

	if !blocking && present != nil {
		m.lastPresentFence = present
		m.staged = next
		m.framesStaged++
		staged := m.framesStaged
		m.stats.FramesStaged = m.framesStaged
		m.metrics.setState(m.pipe.Name, m.stateLocked())
		m.mu.Unlock()
		installed = true

		m.metrics.frameStaged(m.pipe.Name)
		m.wake.publish(staged)
		log.Debug("Frame staged", logger.WithField("frame", staged), logger.WithField("fence_fd", present.FD()))
		return nil
	}

	old := m.active
	m.active = next
	m.metrics.setState(m.pipe.Name, m.stateLocked())
	m.mu.Unlock()
	installed = true

	present.Release()
	old.release(log)
	if !blocking {
		log.Warn("Non-blocking commit returned no present fence, promoting immediately")
	} else {
		log.Debug("Frame committed", logger.WithField("flags", flags))
	}
	return nil
}

// drainPriorFrame enforces one outstanding frame: it waits for the tracked
// fence and promotes the staged frame before a new transaction is issued.
func (m *AtomicStateManager) drainPriorFrame(log logger.Logger, policy types.CommitPolicy) error {
	m.mu.Lock()
	fence := m.lastPresentFence.Dup()
	m.mu.Unlock()
	if fence == nil {
		return nil
	}

	err := m.waitFence(log, fence, "submit", policy.FenceTimeout)
	fence.Release()
	if err != nil && policy.FenceWaitPolicy == types.FenceWaitEscalate {
		return err
	}

	m.mu.Lock()
	old, oldFence := m.cleanupPriorFrameResources()
	m.mu.Unlock()
	m.releaseSuperseded(log, old, oldFence)
	return nil
}

// cleanupPriorFrameResources promotes staged to active. The caller holds mu
// and must hand the returned frame and fence to releaseSuperseded after
// unlocking.
func (m *AtomicStateManager) cleanupPriorFrameResources() (*FrameState, *kms.SharedFence) {
	if m.staged == nil {
		return nil, nil
	}
	m.framesTracked++
	m.stats.FramesTracked = m.framesTracked

	old := m.active
	m.active = m.staged
	m.staged = nil

	fence := m.lastPresentFence
	m.lastPresentFence = nil

	m.metrics.framePresented(m.pipe.Name)
	m.metrics.setState(m.pipe.Name, m.stateLocked())
	return old, fence
}

func (m *AtomicStateManager) releaseSuperseded(log logger.Logger, old *FrameState, fence *kms.SharedFence) {
	old.release(log)
	if err := fence.Release(); err != nil {
		log.Warn("Failed to close present fence", logger.WithError(err))
	}
}

// waitFence waits on a present fence and records degraded waits.
func (m *AtomicStateManager) waitFence(log logger.Logger, fence *kms.SharedFence, site string, timeout time.Duration) error {
	start := time.Now()
	err := fence.Wait(timeout)
	m.metrics.observeFenceWait(m.pipe.Name, time.Since(start))
	if err == nil {
		return nil
	}

	m.mu.Lock()
	m.stats.FenceWaitDegraded++
	m.mu.Unlock()
	m.metrics.fenceWaitDegraded(m.pipe.Name, site)
	log.Error("Fence wait degraded",
		logger.WithField("site", site),
		logger.WithField("fence_fd", fence.FD()),
		logger.WithField("timeout", timeout),
		logger.WithError(err))
	return fmt.Errorf("%w: %s: %w", ErrFenceWaitDegraded, site, err)
}

// ActivateDisplayUsingDPMS powers the output on through the legacy
// connector DPMS property, for drivers without atomic activation.
func (m *AtomicStateManager) ActivateDisplayUsingDPMS() error {
	conn := m.pipe.Connector
	if !conn.Dpms.Supported() {
		return fmt.Errorf("%w: connector %s: %w", ErrInvalidRequest, conn.Name, kms.ErrPropertyUnsupported)
	}

	m.mainLock.Lock()
	defer m.mainLock.Unlock()

	if err := m.pipe.Device.SetConnectorProperty(conn.ID, conn.Dpms.ID, kms.DPMSOn); err != nil {
		return fmt.Errorf("%w: DPMS on: %w", ErrCommitRejected, err)
	}
	m.log.Info("Display activated via DPMS", logger.WithField("connector", conn.Name))
	return nil
}

func (m *AtomicStateManager) stateLocked() PipelineState {
	switch {
	case !m.committed:
		return StateInactive
	case m.staged != nil:
		return StateStagedPending
	default:
		return StateActiveOnly
	}
}

// State returns the current engine state.
func (m *AtomicStateManager) State() PipelineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// ActiveFrame returns a snapshot of the presented frame.
func (m *AtomicStateManager) ActiveFrame() FrameSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.snapshot()
}

// StagedFrame returns a snapshot of the frame awaiting presentation.
func (m *AtomicStateManager) StagedFrame() (FrameSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staged == nil {
		return FrameSnapshot{}, false
	}
	return m.staged.snapshot(), true
}

// Stats returns a copy of the engine counters.
func (m *AtomicStateManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Status reports the engine for status files.
func (m *AtomicStateManager) Status() state.PipelineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.active.snapshot()
	st := state.PipelineStatus{
		Pipeline:          m.pipe.Name,
		Connector:         m.pipe.Connector.Name,
		State:             m.stateLocked().String(),
		Active:            snap.CrtcActive,
		FramesStaged:      m.stats.FramesStaged,
		FramesTracked:     m.stats.FramesTracked,
		Commits:           m.stats.Commits,
		Failures:          m.stats.Failures,
		Recoveries:        m.stats.Recoveries,
		FenceWaitDegraded: m.stats.FenceWaitDegraded,
	}
	if snap.Mode != nil {
		st.Mode = snap.Mode.String()
	}
	for _, p := range snap.Planes {
		st.Planes = append(st.Planes, state.PlaneStatus{PlaneID: uint32(p.PlaneID), FbID: uint32(p.FbID)})
	}
	return st
}

// Retain registers another owner of the engine. It fails with
// ErrEngineClosed once the last owner has released it.
func (m *AtomicStateManager) Retain() (*AtomicStateManager, error) {
	for {
		n := m.owners.Load()
		if n <= 0 {
			return nil, ErrEngineClosed
		}
		if m.owners.CompareAndSwap(n, n+1) {
			return m, nil
		}
	}
}

// Release drops one owner. When the last owner is gone the tracker exits
// and the engine's frames are released.
func (m *AtomicStateManager) Release() {
	if m.owners.Add(-1) == 0 {
		m.log.Debug("Last owner released commit engine")
		m.stop()
	}
}

func (m *AtomicStateManager) stop() {
	m.quitOnce.Do(func() {
		m.mu.Lock()
		m.exiting = true
		m.mu.Unlock()
		close(m.quit)
	})
}

// Shutdown stops the tracker and waits for it to tear down, or for ctx.
func (m *AtomicStateManager) Shutdown(ctx context.Context) error {
	m.stop()
	select {
	case <-m.done:
		return m.group.Wait()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the tracker has exited and the frames are released.
func (m *AtomicStateManager) Done() <-chan struct{} {
	return m.done
}
