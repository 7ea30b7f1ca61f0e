package drm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/logger"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// DefaultDevicePath opens every /dev/dri/cardN node.
const DefaultDevicePath = "/dev/dri/card%"

// CardOpener opens one DRM node.
type CardOpener func(path string) (kms.Card, error)

// ResourceManager owns the DRM devices, the device-wide main lock and the
// commit engines of every pipeline created on them.
type ResourceManager struct {
	// mainLock serializes hardware state changes across all pipelines.
	mainLock sync.Mutex

	log     logger.Logger
	metrics *Metrics
	open    CardOpener

	mu          sync.Mutex
	devicePath  string
	policy      types.CommitPolicy
	cards       []kms.Card
	engines     map[string]*AtomicStateManager
	initialized bool
}

// ResourceManagerOption customizes a ResourceManager.
type ResourceManagerOption func(*ResourceManager)

// WithCardOpener replaces kms.OpenCard, mainly for tests.
func WithCardOpener(open CardOpener) ResourceManagerOption {
	return func(rm *ResourceManager) {
		rm.open = open
	}
}

// WithMetrics attaches engine metrics to every pipeline.
func WithMetrics(m *Metrics) ResourceManagerOption {
	return func(rm *ResourceManager) {
		rm.metrics = m
	}
}

// NewResourceManager creates a manager for cfg. Invalid CTM handling falls
// back to DRM_OR_GPU with an error log.
func NewResourceManager(cfg *types.Config, log logger.Logger, opts ...ResourceManagerOption) *ResourceManager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	rm := &ResourceManager{
		log:        log,
		open:       kms.OpenCard,
		devicePath: DefaultDevicePath,
		policy:     types.DefaultCommitPolicy(),
		engines:    make(map[string]*AtomicStateManager),
	}
	if cfg != nil {
		if cfg.Device.Path != "" {
			rm.devicePath = cfg.Device.Path
		}
		rm.policy = sanitizePolicy(cfg.Commit.Policy(), log)
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

func sanitizePolicy(p types.CommitPolicy, log logger.Logger) types.CommitPolicy {
	if ctm, err := types.ParseCtmHandling(string(p.CtmHandling)); err != nil {
		log.Error("Invalid ctm handling, using DRM_OR_GPU", logger.WithError(err))
		p.CtmHandling = types.CtmDrmOrGpu
	} else {
		p.CtmHandling = ctm
	}
	if wait, err := types.ParseFenceWaitPolicy(string(p.FenceWaitPolicy)); err != nil {
		log.Error("Invalid fence wait policy, using proceed", logger.WithError(err))
		p.FenceWaitPolicy = types.FenceWaitProceed
	} else {
		p.FenceWaitPolicy = wait
	}
	return p
}

// MainLock returns the device-wide lock.
func (rm *ResourceManager) MainLock() sync.Locker {
	return &rm.mainLock
}

// devicePaths expands the path pattern. Without a trailing '%' the path is
// used as is; with it, numbered nodes are probed until one does not exist.
func devicePaths(pattern string) []string {
	if !strings.HasSuffix(pattern, "%") {
		return []string{pattern}
	}
	prefix := strings.TrimSuffix(pattern, "%")
	var paths []string
	for idx := 0; ; idx++ {
		path := prefix + strconv.Itoa(idx)
		if _, err := os.Stat(path); err != nil {
			break
		}
		paths = append(paths, path)
	}
	return paths
}

// Init opens the DRM devices matching the configured path pattern. Nodes
// that fail to open are logged and skipped.
func (rm *ResourceManager) Init() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.initialized {
		return errors.New("resource manager already initialized")
	}

	for _, path := range devicePaths(rm.devicePath) {
		card, err := rm.open(path)
		if err != nil {
			rm.log.Warn("Failed to open DRM device", logger.WithField("path", path), logger.WithError(err))
			continue
		}
		rm.log.Info("Opened DRM device", logger.WithField("path", path))
		rm.cards = append(rm.cards, card)
	}
	if len(rm.cards) == 0 {
		return fmt.Errorf("%w: %s", ErrNoDevices, rm.devicePath)
	}

	rm.initialized = true
	return nil
}

// Cards returns the opened devices.
func (rm *ResourceManager) Cards() []kms.Card {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]kms.Card(nil), rm.cards...)
}

// Policy returns the commit policy new pipelines start with.
func (rm *ResourceManager) Policy() types.CommitPolicy {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.policy
}

// CreatePipeline assembles a pipeline on card and starts its engine.
func (rm *ResourceManager) CreatePipeline(card kms.Card, cfg PipelineConfig) (*AtomicStateManager, error) {
	pipe, err := NewPipeline(card, card, cfg, rm.MainLock())
	if err != nil {
		return nil, fmt.Errorf("pipeline on %s: %w", card.Path(), err)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.engines[pipe.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineExists, pipe.Name)
	}

	engine := NewAtomicStateManager(pipe, Options{
		Logger:  rm.log,
		Metrics: rm.metrics,
		Policy:  rm.policy,
	})
	rm.engines[pipe.Name] = engine
	rm.log.Info("Pipeline attached",
		logger.WithField("pipeline", pipe.Name),
		logger.WithField("connector", pipe.Connector.Name),
		logger.WithField("planes", len(pipe.Planes)))
	return engine, nil
}

// Engine returns the engine of a pipeline by name.
func (rm *ResourceManager) Engine(name string) (*AtomicStateManager, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, ok := rm.engines[name]
	return e, ok
}

// Engines returns every engine, ordered by pipeline name.
func (rm *ResourceManager) Engines() []*AtomicStateManager {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	names := make([]string, 0, len(rm.engines))
	for name := range rm.engines {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*AtomicStateManager, 0, len(names))
	for _, name := range names {
		out = append(out, rm.engines[name])
	}
	return out
}

// ApplyPolicy pushes a new commit policy into every live engine.
func (rm *ResourceManager) ApplyPolicy(p types.CommitPolicy) {
	p = sanitizePolicy(p, rm.log)

	rm.mu.Lock()
	rm.policy = p
	engines := make([]*AtomicStateManager, 0, len(rm.engines))
	for _, e := range rm.engines {
		engines = append(engines, e)
	}
	rm.mu.Unlock()

	for _, e := range engines {
		e.ApplyPolicy(p)
	}
}

// DetachPipeline shuts down one engine.
func (rm *ResourceManager) DetachPipeline(ctx context.Context, name string) error {
	rm.mu.Lock()
	engine, ok := rm.engines[name]
	delete(rm.engines, name)
	rm.mu.Unlock()

	if !ok {
		return fmt.Errorf("pipeline %s not found", name)
	}
	rm.log.Info("Detaching pipeline", logger.WithField("pipeline", name))
	return engine.Shutdown(ctx)
}

// DeInit shuts down every engine and closes the devices.
func (rm *ResourceManager) DeInit(ctx context.Context) error {
	rm.mu.Lock()
	if !rm.initialized && len(rm.engines) == 0 {
		rm.mu.Unlock()
		return errors.New("resource manager not initialized")
	}
	engines := rm.engines
	cards := rm.cards
	rm.engines = make(map[string]*AtomicStateManager)
	rm.cards = nil
	rm.initialized = false
	rm.mu.Unlock()

	var errs []error
	for name, e := range engines {
		if err := e.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", name, err))
		}
	}
	for _, card := range cards {
		if err := card.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", card.Path(), err))
		}
	}
	return errors.Join(errs...)
}
