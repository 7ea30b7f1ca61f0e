package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hwcomposer/kmsatomic/internal/drm"
	"github.com/hwcomposer/kmsatomic/pkg/config"
	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/logger"
	"github.com/hwcomposer/kmsatomic/pkg/process"
	"github.com/hwcomposer/kmsatomic/pkg/state"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// modesetOptions are the flags of kmsctl modeset.
type modesetOptions struct {
	card          int
	name          string
	crtc          uint32
	connector     uint32
	connectorName string
	planes        []uint
	layers        []string
	mode          int
	ctm           []float64
	testOnly      bool
	hold          bool
	legacyDPMS    bool
}

// layerSpec is one --layer plane=fb assignment.
type layerSpec struct {
	plane kms.ObjectID
	fb    kms.ObjectID
}

func (c *CLI) newModesetCmd() *cobra.Command {
	opts := &modesetOptions{}

	cmd := &cobra.Command{
		Use:   "modeset",
		Short: "Activate a pipeline with a mode and composition",
		Long: `Assemble a pipeline from a CRTC, a connector and planes, then submit one
atomic commit that activates it with the selected connector mode. Layers
scan out existing framebuffers full screen, bottom-most first; without
layers every plane is disabled.

With --hold the pipeline stays up until SIGINT or SIGTERM. SIGHUP reloads
the commit policy from the config file.`,
		Example: `  kmsctl modeset --crtc 31 --connector 41 --mode 0
  kmsctl modeset --crtc 31 --connector 41 --layer 51=120 --layer 52=121 --hold
  kmsctl modeset --crtc 31 --connector 41 --test-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runModeset(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.card, "card", 0, "index of the opened device to use")
	flags.StringVar(&opts.name, "name", "", "pipeline name (default: crtc-<id>)")
	flags.Uint32Var(&opts.crtc, "crtc", 0, "CRTC object id")
	flags.Uint32Var(&opts.connector, "connector", 0, "connector object id")
	flags.StringVar(&opts.connectorName, "connector-name", "", "connector name used in logs")
	flags.UintSliceVar(&opts.planes, "planes", nil, "plane object ids the pipeline may use")
	flags.StringSliceVar(&opts.layers, "layer", nil, "plane=framebuffer assignment, repeatable")
	flags.IntVar(&opts.mode, "mode", 0, "index into the connector mode list")
	flags.Float64SliceVar(&opts.ctm, "ctm", nil, "row-major 3x3 color matrix (9 values)")
	flags.BoolVar(&opts.testOnly, "test-only", false, "validate the commit without applying it")
	flags.BoolVar(&opts.hold, "hold", false, "keep the pipeline up until interrupted")
	flags.BoolVar(&opts.legacyDPMS, "legacy-dpms", false, "power the connector on through legacy DPMS first")
	_ = cmd.MarkFlagRequired("crtc")
	_ = cmd.MarkFlagRequired("connector")

	return cmd
}

func parseLayers(specs []string) ([]layerSpec, error) {
	layers := make([]layerSpec, 0, len(specs))
	for _, spec := range specs {
		plane, fb, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("layer %q: want plane=framebuffer", spec)
		}
		planeID, err := strconv.ParseUint(plane, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("layer %q: plane: %w", spec, err)
		}
		fbID, err := strconv.ParseUint(fb, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("layer %q: framebuffer: %w", spec, err)
		}
		layers = append(layers, layerSpec{plane: kms.ObjectID(planeID), fb: kms.ObjectID(fbID)})
	}
	return layers, nil
}

// pipelinePlanes merges --planes with the planes named by layers.
func pipelinePlanes(planes []uint, layers []layerSpec) []kms.ObjectID {
	ids := toObjectIDs(planes)
	seen := make(map[kms.ObjectID]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, l := range layers {
		if !seen[l.plane] {
			seen[l.plane] = true
			ids = append(ids, l.plane)
		}
	}
	return ids
}

func (c *CLI) runModeset(cmd *cobra.Command, opts *modesetOptions) error {
	layers, err := parseLayers(opts.layers)
	if err != nil {
		return err
	}
	if len(opts.ctm) != 0 && len(opts.ctm) != len(types.ColorMatrix{}) {
		return fmt.Errorf("--ctm needs 9 values, got %d", len(opts.ctm))
	}

	cfg, err := c.loadSettings(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var registry *prometheus.Registry
	rmOpts := []drm.ResourceManagerOption{}
	if c.config.OpenCard != nil {
		rmOpts = append(rmOpts, drm.WithCardOpener(c.config.OpenCard))
	}
	if opts.hold && cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics, err := drm.NewMetrics(registry)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		rmOpts = append(rmOpts, drm.WithMetrics(metrics))
	}

	rm := drm.NewResourceManager(cfg, c.logger, rmOpts...)
	if err := rm.Init(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rm.DeInit(ctx); err != nil {
			c.logger.Warn("Failed to release devices", logger.WithError(err))
		}
	}()

	cards := rm.Cards()
	if opts.card < 0 || opts.card >= len(cards) {
		return fmt.Errorf("--card %d out of range, %d device(s) opened", opts.card, len(cards))
	}
	card := cards[opts.card]

	engine, err := rm.CreatePipeline(card, drm.PipelineConfig{
		Name:          opts.name,
		CrtcID:        kms.ObjectID(opts.crtc),
		ConnectorID:   kms.ObjectID(opts.connector),
		ConnectorName: opts.connectorName,
		PlaneIDs:      pipelinePlanes(opts.planes, layers),
	})
	if err != nil {
		return err
	}
	pipe := engine.Pipeline()

	args := &drm.CommitArgs{
		Active:      drm.Bool(true),
		Composition: &drm.Plan{},
		TestOnly:    opts.testOnly,
	}
	if len(opts.ctm) != 0 {
		var m types.ColorMatrix
		copy(m[:], opts.ctm)
		args.ColorMatrix = &m
	}

	modes, err := card.ConnectorModes(pipe.Connector.ID)
	if err != nil {
		return fmt.Errorf("failed to read modes of connector %d: %w", pipe.Connector.ID, err)
	}
	if opts.mode < 0 || opts.mode >= len(modes) {
		return fmt.Errorf("--mode %d out of range, connector has %d mode(s)", opts.mode, len(modes))
	}
	mode := modes[opts.mode]
	args.Mode = &mode

	for i, l := range layers {
		plane, _ := pipe.Plane(l.plane)
		fb := kms.NewFramebuffer(l.fb, nil)
		defer fb.Release()
		args.Composition.Entries = append(args.Composition.Entries, drm.PlanEntry{
			Plane: plane,
			Layer: drm.NewLayer(fb, drm.Rect{W: uint32(mode.HDisplay), H: uint32(mode.VDisplay)}),
			ZPos:  uint32(i),
		})
	}

	if opts.legacyDPMS {
		if err := engine.ActivateDisplayUsingDPMS(); err != nil {
			return err
		}
	}

	rc := NewRuntimeConfig(c.config, cmd.Context())
	if err := engine.ExecuteCommit(rc.TracedContext("modeset"), args); err != nil {
		return fmt.Errorf("commit %s failed: %w", rc.CommitID, err)
	}
	if args.OutFence != nil {
		args.OutFence.Release()
	}

	if opts.testOnly {
		c.printSuccess(fmt.Sprintf("Test commit accepted on %s", pipe.Name))
		return nil
	}
	c.printSuccess(fmt.Sprintf("Committed %s on %s with %d layer(s)", args.Mode, pipe.Name, len(layers)))
	c.logger.Debug("Commit finished",
		logger.WithField("commit_id", rc.CommitID),
		logger.WithField("duration", time.Since(rc.StartTime)))

	if !opts.hold {
		return nil
	}
	return c.holdPipeline(cmd.Context(), cfg, rm, engine, registry)
}

// holdPipeline keeps engine alive until the process is told to stop. The
// status file is refreshed on the heartbeat and SIGHUP reloads the policy.
func (c *CLI) holdPipeline(ctx context.Context, cfg *types.Config, rm *drm.ResourceManager, engine *drm.AtomicStateManager, registry *prometheus.Registry) error {
	heartbeat := time.Duration(cfg.State.HeartbeatSeconds) * time.Second
	sm := state.NewManager(cfg.State.Dir, heartbeat, c.logger)
	if _, err := sm.Register(engine); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}

	pm := process.NewManager(c.logger)

	// Handlers run in reverse order; the status file is finalized last.
	pm.RegisterShutdownHandler(func() {
		if err := sm.Cleanup(); err != nil {
			c.logger.Warn("Failed to finalize status", logger.WithError(err))
		}
	})
	pm.SetHeartbeat(func() {
		if err := sm.Refresh(); err != nil {
			c.logger.Debug("Failed to refresh status", logger.WithError(err))
		}
	}, heartbeat)

	if path := c.configPath(); fileExists(path) {
		reload := config.NewReloadManager(path, c.logger)
		reload.ApplyPolicyOnReload(rm)
		if err := reload.StartWatching(); err != nil {
			c.printWarning(fmt.Sprintf("Config hot-reload disabled: %v", err))
		} else {
			pm.RegisterShutdownHandler(func() { _ = reload.StopWatching() })
		}
		pm.RegisterReloadHandler(reload.TriggerReload)
	}

	if registry != nil {
		srv := c.serveMetrics(cfg.Metrics.Address, registry)
		pm.RegisterShutdownHandler(func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		})
	}

	c.printInfo(fmt.Sprintf("Holding %s, press Ctrl+C to release", engine.Pipeline().Name))
	pm.Start(ctx)
	<-pm.Done()
	return nil
}

func (c *CLI) serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server stopped", logger.WithError(err))
		}
	}()
	c.logger.Info("Serving metrics", logger.WithField("address", addr))
	return srv
}
