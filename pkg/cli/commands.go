package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hwcomposer/kmsatomic/internal/drm"
	"github.com/hwcomposer/kmsatomic/pkg/config"
	"github.com/hwcomposer/kmsatomic/pkg/kms"
	"github.com/hwcomposer/kmsatomic/pkg/logger"
	"github.com/hwcomposer/kmsatomic/pkg/state"
)

func (c *CLI) newProbeCmd() *cobra.Command {
	var (
		crtc      uint32
		connector uint32
		planes    []uint
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Print property ids and modes of DRM objects",
		Long: `Open the configured DRM devices and print the property ids the commit
engine would resolve for the given CRTC, connector and planes, followed by
the connector's mode list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runProbe(cmd, kms.ObjectID(crtc), kms.ObjectID(connector), toObjectIDs(planes))
		},
	}

	cmd.Flags().Uint32Var(&crtc, "crtc", 0, "CRTC object id")
	cmd.Flags().Uint32Var(&connector, "connector", 0, "connector object id")
	cmd.Flags().UintSliceVar(&planes, "planes", nil, "plane object ids")

	return cmd
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show status of pipelines held by kmsctl processes",
		Long:  `Display the state, active mode and commit counters of every pipeline that wrote a status file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus(cmd)
		},
	}
}

func (c *CLI) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the kmsctl configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath()
			if len(args) == 1 {
				path = args[0]
			}
			return c.runConfigInit(path, force)
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath()
			if len(args) == 1 {
				path = args[0]
			}
			return c.runConfigValidate(path)
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kmsctl",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "kmsctl v%s\n", c.config.Version)
		},
	}
}

// Implementation functions

func toObjectIDs(ids []uint) []kms.ObjectID {
	out := make([]kms.ObjectID, 0, len(ids))
	for _, id := range ids {
		out = append(out, kms.ObjectID(id))
	}
	return out
}

func (c *CLI) openDevices(cmd *cobra.Command) (*drm.ResourceManager, error) {
	cfg, err := c.loadSettings(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var opts []drm.ResourceManagerOption
	if c.config.OpenCard != nil {
		opts = append(opts, drm.WithCardOpener(c.config.OpenCard))
	}
	rm := drm.NewResourceManager(cfg, c.logger, opts...)
	if err := rm.Init(); err != nil {
		return nil, err
	}
	return rm, nil
}

func (c *CLI) runProbe(cmd *cobra.Command, crtc, connector kms.ObjectID, planes []kms.ObjectID) error {
	if crtc == 0 && connector == 0 && len(planes) == 0 {
		return errors.New("nothing to probe: pass --crtc, --connector or --planes")
	}

	rm, err := c.openDevices(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := rm.DeInit(cmd.Context()); err != nil {
			c.logger.Warn("Failed to close devices", logger.WithError(err))
		}
	}()

	type object struct {
		kind string
		id   kms.ObjectID
		typ  kms.ObjectType
	}
	var objects []object
	if crtc != 0 {
		objects = append(objects, object{"crtc", crtc, kms.ObjectCRTC})
	}
	if connector != 0 {
		objects = append(objects, object{"connector", connector, kms.ObjectConnector})
	}
	for _, id := range planes {
		objects = append(objects, object{"plane", id, kms.ObjectPlane})
	}

	for _, card := range rm.Cards() {
		c.printInfo(fmt.Sprintf("Device %s", card.Path()))

		w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "OBJECT\tID\tPROPERTY\tPROP ID")
		fmt.Fprintln(w, "------\t--\t--------\t-------")
		for _, obj := range objects {
			props, err := card.ObjectProperties(obj.id, obj.typ)
			if err != nil {
				fmt.Fprintf(w, "%s\t%d\t%s\t-\n", obj.kind, obj.id, color.RedString(err.Error()))
				continue
			}
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", obj.kind, obj.id, name, props[name])
			}
		}
		w.Flush()

		if connector == 0 {
			continue
		}
		modes, err := card.ConnectorModes(connector)
		if err != nil {
			c.printWarning(fmt.Sprintf("No modes for connector %d: %v", connector, err))
			continue
		}
		fmt.Fprintln(c.output)
		w = tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tMODE\tSIZE\tCLOCK")
		fmt.Fprintln(w, "-----\t----\t----\t-----")
		for i, m := range modes {
			fmt.Fprintf(w, "%d\t%s\t%dx%d\t%d\n", i, m.String(), m.HDisplay, m.VDisplay, m.Clock)
		}
		w.Flush()
	}
	return nil
}

func (c *CLI) runStatus(cmd *cobra.Command) error {
	cfg, err := c.loadSettings(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sm := state.NewManager(cfg.State.Dir, time.Duration(cfg.State.HeartbeatSeconds)*time.Second, c.logger)
	states, err := sm.DiscoverStates()
	if err != nil {
		return fmt.Errorf("failed to discover states: %w", err)
	}
	if len(states) == 0 {
		c.printInfo("No pipelines found in " + cfg.State.Dir)
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PIPELINE\tSTATE\tMODE\tPLANES\tCOMMITS\tFAILURES\tRECOVERIES\tPID")
	fmt.Fprintln(w, "--------\t-----\t----\t------\t-------\t--------\t----------\t---")

	for _, name := range state.SortedNames(states) {
		st := states[name]

		status := st.State
		if status != state.StateStopped && !sm.IsAlive(st) {
			status = "STALE"
		}
		statusColor := color.WhiteString(status)
		switch status {
		case drm.StateActiveOnly.String(), drm.StateStagedPending.String():
			statusColor = color.GreenString(status)
		case "STALE":
			statusColor = color.RedString(status)
		case state.StateStopped:
			statusColor = color.YellowString(status)
		}

		mode := st.Mode
		if mode == "" || !st.Active {
			mode = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			st.Pipeline,
			statusColor,
			mode,
			len(st.Planes),
			st.Commits,
			st.Failures,
			st.Recoveries,
			st.ProcessID,
		)
	}

	return w.Flush()
}

func (c *CLI) runConfigInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	mgr := config.NewManager()
	if err := mgr.SaveConfig(path, mgr.GetDefaultConfig()); err != nil {
		return err
	}
	c.printSuccess("Wrote " + path)
	return nil
}

func (c *CLI) runConfigValidate(path string) error {
	cfg, err := config.NewManager().LoadConfig(path)
	if err != nil {
		return fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	c.printSuccess(fmt.Sprintf("%s is valid (device %s, fence wait %s, ctm %s)",
		path, cfg.Device.Path, cfg.Commit.FenceWaitPolicy, cfg.Commit.CtmHandling))
	return nil
}
