// Package cli provides the kmsctl command-line interface
package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hwcomposer/kmsatomic/pkg/config"
	"github.com/hwcomposer/kmsatomic/pkg/logger"
	"github.com/hwcomposer/kmsatomic/pkg/types"
)

// CLI is one kmsctl instance. All state lives here so commands can be
// executed repeatedly from tests.
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	logger   logger.Logger
	console  *logger.ConsoleLogger
	output   io.Writer
	errorOut io.Writer
	settings *types.Config
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	cli := &CLI{
		config:   cfg,
		output:   os.Stdout,
		errorOut: os.Stderr,
		console:  logger.NewConsoleLogger(),
		logger:   logger.NewNopLogger(),
	}

	cli.setupCommands()
	return cli
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	cli := NewCLI(cfg)
	cli.output = output
	cli.errorOut = errorOut
	cli.console = logger.NewConsoleLoggerWithOutput(output)
	cli.rootCmd.SetOut(output)
	cli.rootCmd.SetErr(errorOut)
	return cli
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

// Execute runs kmsctl with the process arguments.
func Execute(version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).Execute(os.Args[1:])
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "kmsctl",
		Short: "Drive DRM/KMS display pipelines with atomic commits",
		Long: `kmsctl inspects DRM devices and drives display pipelines through the
atomic commit engine: modesets, test-only validation and status of
running pipelines.`,

		SilenceUsage:      true,
		PersistentPreRunE: c.initializeConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("kmsctl v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newProbeCmd())
	c.rootCmd.AddCommand(c.newModesetCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newConfigCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: "+config.DefaultFileName+")")
	flags.StringVar(&c.config.DevicePath, "device", "", "DRM device path, '%' iterates card0, card1, ...")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", c.config.Verbosity, "log level (debug, info, warn, error)")
}

// initializeConfig resolves flags that may also come from the environment
// (KMSATOMIC_CONFIG, KMSATOMIC_DEVICE) and sets up logging.
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()
	for _, name := range []string{"config", "device"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	c.config.ConfigFile = v.GetString("config")
	c.config.DevicePath = v.GetString("device")

	c.settings = nil
	c.logger = c.newLogger("", c.config.Verbosity)
	return nil
}

func (c *CLI) newLogger(file, level string) logger.Logger {
	if c.errorOut == os.Stderr {
		return logger.CreateLogger(file, level)
	}
	return logger.CreateLoggerWithOutput(file, level, c.errorOut)
}

// loadSettings loads the config file, or the defaults when there is none.
// Flags win over file values.
func (c *CLI) loadSettings(cmd *cobra.Command) (*types.Config, error) {
	if c.settings != nil {
		return c.settings, nil
	}

	cfg, err := config.NewManager().LoadOrDefault(c.config.ConfigFile)
	if err != nil {
		return nil, err
	}
	if c.config.DevicePath != "" {
		cfg.Device.Path = c.config.DevicePath
	}

	level := cfg.Logging.Level
	if cmd.Flags().Changed("verbosity") {
		level = c.config.Verbosity
	}
	c.logger = c.newLogger(cfg.Logging.File, level)
	c.logger.Debug("Configuration loaded",
		logger.WithField("file", c.config.ConfigFile),
		logger.WithField("device", cfg.Device.Path))

	c.settings = cfg
	return cfg, nil
}

func (c *CLI) configPath() string {
	if c.config.ConfigFile != "" {
		return c.config.ConfigFile
	}
	return config.DefaultFileName
}

// Helper methods for console output

func (c *CLI) printSuccess(message string) {
	c.console.Success(message)
}

func (c *CLI) printInfo(message string) {
	c.console.Info(message)
}

func (c *CLI) printWarning(message string) {
	c.console.Warn(message)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
