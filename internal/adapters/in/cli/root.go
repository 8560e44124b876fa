// Package cli implements the command line adapter for gantry.
// This package provides Cobra commands that delegate to the orchestrator.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bnema/gantry/internal/adapters/out/docker"
	"github.com/bnema/gantry/internal/config"
	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/pkg/engine"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// EngineFactory connects to the container engine described by cfg.
type EngineFactory func(cfg *config.Config) (engine.Engine, error)

// app carries what every command needs once flags and config are resolved.
type app struct {
	cfgFile  string
	logLevel string

	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	newEngine EngineFactory
}

// NewRootCmd creates the root command for the gantry CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(dockerEngine)
}

func newRootCmd(newEngine EngineFactory) *cobra.Command {
	a := &app{newEngine: newEngine}

	rootCmd := &cobra.Command{
		Use:   "gantry",
		Short: "gantry - ephemeral container environments for tests",
		Long: `gantry provisions containers and networks for automated test suites,
blocks until every resource is ready, and guarantees their removal even
when the process that created them dies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./gantry.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newUpCmd(a))
	rootCmd.AddCommand(newDownCmd(a))
	rootCmd.AddCommand(newReaperCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// init loads the configuration and installs the logger on the command context.
func (a *app) init(cmd *cobra.Command) error {
	viper.Reset()
	if err := config.Init(a.cfgFile); err != nil {
		return err
	}
	if a.logLevel != "" {
		viper.Set("logging.level", a.logLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug().Str("file", used).Msg("using config file")
	}

	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logger.WithContext(ctx))
	return nil
}

func dockerEngine(cfg *config.Config) (engine.Engine, error) {
	return docker.New(docker.Options{
		Host:         cfg.Docker.Host,
		HostOverride: cfg.Docker.HostOverride,
	})
}

// closeEngine releases engine clients that hold connections.
func closeEngine(eng engine.Engine) {
	if c, ok := eng.(io.Closer); ok {
		_ = c.Close()
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "gantry %s\n", Version)
			fmt.Fprintf(out, "Commit: %s\n", Commit)
			fmt.Fprintf(out, "Build Date: %s\n", BuildDate)
		},
	}
}

// SetVersionInfo sets the version information for the CLI.
func SetVersionInfo(version, commit, date string) {
	Version = version
	Commit = commit
	BuildDate = date
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
