package cmd

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-lcfs/internal/config"
	"github.com/deploymenttheory/go-lcfs/pkg/app"
)

var (
	// Global flags
	configPath   string
	verbose      bool
	quiet        bool
	outputFormat string
	logLevel     string

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "lcfs",
	Short: "Layered copy-on-write storage for container images",
	Long: `lcfs manages a pool of copy-on-write layers on a single block device.

Layers form a forest: base layers hold image content, and every child layer
shares its parent's blocks until it writes its own. Frozen layers can be
committed into new image layers and removed once no child needs them.

Commands:
  run         Run a script of layer and file operations against a pool
  inspect     Show the superblocks persisted by the last sync
  config      Show the effective configuration`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := app.ValidateFormat(outputFormat); err != nil {
			return err
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		level := cfg.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		if verbose {
			level = "debug"
		}
		if err := log.SetLevel(level); err != nil {
			return app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("invalid log level %q", level), err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default searches for lcfs-config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", app.FormatTable, "output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// newContext builds the application context from the global flags
func newContext(cmd *cobra.Command) *app.Context {
	ctx := app.NewContext()
	ctx.Context = cmd.Context()
	ctx.OutputFormat = outputFormat
	ctx.Verbose = verbose
	ctx.Quiet = quiet
	ctx.Out = cmd.OutOrStdout()
	return ctx
}
