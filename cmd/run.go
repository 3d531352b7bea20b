package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-lcfs/pkg/app"
	"github.com/deploymenttheory/go-lcfs/pkg/app/script"
	"github.com/deploymenttheory/go-lcfs/pkg/services"
)

var (
	continueOnError bool
	showStats       bool
	runTimeout      time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [script]",
	Short: "Run a script of layer and file operations",
	Long: `Run a YAML script of layer and file operations against a fresh pool.

The pool is created on the configured device and, when a store path is
configured, every layer superblock is persisted there on exit.

Example script:
  name: image build
  steps:
    - {op: create, layer: base}
    - {op: write, layer: base, path: /etc/hosts, data: 127.0.0.1}
    - {op: umount, layer: base}
    - {op: create, layer: web, parent: base, rw: true}
    - {op: read, layer: web, path: /etc/hosts, want: 127.0.0.1}
    - {op: delete, layer: base}
    - {op: read, layer: web, path: /etc/hosts, want: 127.0.0.1}
    - {op: delete, layer: base, expect: NOT_FOUND}

Examples:
  # Run a script with verbose output
  lcfs run build.yaml -v

  # Keep going after failed steps and print results as JSON
  lcfs run build.yaml --continue-on-error -o json

  # Give up on a script that runs longer than a minute
  lcfs run build.yaml --timeout 1m`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScript(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "run every step even after a failure")
	runCmd.Flags().BoolVar(&showStats, "stats", false, "print layer stats when stat steps run")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "abort the script after this long (default 10m)")
}

func runScript(cmd *cobra.Command, path string) (err error) {
	ctx := newContext(cmd)

	// Load the script
	s, err := script.Load(afero.NewOsFs(), path)
	if err != nil {
		return err
	}
	if continueOnError {
		s.ContinueOnError = true
	}

	// Bring up the pool
	factory := services.NewServiceFactory(cfg)
	if err := factory.Initialize(ctx); err != nil {
		return app.WrapError("failed to initialize pool", err)
	}
	defer func() {
		if serr := factory.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			err = errors.Join(err, app.WrapError("failed to shut down pool", serr))
		}
	}()

	layers, err := factory.LayerService()
	if err != nil {
		return err
	}
	files, err := factory.FileService()
	if err != nil {
		return err
	}
	if showStats {
		services.SetStatsOutput(layers, cmd.ErrOrStderr())
	}

	sctx, cancel := ctx.WithTimeout(runTimeout)
	defer cancel()
	response, err := script.Handle(sctx, layers, files, &script.Request{ScriptPath: path, Script: s})
	if err != nil {
		return err
	}

	if !ctx.Quiet {
		if err := script.FormatOutput(ctx.Out, response, ctx.OutputFormat); err != nil {
			return err
		}
	}
	if response.Failed > 0 {
		return fmt.Errorf("%d of %d steps failed", response.Failed, len(response.Results))
	}
	return nil
}
