package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-lcfs/pkg/app"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults, the config file and LCFS_*
environment variables have been applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format := outputFormat
		if format == app.FormatTable {
			format = app.FormatYAML
		}
		return app.Write(cmd.OutOrStdout(), format, cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
