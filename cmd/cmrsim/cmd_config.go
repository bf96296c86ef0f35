package main

import (
	"fmt"

	"github.com/nvandessel/cmrsim/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show cmrsim configuration",
		Long: `Print the effective configuration: defaults, then the config file,
then CMRSIM_* environment variables.

The config file is ~/.cmrsim/config.yaml unless --config is given. The
output of this command is a valid config file.

Examples:
  cmrsim config                            # Effective settings as YAML
  cmrsim config --json                     # Effective settings as JSON
  cmrsim config path                       # Where the default file lives
  cmrsim config > ~/.cmrsim/config.yaml    # Start a config file`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, settings)
			}

			data, err := settings.Marshal()
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the default config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.DefaultPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
