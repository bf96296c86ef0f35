package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nvandessel/cmrsim/internal/config"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cmrsim",
		Short: "Capture-mark-recapture population estimation simulator",
		Long: `cmrsim simulates capture-mark-recapture studies.

A run creates a population, tags part of it, recaptures a sample and
estimates the population size with the Lincoln-Petersen estimator
(N = M*n/m). In hidden mode the true size stays secret until revealed.

Each session command resumes the run stored in <root>/.cmrsim/.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("root", ".", "Project root directory")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.cmrsim/config.yaml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		// Session commands
		newNewCmd(),
		newTagCmd(),
		newRecaptureCmd(),
		newEstimateCmd(),
		newRevealCmd(),
		newResetCmd(),
		newStatusCmd(),
		// Batch and service commands
		newExperimentCmd(),
		newHistoryCmd(),
		newMCPServerCmd(),
		newConfigCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return writeJSON(cmd, map[string]string{"version": version})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cmrsim version %s\n", version)
			return nil
		},
	}
}

// loadSettings loads the file named by --config, or the default one.
func loadSettings(cmd *cobra.Command) (*config.CmrsimConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	settings, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return settings, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
