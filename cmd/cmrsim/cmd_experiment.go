package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/nvandessel/cmrsim/internal/experiment"
	"github.com/nvandessel/cmrsim/internal/logging"
	"github.com/nvandessel/cmrsim/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newExperimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Run a Monte Carlo experiment",
		Long: `Repeat a complete run (create, tag, recapture, estimate) many times
and summarize how the Lincoln-Petersen estimate behaves.

Trials run concurrently; each derives its random stream from the seed and
its index, so a fixed seed reproduces the same results.

Examples:
  cmrsim experiment --tag 100 --recapture 100
  cmrsim experiment --size 1000 --tags 50,100,200 --recaptures 50,100,200
  cmrsim experiment --tag 100 --recapture 100 --budget --metrics-out trials.prom`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			size, _ := cmd.Flags().GetInt("size")
			tag, _ := cmd.Flags().GetInt("tag")
			recapture, _ := cmd.Flags().GetInt("recapture")
			tags, _ := cmd.Flags().GetIntSlice("tags")
			recaptures, _ := cmd.Flags().GetIntSlice("recaptures")
			trials, _ := cmd.Flags().GetInt("trials")
			workers, _ := cmd.Flags().GetInt("workers")
			seed, _ := cmd.Flags().GetUint64("seed")
			withBudget, _ := cmd.Flags().GetBool("budget")
			showTrials, _ := cmd.Flags().GetBool("trials-detail")
			metricsOut, _ := cmd.Flags().GetString("metrics-out")

			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}

			base := experiment.Scenario{
				Size:       size,
				Trials:     trials,
				Thresholds: settings.Accuracy,
			}
			if base.Size == 0 {
				base.Size = settings.Population.KnownDefault
			}
			if base.Trials == 0 {
				base.Trials = settings.Experiment.Trials
			}
			if workers == 0 {
				workers = settings.Experiment.Workers
			}
			switch {
			case cmd.Flags().Changed("seed"):
				base.Seed = seed
			case settings.Population.Seed != nil:
				base.Seed = *settings.Population.Seed
			default:
				base.Seed = rand.Uint64()
			}
			if withBudget {
				policy := settings.Budget
				base.Budget = &policy
			}

			if len(tags) == 0 {
				tags = []int{tag}
			}
			if len(recaptures) == 0 {
				recaptures = []int{recapture}
			}
			scenarios := experiment.Grid(base, tags, recaptures)

			reg := prometheus.NewRegistry()
			collector := metrics.NewCollector(reg, settings.Accuracy)
			runner := experiment.NewRunner(
				experiment.WithWorkers(workers),
				experiment.WithLogger(logging.NewLogger(settings.Logging.Level, cmd.ErrOrStderr())),
				experiment.WithSessionObserver(collector),
				experiment.WithTrialHook(func(t experiment.Trial) {
					collector.TrialDone(t.Defined)
				}),
			)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			results, err := runner.RunAll(ctx, scenarios)
			if err != nil {
				return fmt.Errorf("experiment failed: %w", err)
			}

			if metricsOut != "" {
				if err := prometheus.WriteToTextfile(metricsOut, reg); err != nil {
					return fmt.Errorf("failed to write metrics: %w", err)
				}
			}

			if !showTrials {
				for i := range results {
					results[i].Trials = nil
				}
			}
			if jsonOut {
				return writeJSON(cmd, map[string]any{
					"seed":    base.Seed,
					"workers": workers,
					"results": results,
				})
			}
			printExperiment(cmd.OutOrStdout(), base, results)
			return nil
		},
	}

	cmd.Flags().Int("size", 0, "Population size N (default from config)")
	cmd.Flags().Int("tag", 0, "Individuals tagged per trial (M)")
	cmd.Flags().Int("recapture", 0, "Recapture sample size per trial (n)")
	cmd.Flags().IntSlice("tags", nil, "Tag counts to sweep (overrides --tag)")
	cmd.Flags().IntSlice("recaptures", nil, "Recapture sizes to sweep (overrides --recapture)")
	cmd.Flags().Int("trials", 0, "Trials per scenario (default from config)")
	cmd.Flags().Int("workers", 0, "Concurrent trials (default from config)")
	cmd.Flags().Uint64("seed", 0, "Random seed (default from config, else random)")
	cmd.Flags().Bool("budget", false, "Enforce the configured sampling budget on each trial")
	cmd.Flags().Bool("trials-detail", false, "Include every trial in JSON output")
	cmd.Flags().String("metrics-out", "", "Write Prometheus metrics of the run to this file")

	return cmd
}

func printExperiment(out io.Writer, base experiment.Scenario, results []experiment.Result) {
	fmt.Fprintf(out, "Population N = %d, %d trials per scenario, seed %d\n\n", base.Size, base.Trials, base.Seed)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "M\tn\tUNDEFINED\tMEDIAN\tMEAN\tREL BIAS\tMEAN ERR%\tCLOSE")
	for _, r := range results {
		s := r.Stats
		fmt.Fprintf(w, "%d\t%d\t%.1f%%\t%.0f\t%.1f\t%+.2f%%\t%.1f\t%.1f%%\n",
			r.Scenario.Tag, r.Scenario.Recapture,
			s.UndefinedRate*100, s.Median, s.Mean, s.RelativeBias*100,
			s.MeanPercentError, s.CloseRate*100)
	}
	w.Flush()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
