package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/nvandessel/cmrsim/internal/config"
	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/logging"
	"github.com/nvandessel/cmrsim/internal/session"
	"github.com/nvandessel/cmrsim/internal/store"
	"github.com/spf13/cobra"
)

// sessionEnv is the run stored under <root>/.cmrsim together with the
// observers that record what each command does to it.
type sessionEnv struct {
	dir       string
	settings  *config.CmrsimConfig
	logger    *slog.Logger
	decisions *logging.DecisionLogger
	runs      store.RunStore
	observers session.Observers
	ctrl      *session.Controller
}

// openSessionEnv loads the configuration, opens the history store and
// resumes the persisted run. Without a state file the controller is a fresh
// known-mode run in setup phase.
func openSessionEnv(cmd *cobra.Command) (*sessionEnv, error) {
	root, _ := cmd.Flags().GetString("root")

	settings, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	dir, err := store.EnsureLocalDir(root)
	if err != nil {
		return nil, err
	}

	env := &sessionEnv{
		dir:      dir,
		settings: settings,
		logger:   logging.NewLogger(settings.Logging.Level, cmd.ErrOrStderr()),
	}
	env.decisions = logging.NewDecisionLogger(dir, settings.Logging.Level)
	env.observers = session.Observers{logging.NewSessionObserver(env.logger, env.decisions)}

	if settings.History.Enabled {
		runs, err := store.NewSQLiteRunStore(root)
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		env.runs = runs
		env.observers = append(env.observers, store.NewRecorder(runs, settings.Accuracy, env.logger))
	}

	ctrl, err := session.LoadState(dir, env.options()...)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	env.ctrl = ctrl
	return env, nil
}

// options builds controller options from the configuration. A persisted run
// overrides the config and the random source.
func (e *sessionEnv) options() []session.Option {
	opts := []session.Option{
		session.WithConfig(e.settings.SessionConfig()),
		session.WithObserver(e.observers),
	}
	if seed := e.settings.Population.Seed; seed != nil {
		opts = append(opts, session.WithSeed(*seed, 0))
	}
	return opts
}

// hasState reports whether a run was persisted before this command.
func (e *sessionEnv) hasState() bool {
	_, err := os.Stat(session.StateFilePath(e.dir))
	return err == nil
}

func (e *sessionEnv) save() error {
	if err := session.SaveState(e.ctrl, e.dir); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (e *sessionEnv) Close() {
	if e.runs != nil {
		if err := e.runs.Close(); err != nil {
			e.logger.Warn("failed to close run history", "error", err)
		}
	}
	e.decisions.Close()
}

// parseCount reads the COUNT argument of tag and recapture.
func parseCount(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q: must be a whole number", arg)
	}
	return n, nil
}

func adviceText(a estimate.Advice) string {
	switch a {
	case estimate.AdviceIncreaseMarkedOrSample:
		return "Tag more individuals or draw a larger recapture sample."
	case estimate.AdviceReduceUncertainty:
		return "Recapture more individuals to reduce the uncertainty of the estimate."
	default:
		return "No correction needed."
	}
}

func newNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a run with a new population",
		Long: `Create a new population and start tagging.

Any run stored in the project is replaced.

Examples:
  cmrsim new                      # Known mode, default size
  cmrsim new --size 2000          # Known mode, 2000 individuals
  cmrsim new --mode hidden        # Size drawn at random and kept secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			modeFlag, _ := cmd.Flags().GetString("mode")
			size, _ := cmd.Flags().GetInt("size")

			mode, err := estimate.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			if mode == estimate.ModeHidden && cmd.Flags().Changed("size") {
				return fmt.Errorf("--size cannot be used in hidden mode")
			}

			env, err := openSessionEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			ctrl := session.NewController(mode, env.options()...)
			if mode == estimate.ModeKnown {
				if size == 0 {
					size = env.settings.Population.KnownDefault
				}
				if err := env.settings.CheckKnownSize(size); err != nil {
					return fmt.Errorf("invalid size: %w", err)
				}
				err = ctrl.Create(size)
			} else {
				err = ctrl.CreateRandom()
			}
			if err != nil {
				return err
			}

			env.ctrl = ctrl
			if err := env.save(); err != nil {
				return err
			}

			snap := ctrl.Snapshot()
			if jsonOut {
				return writeJSON(cmd, snap)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Started %s-mode run %s\n", snap.Mode, snap.SessionID)
			if snap.SizeHidden {
				cfg := ctrl.Config()
				fmt.Fprintf(out, "Population: hidden (between %d and %d individuals)\n", cfg.HiddenMin, cfg.HiddenMax)
			} else {
				fmt.Fprintf(out, "Population: %d individuals\n", snap.Size)
			}
			if snap.NextTagCap != nil {
				fmt.Fprintf(out, "Tag up to %d individuals to begin: cmrsim tag COUNT\n", snap.NextTagCap.Limit)
			}
			return nil
		},
	}

	cmd.Flags().String("mode", string(estimate.ModeKnown), "Run mode: known or hidden")
	cmd.Flags().Int("size", 0, "Population size in known mode (default from config)")

	return cmd
}

func newTagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag COUNT",
		Short: "Tag untagged individuals",
		Long: `Tag up to COUNT untagged individuals chosen at random.

The first tag call may touch at most the first-attempt share of the
population; later calls may touch the relaxed share.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			count, err := parseCount(args[0])
			if err != nil {
				return err
			}

			env, err := openSessionEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			res, err := env.ctrl.Tag(count)
			if err != nil {
				return err
			}
			if err := env.save(); err != nil {
				return err
			}

			snap := env.ctrl.Snapshot()
			if jsonOut {
				return writeJSON(cmd, map[string]any{
					"result":   res,
					"snapshot": snap,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tagged %d individuals (M = %d)\n", res.Tagged, res.Marked)
			if res.Tagged < res.Requested {
				fmt.Fprintln(out, "Every individual is now tagged.")
			}
			if snap.SampleStale {
				fmt.Fprintln(out, "The last recapture predates this tagging; recapture again before estimating.")
			}
			return nil
		},
	}
}

func newRecaptureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recapture COUNT",
		Short: "Draw a recapture sample",
		Long: `Draw COUNT individuals at random from the whole population and count
how many of them are tagged. The sample replaces any earlier one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			count, err := parseCount(args[0])
			if err != nil {
				return err
			}

			env, err := openSessionEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			res, err := env.ctrl.Recapture(count)
			if err != nil {
				return err
			}
			if err := env.save(); err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recaptured %d individuals: %d tagged, %d untagged (M = %d)\n",
				res.Size, res.Marked, res.Unmarked(), res.TotalMarked)
			return nil
		},
	}
}

func newEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the population size",
		Long: `Compute the Lincoln-Petersen estimate floor(M*n/m) from the tagged
count M, the sample size n and the tagged individuals in the sample m.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			env, err := openSessionEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			res, err := env.ctrl.Estimate()
			if errors.Is(err, estimate.ErrUndefined) {
				return fmt.Errorf("%w (M = %d, n = %d). %s", err, res.Marked, res.Sampled, adviceText(res.Advice))
			}
			if err != nil {
				return err
			}
			if err := env.save(); err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, res)
			}
			printEstimate(cmd.OutOrStdout(), env.ctrl.Mode(), res)
			return nil
		},
	}
}

func printEstimate(out io.Writer, mode estimate.Mode, res session.Result) {
	fmt.Fprintf(out, "Estimated population: %d\n", res.Estimate)
	fmt.Fprintf(out, "  M = %d tagged, n = %d sampled, m = %d recaptured\n", res.Marked, res.Sampled, res.Recaptured)
	if mode == estimate.ModeKnown {
		fmt.Fprintf(out, "  Tagged share: population p = %.4f, sample p' = %.4f\n", res.Proportions.Theoretical, res.Proportions.Observed)
	} else {
		fmt.Fprintf(out, "  Tagged share of sample p' = %.4f\n", res.Proportions.Observed)
	}
	if res.Accuracy != nil {
		fmt.Fprintf(out, "Accuracy: %s (%.1f%% error)\n", res.Accuracy.Category, res.Accuracy.PercentError)
		fmt.Fprintln(out, adviceText(res.Advice))
	} else {
		fmt.Fprintln(out, "The true size is hidden. Run 'cmrsim reveal' to compare.")
	}
}

func newRevealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reveal",
		Short: "Reveal the true size of a hidden population",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			env, err := openSessionEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			rev, err := env.ctrl.Reveal()
			if err != nil {
				return err
			}
			if err := env.save(); err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, rev)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "True population: %d\n", rev.Size)
			fmt.Fprintf(out, "Your estimate: %d (%s, %.1f%% error)\n", rev.Estimate, rev.Accuracy.Category, rev.Accuracy.PercentError)
			fmt.Fprintln(out, adviceText(rev.Advice))
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard the population and return to setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			env, err := openSessionEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			env.ctrl.Reset()
			if err := env.save(); err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, env.ctrl.Snapshot())
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Run reset. Start a new population with 'cmrsim new'.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			env, err := openSessionEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			if !env.hasState() {
				if jsonOut {
					return writeJSON(cmd, map[string]any{"active": false})
				}
				fmt.Fprintln(cmd.OutOrStdout(), "No run yet. Start one with 'cmrsim new'.")
				return nil
			}

			snap := env.ctrl.Snapshot()
			if jsonOut {
				return writeJSON(cmd, snap)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s (%s mode, %s phase)\n", snap.SessionID, snap.Mode, snap.Phase)
			if snap.Phase == session.PhaseSetup {
				fmt.Fprintln(out, "No population. Start one with 'cmrsim new'.")
				return nil
			}
			if snap.SizeHidden {
				fmt.Fprintln(out, "  Population:  hidden")
			} else {
				fmt.Fprintf(out, "  Population:  %d\n", snap.Size)
			}
			fmt.Fprintf(out, "  Tagged (M):  %d after %d tag calls\n", snap.Marked, snap.TagAttempts)
			if snap.RecaptureAttempts > 0 {
				fmt.Fprintf(out, "  Sample:      n = %d, m = %d after %d recaptures\n", snap.Sampled, snap.Recaptured, snap.RecaptureAttempts)
			}
			if snap.NextTagCap != nil {
				fmt.Fprintf(out, "  Next tag:    up to %d (%s)\n", snap.NextTagCap.Limit, snap.NextTagCap.Tier)
			}
			if snap.NextRecaptureCap != nil {
				fmt.Fprintf(out, "  Next sample: up to %d (%s)\n", snap.NextRecaptureCap.Limit, snap.NextRecaptureCap.Tier)
			}
			if snap.SampleStale {
				fmt.Fprintln(out, "  The sample predates the latest tagging; recapture before estimating.")
			}
			return nil
		},
	}
}
