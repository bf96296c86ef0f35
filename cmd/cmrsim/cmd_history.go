package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/session"
	"github.com/nvandessel/cmrsim/internal/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded estimates",
		Long: `List estimates recorded in .cmrsim/cmrsim.db, newest first, followed
by a summary over every matching run.

The true size of the current hidden run is withheld until it is revealed:
its rows are listed without N or accuracy, and it is left out of the
summary and of exports.

Examples:
  cmrsim history                       # Last 20 estimates
  cmrsim history --mode hidden         # Hidden-mode estimates only
  cmrsim history --export runs.jsonl   # Write matching runs as JSONL
  cmrsim history --import runs.jsonl   # Append runs from JSONL`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			jsonOut, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")
			mode, _ := cmd.Flags().GetString("mode")
			sessionID, _ := cmd.Flags().GetString("session")
			exportPath, _ := cmd.Flags().GetString("export")
			importPath, _ := cmd.Flags().GetString("import")

			if mode != "" {
				if _, err := estimate.ParseMode(mode); err != nil {
					return err
				}
			}
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative, got %d", limit)
			}
			if exportPath != "" && importPath != "" {
				return fmt.Errorf("--export and --import cannot be combined")
			}

			runs, err := store.NewSQLiteRunStore(root)
			if err != nil {
				return fmt.Errorf("failed to open run history: %w", err)
			}
			defer runs.Close()

			ctx := context.Background()
			filter := store.RunFilter{SessionID: sessionID, Mode: mode, Limit: limit}

			if importPath != "" {
				return importHistory(ctx, cmd, runs, importPath)
			}

			// The current hidden run stays out of exports and aggregates
			// until it is revealed; listed rows are redacted instead.
			hidden := unrevealedSession(store.LocalPath(root))
			withheld := filter
			if hidden != "" {
				withheld.ExcludeSessions = []string{hidden}
			}

			if exportPath != "" {
				withheld.Limit = 0
				return exportHistory(ctx, cmd, runs, exportPath, withheld)
			}

			records, err := runs.List(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			summary, err := runs.Summary(ctx, withheld)
			if err != nil {
				return fmt.Errorf("failed to summarize runs: %w", err)
			}

			if hidden != "" {
				for i := range records {
					if records[i].SessionID == hidden {
						redactRecord(&records[i])
					}
				}
			}

			if jsonOut {
				return writeJSON(cmd, map[string]any{
					"runs":    records,
					"count":   len(records),
					"summary": summary,
				})
			}
			printHistory(cmd.OutOrStdout(), records, summary)
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum runs to list (0 for all)")
	cmd.Flags().String("mode", "", "Only runs of this mode: known or hidden")
	cmd.Flags().String("session", "", "Only runs of this session")
	cmd.Flags().String("export", "", "Write matching runs to this JSONL file")
	cmd.Flags().String("import", "", "Append runs from this JSONL file")

	return cmd
}

// unrevealedSession returns the id of the persisted run when its size is
// still hidden, or "".
func unrevealedSession(dir string) string {
	if _, err := os.Stat(session.StateFilePath(dir)); err != nil {
		return ""
	}
	ctrl, err := session.LoadState(dir)
	if err != nil {
		return ""
	}
	if snap := ctrl.Snapshot(); snap.SizeHidden {
		return snap.SessionID
	}
	return ""
}

func redactRecord(r *store.RunRecord) {
	r.TrueSize = 0
	r.Category = ""
	r.PercentError = 0
}

func exportHistory(ctx context.Context, cmd *cobra.Command, runs store.RunStore, path string, filter store.RunFilter) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	n, err := store.ExportJSONL(ctx, runs, f, filter)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to export runs: %w", err)
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return writeJSON(cmd, map[string]any{"exported": n, "path": path})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d runs to %s\n", n, path)
	return nil
}

func importHistory(ctx context.Context, cmd *cobra.Command, runs store.RunStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	n, err := store.ImportJSONL(ctx, runs, f)
	if err != nil {
		return fmt.Errorf("import stopped after %d runs: %w", n, err)
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return writeJSON(cmd, map[string]any{"imported": n, "path": path})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d runs from %s\n", n, path)
	return nil
}

func printHistory(out io.Writer, records []store.RunRecord, summary store.Summary) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No recorded estimates.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tMODE\tN\tM\tn\tm\tESTIMATE\tRESULT")
	for _, r := range records {
		trueSize := "hidden"
		if r.TrueSize > 0 {
			trueSize = fmt.Sprintf("%d", r.TrueSize)
		}
		est, result := "-", "undefined"
		if r.Defined {
			est = fmt.Sprintf("%d", r.Estimate)
			result = "-"
			if r.Category != "" {
				result = fmt.Sprintf("%s (%.1f%%)", r.Category, r.PercentError)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime), r.Mode, trueSize,
			r.Marked, r.Sampled, r.Recaptured, est, result)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d runs, %d undefined, mean error %.1f%%\n", summary.Runs, summary.Undefined, summary.MeanPercentError)
	categories := make([]string, 0, len(summary.Categories))
	for c := range summary.Categories {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		fmt.Fprintf(out, "  %-14s %d\n", c+":", summary.Categories[c])
	}
}
