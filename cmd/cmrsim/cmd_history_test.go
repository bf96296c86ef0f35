package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvandessel/cmrsim/internal/session"
	"github.com/nvandessel/cmrsim/internal/store"
)

type historyOutput struct {
	Runs    []store.RunRecord `json:"runs"`
	Count   int               `json:"count"`
	Summary store.Summary     `json:"summary"`
}

// runEstimate drives a complete run in root and reports whether the
// estimate was defined.
func runEstimate(t *testing.T, root string, args ...string) bool {
	t.Helper()
	mustRunCLI(t, append([]string{"new", "--root", root}, args...)...)
	mustRunCLI(t, "tag", "100", "--root", root)
	var rec session.RecaptureResult
	decodeJSON(t, mustRunCLI(t, "recapture", "100", "--root", root, "--json"), &rec)
	_, err := runCLI(t, "estimate", "--root", root)
	return err == nil
}

func TestHistoryCmd_Empty(t *testing.T) {
	root := setupCLI(t)

	out := mustRunCLI(t, "history", "--root", root)
	if !strings.Contains(out, "No recorded estimates") {
		t.Errorf("history output = %q", out)
	}
}

func TestHistoryCmd_ListsEstimates(t *testing.T) {
	root := setupCLI(t)
	runEstimate(t, root, "--size", "1000")
	runEstimate(t, root, "--size", "2000")

	var got historyOutput
	decodeJSON(t, mustRunCLI(t, "history", "--root", root, "--json"), &got)
	if got.Count != 2 || got.Summary.Runs != 2 {
		t.Fatalf("count = %d, summary runs = %d, want 2", got.Count, got.Summary.Runs)
	}
	if got.Runs[0].TrueSize != 2000 {
		t.Errorf("newest run true size = %d, want 2000", got.Runs[0].TrueSize)
	}

	decodeJSON(t, mustRunCLI(t, "history", "--limit", "1", "--root", root, "--json"), &got)
	if got.Count != 1 || got.Summary.Runs != 2 {
		t.Errorf("limit 1: count = %d, summary runs = %d", got.Count, got.Summary.Runs)
	}

	decodeJSON(t, mustRunCLI(t, "history", "--mode", "hidden", "--root", root, "--json"), &got)
	if got.Count != 0 {
		t.Errorf("hidden filter count = %d, want 0", got.Count)
	}

	out := mustRunCLI(t, "history", "--root", root)
	if !strings.Contains(out, "2 runs") || !strings.Contains(out, "known") {
		t.Errorf("history output = %q", out)
	}
}

func TestHistoryCmd_RedactsUnrevealedRun(t *testing.T) {
	root := setupCLI(t)
	t.Setenv("CMRSIM_HIDDEN_MIN", "1000")
	t.Setenv("CMRSIM_HIDDEN_MAX", "1000")

	if !runEstimate(t, root, "--mode", "hidden") {
		t.Skip("seed produced m = 0; nothing to reveal")
	}

	var got historyOutput
	decodeJSON(t, mustRunCLI(t, "history", "--root", root, "--json"), &got)
	if got.Count != 1 {
		t.Fatalf("count = %d, want 1", got.Count)
	}
	if r := got.Runs[0]; r.TrueSize != 0 || r.Category != "" {
		t.Errorf("unrevealed run leaks the true size: %+v", r)
	}

	mustRunCLI(t, "reveal", "--root", root)

	decodeJSON(t, mustRunCLI(t, "history", "--root", root, "--json"), &got)
	if r := got.Runs[0]; r.TrueSize != 1000 || r.Category == "" {
		t.Errorf("revealed run = %+v", r)
	}
}

func TestHistoryCmd_WithholdsUnrevealedRunFromSummaryAndExport(t *testing.T) {
	root := setupCLI(t)
	runEstimate(t, root, "--size", "1000")

	t.Setenv("CMRSIM_HIDDEN_MIN", "1500")
	t.Setenv("CMRSIM_HIDDEN_MAX", "1500")
	defined := runEstimate(t, root, "--mode", "hidden")

	var got historyOutput
	decodeJSON(t, mustRunCLI(t, "history", "--root", root, "--json"), &got)
	if got.Count != 2 {
		t.Fatalf("count = %d, want both runs listed", got.Count)
	}
	if got.Summary.Runs != 1 {
		t.Errorf("summary runs = %d, want only the known run", got.Summary.Runs)
	}
	for c := range got.Summary.Categories {
		switch c {
		case "excellent", "good", "fair":
			t.Errorf("summary counts hidden category %q before reveal", c)
		}
	}

	var hiddenSummary historyOutput
	decodeJSON(t, mustRunCLI(t, "history", "--mode", "hidden", "--root", root, "--json"), &hiddenSummary)
	if s := hiddenSummary.Summary; s.Runs != 0 || s.MeanPercentError != 0 || len(s.Categories) != 0 {
		t.Errorf("hidden-only summary before reveal = %+v", s)
	}

	path := filepath.Join(t.TempDir(), "runs.jsonl")
	out := mustRunCLI(t, "history", "--export", path, "--root", root)
	if !strings.Contains(out, "Exported 1 runs") {
		t.Errorf("export output = %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"mode":"hidden"`) || strings.Contains(string(data), `"true_size":1500`) {
		t.Errorf("export leaks the unrevealed run:\n%s", data)
	}

	if !defined {
		return
	}
	mustRunCLI(t, "reveal", "--root", root)

	decodeJSON(t, mustRunCLI(t, "history", "--root", root, "--json"), &got)
	if got.Summary.Runs != 2 {
		t.Errorf("summary runs after reveal = %d, want 2", got.Summary.Runs)
	}
	mustRunCLI(t, "history", "--export", path, "--root", root)
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"true_size":1500`) {
		t.Errorf("export after reveal is missing the hidden run:\n%s", data)
	}
}

func TestHistoryCmd_ExportImport(t *testing.T) {
	root := setupCLI(t)
	runEstimate(t, root, "--size", "1000")
	runEstimate(t, root, "--size", "3000")

	path := filepath.Join(t.TempDir(), "runs.jsonl")
	out := mustRunCLI(t, "history", "--export", path, "--root", root)
	if !strings.Contains(out, "Exported 2 runs") {
		t.Errorf("export output = %q", out)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("export has %d lines, want 2", lines)
	}

	other := filepath.Join(filepath.Dir(root), "other")
	if err := os.MkdirAll(other, 0755); err != nil {
		t.Fatal(err)
	}
	out = mustRunCLI(t, "history", "--import", path, "--root", other)
	if !strings.Contains(out, "Imported 2 runs") {
		t.Errorf("import output = %q", out)
	}

	var got historyOutput
	decodeJSON(t, mustRunCLI(t, "history", "--root", other, "--json"), &got)
	if got.Count != 2 {
		t.Fatalf("imported count = %d, want 2", got.Count)
	}
	if got.Runs[0].TrueSize != 3000 || got.Runs[1].TrueSize != 1000 {
		t.Errorf("imported order = %d, %d, want 3000, 1000", got.Runs[0].TrueSize, got.Runs[1].TrueSize)
	}
}

func TestHistoryCmd_Validation(t *testing.T) {
	root := setupCLI(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"bad mode", []string{"--mode", "secret"}, "invalid mode"},
		{"negative limit", []string{"--limit", "-1"}, "--limit"},
		{"export and import", []string{"--export", "a.jsonl", "--import", "b.jsonl"}, "cannot be combined"},
		{"missing import file", []string{"--import", filepath.Join(root, "missing.jsonl")}, "failed to open import file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, append([]string{"history", "--root", root}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
