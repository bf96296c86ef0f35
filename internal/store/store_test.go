package store

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/session"
)

func newStores(t *testing.T) map[string]RunStore {
	t.Helper()
	sqliteStore, err := NewSQLiteRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteRunStore() error = %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]RunStore{
		"memory": NewInMemoryRunStore(),
		"sqlite": sqliteStore,
	}
}

func sampleRecords() []RunRecord {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []RunRecord{
		{SessionID: "a", Mode: "known", CreatedAt: base, TrueSize: 1000, Marked: 100, Sampled: 100, Recaptured: 10,
			Defined: true, Estimate: 1000, Category: "close", PercentError: 0, Advice: "none"},
		{SessionID: "a", Mode: "known", CreatedAt: base.Add(time.Minute), TrueSize: 1000, Marked: 50, Sampled: 50, Recaptured: 0,
			Advice: "increase_marked_or_sample"},
		{SessionID: "b", Mode: "hidden", CreatedAt: base.Add(2 * time.Minute), TrueSize: 2000, Marked: 200, Sampled: 200, Recaptured: 16,
			Defined: true, Estimate: 2480, Category: "good", PercentError: 24, Advice: "none"},
		{SessionID: "b", Mode: "hidden", CreatedAt: base.Add(3 * time.Minute), TrueSize: 2000, Marked: 200, Sampled: 200, Recaptured: 20,
			Defined: true, Estimate: 2000, Category: "excellent", PercentError: 0, Advice: "none"},
	}
}

func TestRunStore_RecordAndList(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, r := range sampleRecords() {
				if _, err := s.Record(ctx, r); err != nil {
					t.Fatalf("Record() error = %v", err)
				}
			}

			all, err := s.List(ctx, RunFilter{})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(all) != 4 {
				t.Fatalf("List() returned %d records, want 4", len(all))
			}
			if all[0].Estimate != 2000 || all[0].SessionID != "b" {
				t.Errorf("newest record = %+v, want session b estimate 2000", all[0])
			}
			if all[0].ID <= all[1].ID {
				t.Errorf("ids not descending: %d, %d", all[0].ID, all[1].ID)
			}
			if !all[0].CreatedAt.Equal(sampleRecords()[3].CreatedAt) {
				t.Errorf("CreatedAt = %v, want %v", all[0].CreatedAt, sampleRecords()[3].CreatedAt)
			}

			undefined := all[2]
			if undefined.Defined || undefined.Estimate != 0 || undefined.Category != "" {
				t.Errorf("undefined record = %+v", undefined)
			}
			if undefined.Advice != "increase_marked_or_sample" {
				t.Errorf("undefined advice = %q", undefined.Advice)
			}

			onlyA, err := s.List(ctx, RunFilter{SessionID: "a"})
			if err != nil {
				t.Fatal(err)
			}
			if len(onlyA) != 2 {
				t.Errorf("List(session a) = %d records, want 2", len(onlyA))
			}

			limited, err := s.List(ctx, RunFilter{Mode: "hidden", Limit: 1})
			if err != nil {
				t.Fatal(err)
			}
			if len(limited) != 1 || limited[0].Category != "excellent" {
				t.Errorf("List(hidden, limit 1) = %+v", limited)
			}
		})
	}
}

func TestRunStore_Summary(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, r := range sampleRecords() {
				if _, err := s.Record(ctx, r); err != nil {
					t.Fatal(err)
				}
			}

			sum, err := s.Summary(ctx, RunFilter{})
			if err != nil {
				t.Fatalf("Summary() error = %v", err)
			}
			if sum.Runs != 4 || sum.Undefined != 1 {
				t.Errorf("Runs = %d Undefined = %d, want 4 and 1", sum.Runs, sum.Undefined)
			}
			if math.Abs(sum.MeanPercentError-8) > 1e-9 {
				t.Errorf("MeanPercentError = %v, want 8", sum.MeanPercentError)
			}
			want := map[string]int{"close": 1, "good": 1, "excellent": 1}
			for k, v := range want {
				if sum.Categories[k] != v {
					t.Errorf("Categories[%s] = %d, want %d", k, sum.Categories[k], v)
				}
			}
			if len(sum.Categories) != len(want) {
				t.Errorf("Categories = %v", sum.Categories)
			}

			hidden, err := s.Summary(ctx, RunFilter{Mode: "hidden"})
			if err != nil {
				t.Fatal(err)
			}
			if hidden.Runs != 2 || hidden.Undefined != 0 || hidden.MeanPercentError != 12 {
				t.Errorf("hidden summary = %+v", hidden)
			}
		})
	}
}

func TestRunStore_ExcludeSessions(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, r := range sampleRecords() {
				if _, err := s.Record(ctx, r); err != nil {
					t.Fatal(err)
				}
			}

			filter := RunFilter{ExcludeSessions: []string{"b"}}
			got, err := s.List(ctx, filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("List(exclude b) = %d records, want 2", len(got))
			}
			for _, r := range got {
				if r.SessionID == "b" {
					t.Errorf("excluded session listed: %+v", r)
				}
			}

			sum, err := s.Summary(ctx, filter)
			if err != nil {
				t.Fatalf("Summary() error = %v", err)
			}
			if sum.Runs != 2 || sum.Undefined != 1 || sum.MeanPercentError != 0 {
				t.Errorf("summary without b = %+v", sum)
			}
			if sum.Categories["good"] != 0 || sum.Categories["excellent"] != 0 {
				t.Errorf("excluded categories counted: %v", sum.Categories)
			}

			both, err := s.List(ctx, RunFilter{Mode: "known", ExcludeSessions: []string{"a", "b"}})
			if err != nil {
				t.Fatal(err)
			}
			if len(both) != 0 {
				t.Errorf("List(known, exclude a and b) = %+v", both)
			}
		})
	}
}

func TestRunStore_EmptySummary(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			sum, err := s.Summary(context.Background(), RunFilter{})
			if err != nil {
				t.Fatalf("Summary() error = %v", err)
			}
			if sum.Runs != 0 || sum.MeanPercentError != 0 || len(sum.Categories) != 0 {
				t.Errorf("empty summary = %+v", sum)
			}
		})
	}
}

func TestNewSQLiteRunStore_CreatesDatabase(t *testing.T) {
	root := t.TempDir()
	s, err := NewSQLiteRunStore(root)
	if err != nil {
		t.Fatalf("NewSQLiteRunStore() error = %v", err)
	}
	defer s.Close()

	want := filepath.Join(root, ".cmrsim", "cmrsim.db")
	if s.Path() != want {
		t.Errorf("Path() = %q, want %q", s.Path(), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestSQLiteRunStore_Reopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s, err := NewSQLiteRunStore(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record(ctx, sampleRecords()[0]); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewSQLiteRunStore(root)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()
	all, err := s2.List(ctx, RunFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Estimate != 1000 {
		t.Errorf("after reopen = %+v", all)
	}
}

func TestExportImportJSONL(t *testing.T) {
	ctx := context.Background()
	src := NewInMemoryRunStore()
	for _, r := range sampleRecords() {
		if _, err := src.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	n, err := ExportJSONL(ctx, src, &buf, RunFilter{})
	if err != nil || n != 4 {
		t.Fatalf("ExportJSONL() = %d, %v", n, err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 || !strings.Contains(lines[0], `"session_id":"a"`) {
		t.Fatalf("export not oldest first: %q", lines[0])
	}

	dst := NewInMemoryRunStore()
	imported, err := ImportJSONL(ctx, dst, strings.NewReader(buf.String()+"\n"))
	if err != nil || imported != 4 {
		t.Fatalf("ImportJSONL() = %d, %v", imported, err)
	}
	sum, _ := dst.Summary(ctx, RunFilter{})
	if sum.Runs != 4 || sum.Undefined != 1 {
		t.Errorf("imported summary = %+v", sum)
	}

	if _, err := ImportJSONL(ctx, dst, strings.NewReader("{broken\n")); err == nil {
		t.Error("ImportJSONL() should fail on a malformed line")
	}
}

func TestRecorder(t *testing.T) {
	s := NewInMemoryRunStore()
	rec := NewRecorder(s, estimate.DefaultThresholds(), nil)

	c := session.NewController(estimate.ModeHidden, session.WithSeed(4, 4), session.WithObserver(rec),
		session.WithConfig(func() session.Config {
			cfg := session.DefaultConfig()
			cfg.Budget.FirstFraction, cfg.Budget.RelaxedFraction = 1, 1
			return cfg
		}()))
	if err := c.CreateRandom(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Estimate(); err == nil {
		t.Fatal("Estimate in tagging phase should fail")
	}
	if _, err := c.Tag(400); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Recapture(400); err != nil {
		t.Fatal(err)
	}
	res, err := c.Estimate()
	if err != nil {
		t.Fatal(err)
	}

	all, err := s.List(context.Background(), RunFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("recorded %d runs, want 1 (phase errors are not recorded)", len(all))
	}
	r := all[0]
	if r.SessionID != c.ID() || r.Mode != "hidden" || !r.Defined || r.Estimate != res.Estimate {
		t.Errorf("record = %+v", r)
	}
	if r.TrueSize < 500 || r.TrueSize > 3000 {
		t.Errorf("TrueSize = %d outside hidden range", r.TrueSize)
	}
	want, _ := estimate.Classify(estimate.ModeHidden, res.Estimate, r.TrueSize, estimate.DefaultThresholds())
	if r.Category != string(want.Category) {
		t.Errorf("Category = %s, want %s", r.Category, want.Category)
	}
}

func TestRecordFromEvent_Undefined(t *testing.T) {
	ev := session.Event{
		SessionID: "s",
		Op:        session.OpEstimate,
		Mode:      estimate.ModeKnown,
		Err:       estimate.ErrUndefined,
		TrueSize:  1000,
		Result:    &session.Result{Marked: 50, Sampled: 50, Advice: estimate.AdviseUndefined()},
	}
	r, ok := recordFromEvent(ev, estimate.DefaultThresholds())
	if !ok {
		t.Fatal("undefined estimate should be recorded")
	}
	if r.Defined || r.Advice != "increase_marked_or_sample" || r.Marked != 50 {
		t.Errorf("record = %+v", r)
	}

	ev.Op = session.OpTag
	if _, ok := recordFromEvent(ev, estimate.DefaultThresholds()); ok {
		t.Error("tag events should not be recorded")
	}
}
