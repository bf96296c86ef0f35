package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvandessel/cmrsim/internal/budget"
	"github.com/nvandessel/cmrsim/internal/constants"
	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/session"
)

// Trial is the outcome of one simulated run.
type Trial struct {
	Index      int `json:"index"`
	Marked     int `json:"marked"`
	Sampled    int `json:"sampled"`
	Recaptured int `json:"recaptured"`

	// Defined is false when no tagged individual was recaptured.
	Defined      bool              `json:"defined"`
	Estimate     int               `json:"estimate,omitempty"`
	PercentError float64           `json:"percent_error,omitempty"`
	Category     estimate.Category `json:"category,omitempty"`
}

// Result captures every trial and their summary.
type Result struct {
	Scenario Scenario      `json:"scenario"`
	Trials   []Trial       `json:"trials,omitempty"`
	Stats    Stats         `json:"stats"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Runner executes scenarios on a bounded pool of goroutines.
type Runner struct {
	workers  int
	logger   *slog.Logger
	observer session.Observer
	onTrial  func(Trial)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers bounds concurrent trials. Values below one mean the default.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithLogger sets the logger used for progress messages.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithSessionObserver attaches an observer to every trial's controller.
func WithSessionObserver(o session.Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// WithTrialHook calls fn after each trial. fn may be called concurrently.
func WithTrialHook(fn func(Trial)) RunnerOption {
	return func(r *Runner) { r.onTrial = fn }
}

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		workers: constants.DefaultWorkers,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every trial of sc and returns the collected results.
// It stops early and returns ctx.Err() if ctx is cancelled.
func (r *Runner) Run(ctx context.Context, sc Scenario) (Result, error) {
	if err := sc.Validate(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	cfg := sessionConfig(sc)
	trials := make([]Trial, sc.Trials)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i := range trials {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			t, err := r.runTrial(sc, cfg, i)
			if err != nil {
				return fmt.Errorf("trial %d: %w", i, err)
			}
			trials[i] = t
			if r.onTrial != nil {
				r.onTrial(t)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{
		Scenario: sc,
		Trials:   trials,
		Stats:    Summarize(sc.Size, trials),
		Elapsed:  time.Since(start),
	}
	r.logger.Debug("experiment finished",
		"name", sc.Name,
		"trials", sc.Trials,
		"workers", r.workers,
		"undefined_rate", res.Stats.UndefinedRate,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// RunAll executes scenarios one after another, each with the full pool.
func (r *Runner) RunAll(ctx context.Context, scenarios []Scenario) ([]Result, error) {
	out := make([]Result, 0, len(scenarios))
	for _, sc := range scenarios {
		res, err := r.Run(ctx, sc)
		if err != nil {
			return out, fmt.Errorf("scenario %q: %w", sc.Name, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// runTrial drives one controller through a full run.
func (r *Runner) runTrial(sc Scenario, cfg session.Config, i int) (Trial, error) {
	opts := []session.Option{
		session.WithConfig(cfg),
		session.WithSource(rand.NewPCG(sc.Seed, uint64(i))),
		session.WithID(fmt.Sprintf("%s#%d", sc.Name, i)),
	}
	if r.observer != nil {
		opts = append(opts, session.WithObserver(r.observer))
	}
	c := session.NewController(estimate.ModeKnown, opts...)

	if err := c.Create(sc.Size); err != nil {
		return Trial{}, err
	}
	if _, err := c.Tag(sc.Tag); err != nil {
		return Trial{}, err
	}
	if _, err := c.Recapture(sc.Recapture); err != nil {
		return Trial{}, err
	}

	res, err := c.Estimate()
	t := Trial{
		Index:      i,
		Marked:     res.Marked,
		Sampled:    res.Sampled,
		Recaptured: res.Recaptured,
	}
	switch {
	case errors.Is(err, estimate.ErrUndefined):
		return t, nil
	case err != nil:
		return Trial{}, err
	}

	t.Defined = true
	t.Estimate = res.Estimate
	if res.Accuracy != nil {
		t.PercentError = res.Accuracy.PercentError
		t.Category = res.Accuracy.Category
	}
	return t, nil
}

func sessionConfig(sc Scenario) session.Config {
	cfg := session.DefaultConfig()
	cfg.Thresholds = sc.thresholds()
	if sc.Budget != nil {
		cfg.Budget = *sc.Budget
	} else {
		cfg.Budget = budget.Policy{FirstFraction: 1, RelaxedFraction: 1}
	}
	return cfg
}
