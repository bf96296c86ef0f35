package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/session"
)

// Recorder is a session.Observer that appends every estimate attempt to a
// RunStore. Hidden-mode runs are classified against the true N so that the
// history stays comparable across modes.
type Recorder struct {
	store      RunStore
	thresholds estimate.Thresholds
	logger     *slog.Logger
	timeout    time.Duration
}

// NewRecorder creates a Recorder. A nil logger discards write failures.
func NewRecorder(s RunStore, th estimate.Thresholds, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{store: s, thresholds: th, logger: logger, timeout: 5 * time.Second}
}

// Observe implements session.Observer.
func (r *Recorder) Observe(ev session.Event) {
	rec, ok := recordFromEvent(ev, r.thresholds)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.store.Record(ctx, rec); err != nil {
		r.logger.Warn("failed to record run", "session_id", ev.SessionID, "error", err)
	}
}

// recordFromEvent converts an estimate event. Other events, and estimates
// rejected before computing (wrong phase), yield false.
func recordFromEvent(ev session.Event, th estimate.Thresholds) (RunRecord, bool) {
	if ev.Op != session.OpEstimate || ev.Result == nil {
		return RunRecord{}, false
	}
	if ev.Err != nil && !errors.Is(ev.Err, estimate.ErrUndefined) {
		return RunRecord{}, false
	}

	res := ev.Result
	rec := RunRecord{
		SessionID:  ev.SessionID,
		Mode:       string(ev.Mode),
		CreatedAt:  ev.Time,
		TrueSize:   ev.TrueSize,
		Marked:     res.Marked,
		Sampled:    res.Sampled,
		Recaptured: res.Recaptured,
		Advice:     string(res.Advice),
	}
	if ev.Err != nil {
		return rec, true
	}

	rec.Defined = true
	rec.Estimate = res.Estimate
	acc := res.Accuracy
	if acc == nil {
		a, err := estimate.Classify(ev.Mode, res.Estimate, ev.TrueSize, th)
		if err != nil {
			return rec, true
		}
		acc = &a
	}
	rec.Category = string(acc.Category)
	rec.PercentError = acc.PercentError
	return rec, true
}
