package logging

import (
	"context"
	"log/slog"

	"github.com/nvandessel/cmrsim/internal/session"
)

// SessionObserver reports session commands to a slog.Logger and, when set,
// to a DecisionLogger. Rejected commands log at info, successful ones at debug.
type SessionObserver struct {
	logger    *slog.Logger
	decisions *DecisionLogger
}

// NewSessionObserver creates an observer. Both arguments may be nil.
func NewSessionObserver(logger *slog.Logger, decisions *DecisionLogger) *SessionObserver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SessionObserver{logger: logger, decisions: decisions}
}

// Observe implements session.Observer.
func (o *SessionObserver) Observe(ev session.Event) {
	s := ev.Snapshot
	attrs := []slog.Attr{
		slog.String("session_id", ev.SessionID),
		slog.String("op", string(ev.Op)),
		slog.String("outcome", ev.Outcome()),
		slog.String("phase", string(s.Phase)),
		slog.Int("marked", s.Marked),
		slog.Int("sampled", s.Sampled),
		slog.Int("recaptured", s.Recaptured),
	}
	if ev.Requested > 0 {
		attrs = append(attrs, slog.Int("requested", ev.Requested))
	}

	level := slog.LevelDebug
	if ev.Err != nil {
		level = slog.LevelInfo
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	o.logger.LogAttrs(context.Background(), level, "session command", attrs...)

	if o.decisions == nil {
		return
	}
	entry := map[string]any{
		"event":      "session_" + string(ev.Op),
		"session_id": ev.SessionID,
		"mode":       string(ev.Mode),
		"outcome":    ev.Outcome(),
		"phase":      string(s.Phase),
		"marked":     s.Marked,
		"sampled":    s.Sampled,
		"recaptured": s.Recaptured,
	}
	if ev.Requested > 0 {
		entry["requested"] = ev.Requested
	}
	if ev.Err != nil {
		entry["error"] = ev.Err.Error()
	}
	if ev.Result != nil && ev.Err == nil {
		entry["estimate"] = ev.Result.Estimate
		entry["advice"] = string(ev.Result.Advice)
	}
	if o.decisions.Trace() && ev.Op == session.OpRecapture && s.LastSample != nil {
		entry["catch"] = s.LastSample.Catch
	}
	o.decisions.Log(entry)
}
