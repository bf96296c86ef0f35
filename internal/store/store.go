// Package store defines the RunStore interface for recording and querying
// the history of estimates produced by simulation runs.
package store

import (
	"context"
	"slices"
	"time"
)

// RunRecord is one estimate attempt, defined or not.
type RunRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"` // "known" or "hidden"
	CreatedAt time.Time `json:"created_at"`

	// TrueSize is N. Recorded for hidden runs too; history is read after the fact.
	TrueSize   int `json:"true_size"`
	Marked     int `json:"marked"`     // M
	Sampled    int `json:"sampled"`    // n
	Recaptured int `json:"recaptured"` // m

	// Defined is false when m = 0. Estimate, Category and PercentError are
	// then zero values.
	Defined      bool    `json:"defined"`
	Estimate     int     `json:"estimate,omitempty"`
	Category     string  `json:"category,omitempty"`
	PercentError float64 `json:"percent_error,omitempty"`
	Advice       string  `json:"advice"`
}

// RunFilter narrows List and Summary. Zero fields match everything.
type RunFilter struct {
	SessionID string
	Mode      string
	// ExcludeSessions drops every record of these sessions.
	ExcludeSessions []string
	// Limit caps the number of records returned, newest first. Zero means no limit.
	Limit int
}

func (f RunFilter) matches(r RunRecord) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Mode != "" && r.Mode != f.Mode {
		return false
	}
	return !slices.Contains(f.ExcludeSessions, r.SessionID)
}

// Summary aggregates the recorded history.
type Summary struct {
	Runs             int            `json:"runs"`
	Undefined        int            `json:"undefined"`
	MeanPercentError float64        `json:"mean_percent_error"`
	Categories       map[string]int `json:"categories"`
}

// RunStore defines the interface for storing and querying run history.
type RunStore interface {
	// Record appends r and returns its assigned id.
	Record(ctx context.Context, r RunRecord) (int64, error)

	// List returns matching records, newest first.
	List(ctx context.Context, filter RunFilter) ([]RunRecord, error)

	// Summary aggregates every record matching filter. Limit is ignored.
	Summary(ctx context.Context, filter RunFilter) (Summary, error)

	Close() error
}

// summarize folds records into a Summary.
func summarize(records []RunRecord) Summary {
	s := Summary{Categories: make(map[string]int)}
	var totalErr float64
	for _, r := range records {
		s.Runs++
		if !r.Defined {
			s.Undefined++
			continue
		}
		totalErr += r.PercentError
		s.Categories[r.Category]++
	}
	if defined := s.Runs - s.Undefined; defined > 0 {
		s.MeanPercentError = totalErr / float64(defined)
	}
	return s
}
