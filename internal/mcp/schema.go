package mcp

import (
	"github.com/nvandessel/cmrsim/internal/budget"
	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/store"
)

// CmrNewInput defines the input for cmr_new tool.
type CmrNewInput struct {
	Mode      string `json:"mode,omitempty" jsonschema:"Run mode: 'known' shows the population size, 'hidden' withholds it until revealed (default: known)"`
	Size      int    `json:"size,omitempty" jsonschema:"Population size for known mode (default from config). Not allowed in hidden mode"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Reuse a session that was reset instead of opening a new one"`
}

// CmrNewOutput defines the output for cmr_new tool.
type CmrNewOutput struct {
	SessionID  string     `json:"session_id" jsonschema:"ID to pass to every other session tool"`
	Mode       string     `json:"mode" jsonschema:"Run mode"`
	Size       int        `json:"size,omitempty" jsonschema:"True population size (known mode only)"`
	SizeHidden bool       `json:"size_hidden" jsonschema:"Whether the population size is withheld"`
	TagCap     budget.Cap `json:"tag_cap" jsonschema:"Largest count the first tag call may request"`
	Message    string     `json:"message" jsonschema:"Human-readable result message"`
}

// CmrSessionInput is the input of tools that only need a session.
type CmrSessionInput struct {
	SessionID string `json:"session_id" jsonschema:"Session ID returned by cmr_new"`
}

// CmrCountInput is the input of cmr_tag and cmr_recapture.
type CmrCountInput struct {
	SessionID string `json:"session_id" jsonschema:"Session ID returned by cmr_new"`
	Count     int    `json:"count" jsonschema:"Number of individuals to tag or draw (at least 1, at most the current cap)"`
}

// CmrTagOutput defines the output for cmr_tag tool.
type CmrTagOutput struct {
	SessionID   string     `json:"session_id"`
	Tagged      int        `json:"tagged" jsonschema:"Individuals newly tagged by this call"`
	Marked      int        `json:"marked" jsonschema:"Total tagged individuals M"`
	Cap         budget.Cap `json:"cap" jsonschema:"Cap that applied to this call"`
	NextCap     budget.Cap `json:"next_cap" jsonschema:"Cap for the next tag call"`
	SampleStale bool       `json:"sample_stale" jsonschema:"Whether the last recapture predates this tagging"`
	Message     string     `json:"message" jsonschema:"Human-readable result message"`
}

// CmrRecaptureOutput defines the output for cmr_recapture tool.
type CmrRecaptureOutput struct {
	SessionID   string     `json:"session_id"`
	Sampled     int        `json:"sampled" jsonschema:"Sample size n"`
	Recaptured  int        `json:"recaptured" jsonschema:"Tagged individuals in the sample m"`
	Unmarked    int        `json:"unmarked" jsonschema:"Untagged individuals in the sample"`
	TotalMarked int        `json:"total_marked" jsonschema:"Total tagged individuals M"`
	Cap         budget.Cap `json:"cap" jsonschema:"Cap that applied to this call"`
	Message     string     `json:"message" jsonschema:"Human-readable result message"`
}

// CmrEstimateOutput defines the output for cmr_estimate tool.
type CmrEstimateOutput struct {
	SessionID   string               `json:"session_id"`
	Estimate    int                  `json:"estimate" jsonschema:"Lincoln-Petersen estimate floor(M*n/m)"`
	Marked      int                  `json:"marked"`
	Sampled     int                  `json:"sampled"`
	Recaptured  int                  `json:"recaptured"`
	Proportions estimate.Proportions `json:"proportions" jsonschema:"Tagged proportion of the population (known mode) and of the sample"`
	Accuracy    *estimate.Accuracy   `json:"accuracy,omitempty" jsonschema:"Error against the true size, when the size is visible"`
	Advice      string               `json:"advice" jsonschema:"Corrective advice: none, increase_marked_or_sample or reduce_uncertainty"`
	Message     string               `json:"message" jsonschema:"Human-readable result message"`
}

// CmrRevealOutput defines the output for cmr_reveal tool.
type CmrRevealOutput struct {
	SessionID    string  `json:"session_id"`
	Size         int     `json:"size" jsonschema:"True population size"`
	Estimate     int     `json:"estimate" jsonschema:"Most recent estimate"`
	Category     string  `json:"category" jsonschema:"Accuracy band: excellent, good or fair"`
	PercentError float64 `json:"percent_error"`
	Advice       string  `json:"advice"`
	Message      string  `json:"message" jsonschema:"Human-readable result message"`
}

// CmrResetOutput defines the output for cmr_reset tool.
type CmrResetOutput struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
}

// CmrStatusOutput defines the output for cmr_status tool.
type CmrStatusOutput struct {
	SessionID         string      `json:"session_id"`
	Mode              string      `json:"mode"`
	Phase             string      `json:"phase" jsonschema:"setup, tagging or recaptured"`
	Size              int         `json:"size,omitempty" jsonschema:"True population size, when visible"`
	SizeHidden        bool        `json:"size_hidden"`
	Marked            int         `json:"marked"`
	Sampled           int         `json:"sampled"`
	Recaptured        int         `json:"recaptured"`
	TagAttempts       int         `json:"tag_attempts"`
	RecaptureAttempts int         `json:"recapture_attempts"`
	SampleStale       bool        `json:"sample_stale"`
	Estimated         bool        `json:"estimated"`
	Revealed          bool        `json:"revealed"`
	NextTagCap        *budget.Cap `json:"next_tag_cap,omitempty"`
	NextRecaptureCap  *budget.Cap `json:"next_recapture_cap,omitempty"`
	OpenSessions      int         `json:"open_sessions"`
}

// CmrCloseOutput defines the output for cmr_close tool.
type CmrCloseOutput struct {
	SessionID    string `json:"session_id"`
	OpenSessions int    `json:"open_sessions"`
	Message      string `json:"message"`
}

// CmrHistoryInput defines the input for cmr_history tool.
type CmrHistoryInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Only runs of this session"`
	Mode      string `json:"mode,omitempty" jsonschema:"Only runs of this mode: known or hidden"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of runs, newest first (default: 20)"`
}

// CmrHistoryOutput defines the output for cmr_history tool.
type CmrHistoryOutput struct {
	Runs    []RunListItem `json:"runs" jsonschema:"Recorded estimates, newest first"`
	Count   int           `json:"count"`
	Summary store.Summary `json:"summary" jsonschema:"Aggregate over every matching run, ignoring limit. Unrevealed hidden sessions are left out"`
}

// RunListItem provides a list view of a recorded estimate.
type RunListItem struct {
	ID           int64   `json:"id"`
	SessionID    string  `json:"session_id"`
	Mode         string  `json:"mode"`
	CreatedAt    string  `json:"created_at"`
	TrueSize     int     `json:"true_size"`
	Marked       int     `json:"marked"`
	Sampled      int     `json:"sampled"`
	Recaptured   int     `json:"recaptured"`
	Defined      bool    `json:"defined"`
	Estimate     int     `json:"estimate,omitempty"`
	Category     string  `json:"category,omitempty"`
	PercentError float64 `json:"percent_error,omitempty"`
	Advice       string  `json:"advice"`
}
