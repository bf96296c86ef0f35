// Package session drives a single capture-mark-recapture run through its
// phases: setup, tagging and recaptured.
//
// A Controller owns one population, one random stream and the run counters
// (M, n, m). Every command checks its precondition and the sampling budget
// before mutating anything, so a rejected command leaves the run untouched.
// Sessions never share state; a Registry isolates many of them in one process.
//
// All public methods are safe for concurrent use.
package session

import (
	"fmt"

	"github.com/nvandessel/cmrsim/internal/budget"
	"github.com/nvandessel/cmrsim/internal/constants"
	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/population"
)

// Phase is a state of the run state machine.
//
//	setup      -> tagging     (create)
//	tagging    -> tagging     (tag)
//	tagging    -> recaptured  (recapture, requires M > 0)
//	recaptured -> recaptured  (tag, recapture, estimate, reveal)
//	any        -> setup       (reset)
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseTagging    Phase = "tagging"
	PhaseRecaptured Phase = "recaptured"
)

// Config holds the per-run policy. It is fixed when a run is created and
// persisted with it.
type Config struct {
	// Budget caps each tag and recapture operation.
	Budget budget.Policy `json:"budget"`

	// HiddenMin and HiddenMax bound the random population size (inclusive).
	HiddenMin int `json:"hidden_min"`
	HiddenMax int `json:"hidden_max"`

	// Thresholds band accuracy for both modes.
	Thresholds estimate.Thresholds `json:"thresholds"`
}

// DefaultConfig returns the 10%/20% budget, a [500, 3000] hidden range and
// the default accuracy thresholds.
func DefaultConfig() Config {
	return Config{
		Budget:     budget.DefaultPolicy(),
		HiddenMin:  constants.HiddenMinSize,
		HiddenMax:  constants.HiddenMaxSize,
		Thresholds: estimate.DefaultThresholds(),
	}
}

// Validate checks the policy, the hidden range and the thresholds.
func (c Config) Validate() error {
	if err := c.Budget.Validate(); err != nil {
		return err
	}
	if c.HiddenMin <= 0 || c.HiddenMax < c.HiddenMin {
		return fmt.Errorf("hidden range must satisfy 0 < min <= max, got [%d, %d]", c.HiddenMin, c.HiddenMax)
	}
	return c.Thresholds.Validate()
}

// Snapshot is a read model of the run, safe to retain.
type Snapshot struct {
	SessionID string        `json:"session_id"`
	Mode      estimate.Mode `json:"mode"`
	Phase     Phase         `json:"phase"`

	// Size is the true N. It is zero while SizeHidden is true.
	Size       int  `json:"size,omitempty"`
	SizeHidden bool `json:"size_hidden"`

	Marked     int `json:"marked"`     // M
	Sampled    int `json:"sampled"`    // n
	Recaptured int `json:"recaptured"` // m

	TagAttempts       int `json:"tag_attempts"`
	RecaptureAttempts int `json:"recapture_attempts"`

	// SampleStale is set when tagging happened after the last recapture.
	SampleStale bool `json:"sample_stale"`
	Estimated   bool `json:"estimated"`
	Revealed    bool `json:"revealed"`

	// Caps for the next operation of each kind. Nil in setup.
	NextTagCap       *budget.Cap `json:"next_tag_cap,omitempty"`
	NextRecaptureCap *budget.Cap `json:"next_recapture_cap,omitempty"`

	LastSample *population.Sample `json:"last_sample,omitempty"`
}

// TagResult reports a successful tag operation.
type TagResult struct {
	Requested int        `json:"requested"`
	Tagged    int        `json:"tagged"`
	Marked    int        `json:"marked"`
	Cap       budget.Cap `json:"cap"`
}

// RecaptureResult reports a successful recapture.
type RecaptureResult struct {
	population.Sample
	Requested   int        `json:"requested"`
	TotalMarked int        `json:"total_marked"`
	Cap         budget.Cap `json:"cap"`
}

// Result is the outcome of Estimate.
type Result struct {
	Estimate    int                  `json:"estimate"`
	Marked      int                  `json:"marked"`
	Sampled     int                  `json:"sampled"`
	Recaptured  int                  `json:"recaptured"`
	Proportions estimate.Proportions `json:"proportions"`
	// Accuracy is set in known mode, and in hidden mode once N is revealed.
	Accuracy *estimate.Accuracy `json:"accuracy,omitempty"`
	Advice   estimate.Advice    `json:"advice"`
}

// Revelation is returned by Reveal.
type Revelation struct {
	Size     int               `json:"size"`
	Estimate int               `json:"estimate"`
	Accuracy estimate.Accuracy `json:"accuracy"`
	Advice   estimate.Advice   `json:"advice"`
}
