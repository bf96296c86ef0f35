package experiment

import (
	"errors"
	"fmt"

	"github.com/nvandessel/cmrsim/internal/budget"
	"github.com/nvandessel/cmrsim/internal/constants"
	"github.com/nvandessel/cmrsim/internal/estimate"
)

// ErrInvalidScenario is returned for scenarios that cannot run.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario defines a complete Monte Carlo experiment.
type Scenario struct {
	Name string `json:"name,omitempty"`

	Size      int `json:"size"`      // N
	Tag       int `json:"tag"`       // M requested in a single tag operation
	Recapture int `json:"recapture"` // n requested in a single recapture

	Trials int    `json:"trials"`
	Seed   uint64 `json:"seed"`

	// Budget, when non-nil, enforces the sampling budget on every trial.
	// Nil lets a single operation touch the whole population.
	Budget *budget.Policy `json:"budget,omitempty"`

	// Thresholds classify each estimate. Zero means the defaults.
	Thresholds estimate.Thresholds `json:"thresholds"`
}

// Validate checks the scenario before any trial runs.
func (s Scenario) Validate() error {
	switch {
	case s.Size <= 0:
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidScenario, s.Size)
	case s.Tag < 1 || s.Tag > s.Size:
		return fmt.Errorf("%w: tag must be in [1, %d], got %d", ErrInvalidScenario, s.Size, s.Tag)
	case s.Recapture < 1 || s.Recapture > s.Size:
		return fmt.Errorf("%w: recapture must be in [1, %d], got %d", ErrInvalidScenario, s.Size, s.Recapture)
	case s.Trials < 1 || s.Trials > constants.MaxTrials:
		return fmt.Errorf("%w: trials must be in [1, %d], got %d", ErrInvalidScenario, constants.MaxTrials, s.Trials)
	}
	if s.Budget != nil {
		if err := s.Budget.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		// Both operations are first attempts in a trial.
		c := s.Budget.Cap(s.Size, false)
		if err := budget.Check("tag", s.Tag, c); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
		}
		if err := budget.Check("recapture", s.Recapture, c); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
		}
	}
	return nil
}

func (s Scenario) thresholds() estimate.Thresholds {
	if s.Thresholds == (estimate.Thresholds{}) {
		return estimate.DefaultThresholds()
	}
	return s.Thresholds
}

// Grid returns one scenario per (tag, recapture) pair, copying everything
// else from base. Names are derived from the counts.
func Grid(base Scenario, tags, recaptures []int) []Scenario {
	out := make([]Scenario, 0, len(tags)*len(recaptures))
	for _, m := range tags {
		for _, n := range recaptures {
			s := base
			s.Tag = m
			s.Recapture = n
			s.Name = fmt.Sprintf("N=%d M=%d n=%d", base.Size, m, n)
			out = append(out, s)
		}
	}
	return out
}
