// Package estimate computes the Lincoln-Petersen population estimate and
// classifies its accuracy against the true population size.
//
// The estimator rests on the identity M/N = m/n: the proportion of tagged
// individuals in the recapture sample matches their proportion in the whole
// population, assuming uniform mixing and no attrition between captures.
package estimate

import (
	"errors"
	"fmt"
)

var (
	// ErrUndefined is returned when no tagged individual was recaptured (m = 0).
	// It is an expected outcome, not a numeric failure: the caller should
	// increase M or n and try again.
	ErrUndefined = errors.New("estimate undefined: no tagged individuals recaptured")

	// ErrInvalidCounts is returned when M, n, m cannot come from a real run.
	ErrInvalidCounts = errors.New("invalid capture counts")
)

// LincolnPetersen returns floor(M*n/m).
func LincolnPetersen(marked, sampled, recaptured int) (int, error) {
	if err := validateCounts(marked, sampled, recaptured); err != nil {
		return 0, err
	}
	if recaptured == 0 {
		return 0, ErrUndefined
	}
	return marked * sampled / recaptured, nil
}

func validateCounts(marked, sampled, recaptured int) error {
	switch {
	case marked < 0 || sampled < 0 || recaptured < 0:
		return fmt.Errorf("%w: counts must be non-negative (M=%d, n=%d, m=%d)", ErrInvalidCounts, marked, sampled, recaptured)
	case recaptured > sampled:
		return fmt.Errorf("%w: m=%d exceeds n=%d", ErrInvalidCounts, recaptured, sampled)
	case recaptured > marked:
		return fmt.Errorf("%w: m=%d exceeds M=%d", ErrInvalidCounts, recaptured, marked)
	}
	return nil
}

// Proportions holds the tagged fraction of the population and of the sample.
// Under the estimator's assumptions Observed approximates Theoretical.
type Proportions struct {
	// Theoretical is p = M/N. Zero when N is unknown to the caller.
	Theoretical float64 `json:"theoretical,omitempty"`
	// Observed is p' = m/n.
	Observed float64 `json:"observed"`
}

// ComputeProportions returns p = M/N and p' = m/n. A zero N or n yields a
// zero proportion for that side.
func ComputeProportions(marked, size, sampled, recaptured int) Proportions {
	var p Proportions
	if size > 0 {
		p.Theoretical = float64(marked) / float64(size)
	}
	if sampled > 0 {
		p.Observed = float64(recaptured) / float64(sampled)
	}
	return p
}
