// Package budget enforces the per-operation sampling budget of a CMR run.
//
// A run may tag or recapture at most a fraction of the population in a single
// operation. The first attempt of each kind is held to the first-attempt
// fraction; once an attempt of that kind has succeeded, the cap relaxes to the
// relaxed fraction and stays there for the rest of the run.
package budget

import (
	"errors"
	"fmt"
	"math"

	"github.com/nvandessel/cmrsim/internal/constants"
)

// ErrExceeded is matched by every *ExceededError via errors.Is.
var ErrExceeded = errors.New("budget exceeded")

// Tier identifies which fraction produced a cap.
type Tier string

const (
	// TierFirstAttempt applies before any prior attempt of the same kind.
	TierFirstAttempt Tier = "first_attempt"

	// TierRelaxed applies after at least one prior attempt.
	TierRelaxed Tier = "relaxed"

	// TierUnlimited is used by experiments that bypass the policy.
	TierUnlimited Tier = "unlimited"
)

// Policy holds the two cap fractions.
type Policy struct {
	FirstFraction   float64 `json:"first_fraction" yaml:"first_fraction"`
	RelaxedFraction float64 `json:"relaxed_fraction" yaml:"relaxed_fraction"`
}

// DefaultPolicy returns the 10% / 20% policy.
func DefaultPolicy() Policy {
	return Policy{
		FirstFraction:   constants.FirstAttemptFraction,
		RelaxedFraction: constants.RelaxedFraction,
	}
}

// Validate checks that both fractions lie in (0, 1] and the policy never tightens.
func (p Policy) Validate() error {
	if p.FirstFraction <= 0 || p.FirstFraction > 1 {
		return fmt.Errorf("first_fraction must be in (0, 1], got %g", p.FirstFraction)
	}
	if p.RelaxedFraction <= 0 || p.RelaxedFraction > 1 {
		return fmt.Errorf("relaxed_fraction must be in (0, 1], got %g", p.RelaxedFraction)
	}
	if p.RelaxedFraction < p.FirstFraction {
		return fmt.Errorf("relaxed_fraction (%g) must not be below first_fraction (%g)", p.RelaxedFraction, p.FirstFraction)
	}
	return nil
}

// Cap is the largest count a single operation may request.
type Cap struct {
	Limit int  `json:"limit"`
	Tier  Tier `json:"tier"`
}

// Allows reports whether requested fits within the cap. The bound is inclusive.
func (c Cap) Allows(requested int) bool {
	return requested <= c.Limit
}

// Cap computes the cap for a population of size n. priorAttempt is true once
// an operation of the same kind has already succeeded in this run.
func (p Policy) Cap(n int, priorAttempt bool) Cap {
	if priorAttempt {
		return Cap{Limit: fractionOf(n, p.RelaxedFraction), Tier: TierRelaxed}
	}
	return Cap{Limit: fractionOf(n, p.FirstFraction), Tier: TierFirstAttempt}
}

// Unlimited returns a cap equal to the population size.
func Unlimited(n int) Cap {
	return Cap{Limit: n, Tier: TierUnlimited}
}

// fractionOf truncates toward zero, matching int(N * fraction).
func fractionOf(n int, fraction float64) int {
	if n <= 0 {
		return 0
	}
	return int(math.Floor(float64(n) * fraction))
}

// ExceededError reports a request rejected by the budget before any mutation.
type ExceededError struct {
	Op        string
	Requested int
	Cap       Cap
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: requested %d exceeds %s cap of %d", e.Op, e.Requested, e.Cap.Tier, e.Cap.Limit)
}

// Is makes errors.Is(err, ErrExceeded) true for any *ExceededError.
func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}

// Check returns an *ExceededError when requested does not fit in c.
func Check(op string, requested int, c Cap) error {
	if c.Allows(requested) {
		return nil
	}
	return &ExceededError{Op: op, Requested: requested, Cap: c}
}
