package estimate

import (
	"fmt"

	"github.com/nvandessel/cmrsim/internal/constants"
)

// Mode selects how the true population size is handled and how accuracy is banded.
type Mode string

const (
	// ModeKnown shows the true N throughout the run.
	ModeKnown Mode = "known"
	// ModeHidden withholds N until it is explicitly revealed.
	ModeHidden Mode = "hidden"
)

// ParseMode maps a user-supplied string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeKnown, ModeHidden:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode: %q (valid: known, hidden)", s)
	}
}

// Category is the accuracy class of an estimate.
type Category string

// Known-N categories.
const (
	CategoryClose         Category = "close"
	CategoryOverestimate  Category = "overestimate"
	CategoryUnderestimate Category = "underestimate"
)

// Hidden-N bands.
const (
	CategoryExcellent Category = "excellent"
	CategoryGood      Category = "good"
	CategoryFair      Category = "fair"
)

// Thresholds are percent-error boundaries. Close is inclusive: an error of
// exactly 5% is still "close". The hidden bands are strict, so an error of
// exactly Excellent falls into "good" and exactly Good into "fair".
type Thresholds struct {
	Close     float64 `json:"close_pct" yaml:"close_pct"`
	Excellent float64 `json:"excellent_pct" yaml:"excellent_pct"`
	Good      float64 `json:"good_pct" yaml:"good_pct"`
}

// DefaultThresholds returns 5% for known-N and 10% / 25% for hidden-N.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Close:     constants.CloseThresholdPct,
		Excellent: constants.ExcellentThresholdPct,
		Good:      constants.GoodThresholdPct,
	}
}

// Validate checks the thresholds are positive and ordered.
func (t Thresholds) Validate() error {
	if t.Close <= 0 {
		return fmt.Errorf("close_pct must be positive, got %g", t.Close)
	}
	if t.Excellent <= 0 || t.Good <= t.Excellent {
		return fmt.Errorf("hidden bands must satisfy 0 < excellent_pct < good_pct, got %g and %g", t.Excellent, t.Good)
	}
	return nil
}

// Accuracy compares an estimate to the true population size.
type Accuracy struct {
	Category      Category `json:"category"`
	AbsoluteError int      `json:"absolute_error"`
	// SignedError is estimate minus true N.
	SignedError  int     `json:"signed_error"`
	PercentError float64 `json:"percent_error"`
}

// Classify computes the error of est against trueN and assigns the category
// for mode.
func Classify(mode Mode, est, trueN int, th Thresholds) (Accuracy, error) {
	if trueN <= 0 {
		return Accuracy{}, fmt.Errorf("%w: true population size must be positive, got %d", ErrInvalidCounts, trueN)
	}
	signed := est - trueN
	abs := signed
	if abs < 0 {
		abs = -abs
	}
	acc := Accuracy{
		AbsoluteError: abs,
		SignedError:   signed,
		PercentError:  float64(abs) / float64(trueN) * 100,
	}

	switch mode {
	case ModeKnown:
		switch {
		case within(abs, trueN, th.Close):
			acc.Category = CategoryClose
		case signed > 0:
			acc.Category = CategoryOverestimate
		default:
			acc.Category = CategoryUnderestimate
		}
	case ModeHidden:
		switch {
		case below(abs, trueN, th.Excellent):
			acc.Category = CategoryExcellent
		case below(abs, trueN, th.Good):
			acc.Category = CategoryGood
		default:
			acc.Category = CategoryFair
		}
	default:
		return Accuracy{}, fmt.Errorf("invalid mode: %q", mode)
	}
	return acc, nil
}

// within reports abs/trueN*100 <= pct without dividing, so that errors that
// land exactly on a boundary are not pushed over it by rounding.
func within(abs, trueN int, pct float64) bool {
	return float64(abs)*100 <= pct*float64(trueN)
}

// below is the strict form of within.
func below(abs, trueN int, pct float64) bool {
	return float64(abs)*100 < pct*float64(trueN)
}
