package session

import (
	"errors"
	"fmt"

	"github.com/nvandessel/cmrsim/internal/budget"
	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/population"
)

// ErrInvalidTransition is matched by every *TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports a command issued in a phase where its precondition fails.
type TransitionError struct {
	Op     Op
	Phase  Phase
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s in %s phase: %s", e.Op, e.Phase, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidTransition) true for any *TransitionError.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Error codes exposed to transports.
const (
	CodeOK                = "ok"
	CodeInvalidSize       = "invalid_size"
	CodeInvalidCount      = "invalid_count"
	CodeBudgetExceeded    = "budget_exceeded"
	CodeUndefinedEstimate = "undefined_estimate"
	CodeInvalidTransition = "invalid_transition"
	CodeInternal          = "internal"
)

// Code maps an error from this package or its dependencies to a stable code.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, population.ErrInvalidSize):
		return CodeInvalidSize
	case errors.Is(err, population.ErrInvalidCount):
		return CodeInvalidCount
	case errors.Is(err, budget.ErrExceeded):
		return CodeBudgetExceeded
	case errors.Is(err, estimate.ErrUndefined):
		return CodeUndefinedEstimate
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	default:
		return CodeInternal
	}
}
