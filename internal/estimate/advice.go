package estimate

// Advice is a corrective action a presentation layer can surface after an estimate.
type Advice string

const (
	// AdviceNone means the estimate is acceptable as is.
	AdviceNone Advice = "none"

	// AdviceIncreaseMarkedOrSample asks for more tagging (M) and/or a larger
	// recapture (n). Given when m = 0 or when the population was underestimated.
	AdviceIncreaseMarkedOrSample Advice = "increase_marked_or_sample"

	// AdviceReduceUncertainty is given on overestimates, which typically come
	// from recapturing too few tagged individuals by chance.
	AdviceReduceUncertainty Advice = "reduce_uncertainty"
)

// Advise returns the advice for a classified estimate.
func Advise(acc Accuracy) Advice {
	switch acc.Category {
	case CategoryOverestimate:
		return AdviceReduceUncertainty
	case CategoryUnderestimate, CategoryFair:
		return AdviceIncreaseMarkedOrSample
	default:
		return AdviceNone
	}
}

// AdviseUndefined returns the advice for an estimate that could not be computed.
func AdviseUndefined() Advice {
	return AdviceIncreaseMarkedOrSample
}
