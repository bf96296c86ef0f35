package experiment

import (
	"math"
	"slices"

	"github.com/nvandessel/cmrsim/internal/estimate"
)

// Stats summarizes the defined estimates of an experiment.
type Stats struct {
	Trials        int     `json:"trials"`
	Defined       int     `json:"defined"`
	UndefinedRate float64 `json:"undefined_rate"`

	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    int     `json:"min"`
	Max    int     `json:"max"`

	// Bias is Mean - N, RelativeBias is Bias / N.
	Bias         float64 `json:"bias"`
	RelativeBias float64 `json:"relative_bias"`

	MeanPercentError float64                   `json:"mean_percent_error"`
	CloseRate        float64                   `json:"close_rate"` // fraction of defined trials within the close threshold
	Categories       map[estimate.Category]int `json:"categories"`
}

// Summarize computes Stats over trials for a population of size n.
func Summarize(n int, trials []Trial) Stats {
	s := Stats{Trials: len(trials), Categories: make(map[estimate.Category]int)}

	ests := make([]int, 0, len(trials))
	var sum, pctSum float64
	for _, t := range trials {
		if !t.Defined {
			continue
		}
		ests = append(ests, t.Estimate)
		sum += float64(t.Estimate)
		pctSum += t.PercentError
		s.Categories[t.Category]++
	}
	s.Defined = len(ests)
	if s.Trials > 0 {
		s.UndefinedRate = float64(s.Trials-s.Defined) / float64(s.Trials)
	}
	if s.Defined == 0 {
		return s
	}

	slices.Sort(ests)
	s.Min, s.Max = ests[0], ests[len(ests)-1]
	s.Mean = sum / float64(s.Defined)
	mid := len(ests) / 2
	if len(ests)%2 == 1 {
		s.Median = float64(ests[mid])
	} else {
		s.Median = float64(ests[mid-1]+ests[mid]) / 2
	}

	var sq float64
	for _, e := range ests {
		d := float64(e) - s.Mean
		sq += d * d
	}
	if s.Defined > 1 {
		s.StdDev = math.Sqrt(sq / float64(s.Defined-1))
	}

	if n > 0 {
		s.Bias = s.Mean - float64(n)
		s.RelativeBias = s.Bias / float64(n)
	}
	s.MeanPercentError = pctSum / float64(s.Defined)
	s.CloseRate = float64(s.Categories[estimate.CategoryClose]) / float64(s.Defined)
	return s
}
