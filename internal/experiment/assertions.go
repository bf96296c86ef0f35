package experiment

import (
	"math"
	"testing"
)

// AssertMedianWithin asserts that the median estimate lies within pct percent
// of the true size.
func AssertMedianWithin(t *testing.T, res Result, pct float64) {
	t.Helper()
	n := float64(res.Scenario.Size)
	if dev := math.Abs(res.Stats.Median-n) / n * 100; dev > pct {
		t.Errorf("AssertMedianWithin: %s: median %.1f is %.2f%% from N=%d (max %.2f%%)",
			res.Scenario.Name, res.Stats.Median, dev, res.Scenario.Size, pct)
	}
}

// AssertRelativeBiasBetween asserts lo <= (mean - N) / N <= hi.
func AssertRelativeBiasBetween(t *testing.T, res Result, lo, hi float64) {
	t.Helper()
	if b := res.Stats.RelativeBias; b < lo || b > hi {
		t.Errorf("AssertRelativeBiasBetween: %s: relative bias %.4f not in [%.4f, %.4f]",
			res.Scenario.Name, b, lo, hi)
	}
}

// AssertUndefinedRateBelow asserts that fewer than max of the trials saw m = 0.
func AssertUndefinedRateBelow(t *testing.T, res Result, max float64) {
	t.Helper()
	if r := res.Stats.UndefinedRate; r >= max {
		t.Errorf("AssertUndefinedRateBelow: %s: undefined rate %.4f >= %.4f", res.Scenario.Name, r, max)
	}
}

// AssertCountInvariants asserts 0 <= m <= n, m <= M and the requested sizes
// for every trial.
func AssertCountInvariants(t *testing.T, res Result) {
	t.Helper()
	sc := res.Scenario
	for _, tr := range res.Trials {
		if tr.Marked != sc.Tag {
			t.Errorf("AssertCountInvariants: trial %d: M = %d, want %d", tr.Index, tr.Marked, sc.Tag)
		}
		if tr.Sampled != sc.Recapture {
			t.Errorf("AssertCountInvariants: trial %d: n = %d, want %d", tr.Index, tr.Sampled, sc.Recapture)
		}
		if tr.Recaptured < 0 || tr.Recaptured > tr.Sampled || tr.Recaptured > tr.Marked {
			t.Errorf("AssertCountInvariants: trial %d: m = %d violates 0 <= m <= min(n=%d, M=%d)",
				tr.Index, tr.Recaptured, tr.Sampled, tr.Marked)
		}
		if tr.Defined != (tr.Recaptured > 0) {
			t.Errorf("AssertCountInvariants: trial %d: defined = %v with m = %d", tr.Index, tr.Defined, tr.Recaptured)
		}
	}
}
