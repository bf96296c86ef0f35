// Package metrics exposes Prometheus instrumentation for simulation sessions.
//
// A Collector is a session.Observer: attach it to a controller or registry
// and every command is counted by operation and outcome. Budget rejections
// are broken down by tier, and every defined estimate feeds a percent-error
// histogram labelled by mode. The true N is taken from the event, so hidden
// runs are measured without revealing anything to the user.
//
// All methods are safe for concurrent use.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvandessel/cmrsim/internal/budget"
	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/session"
)

const namespace = "cmrsim"

// PercentErrorBuckets bracket the accuracy bands (5, 10, 25) plus a tail.
var PercentErrorBuckets = []float64{1, 2.5, 5, 10, 15, 25, 50, 100, 250}

// Collector holds the session metrics.
type Collector struct {
	// OperationsTotal counts commands. Labels: op, outcome (ok or an error code).
	OperationsTotal *prometheus.CounterVec

	// BudgetRejectionsTotal counts requests above the cap. Labels: op, tier.
	BudgetRejectionsTotal *prometheus.CounterVec

	// EstimatePercentError observes |N̂ - N| / N * 100. Labels: mode.
	EstimatePercentError *prometheus.HistogramVec

	// EstimateCategoriesTotal counts accuracy categories. Labels: mode, category.
	EstimateCategoriesTotal *prometheus.CounterVec

	// SessionsOpen tracks sessions held by a registry.
	SessionsOpen prometheus.Gauge

	// ExperimentTrialsTotal counts Monte Carlo trials. Labels: outcome (defined, undefined).
	ExperimentTrialsTotal *prometheus.CounterVec

	thresholds estimate.Thresholds
}

// NewCollector creates the metrics and registers them with reg.
// It panics if a metric is already registered, like promauto.
func NewCollector(reg prometheus.Registerer, th estimate.Thresholds) *Collector {
	f := promauto.With(reg)
	return &Collector{
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "operations_total",
				Help:      "Session commands by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		BudgetRejectionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "budget_rejections_total",
				Help:      "Tag and recapture requests rejected by the sampling budget",
			},
			[]string{"op", "tier"},
		),
		EstimatePercentError: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "estimate",
				Name:      "percent_error",
				Help:      "Percent error of Lincoln-Petersen estimates against the true population size",
				Buckets:   PercentErrorBuckets,
			},
			[]string{"mode"},
		),
		EstimateCategoriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "estimate",
				Name:      "categories_total",
				Help:      "Accuracy categories of defined estimates",
			},
			[]string{"mode", "category"},
		),
		SessionsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "open",
				Help:      "Sessions currently held by the server",
			},
		),
		ExperimentTrialsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "experiment",
				Name:      "trials_total",
				Help:      "Monte Carlo trials by outcome",
			},
			[]string{"outcome"},
		),
		thresholds: th,
	}
}

// Observe implements session.Observer.
func (c *Collector) Observe(ev session.Event) {
	c.OperationsTotal.WithLabelValues(string(ev.Op), ev.Outcome()).Inc()

	var ee *budget.ExceededError
	if errors.As(ev.Err, &ee) {
		c.BudgetRejectionsTotal.WithLabelValues(ee.Op, string(ee.Cap.Tier)).Inc()
	}

	if ev.Op != session.OpEstimate || ev.Err != nil || ev.Result == nil || ev.TrueSize <= 0 {
		return
	}
	acc, err := estimate.Classify(ev.Mode, ev.Result.Estimate, ev.TrueSize, c.thresholds)
	if err != nil {
		return
	}
	c.EstimatePercentError.WithLabelValues(string(ev.Mode)).Observe(acc.PercentError)
	c.EstimateCategoriesTotal.WithLabelValues(string(ev.Mode), string(acc.Category)).Inc()
}

// TrialDone counts one experiment trial.
func (c *Collector) TrialDone(defined bool) {
	outcome := "defined"
	if !defined {
		outcome = "undefined"
	}
	c.ExperimentTrialsTotal.WithLabelValues(outcome).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
