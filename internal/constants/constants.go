// Package constants provides named constants used throughout the cmrsim codebase.
// This centralizes magic numbers for better maintainability and documentation.
package constants

// Budget policy constants. A cap is floor(N * fraction).
const (
	// FirstAttemptFraction caps the first tagging or recapture operation of a run.
	FirstAttemptFraction = 0.10

	// RelaxedFraction caps every later operation once a first attempt has been made.
	// The cap never returns to FirstAttemptFraction within the same run.
	RelaxedFraction = 0.20
)

// Population size constants.
const (
	// HiddenMinSize is the smallest population drawn in hidden-N mode (inclusive).
	HiddenMinSize = 500

	// HiddenMaxSize is the largest population drawn in hidden-N mode (inclusive).
	HiddenMaxSize = 3000

	// KnownDefaultSize is the population size offered by default in known-N mode.
	KnownDefaultSize = 10000

	// KnownMinSize is the lower bound accepted by the CLI in known-N mode.
	KnownMinSize = 1000

	// KnownMaxSize is the upper bound accepted by the CLI in known-N mode.
	KnownMaxSize = 50000
)

// Accuracy thresholds, expressed as percent error. A percent error exactly
// equal to a threshold falls in the closer category.
const (
	// CloseThresholdPct separates "close" from over/under estimates in known-N mode.
	CloseThresholdPct = 5.0

	// ExcellentThresholdPct is the exclusive upper bound of the "excellent" band in hidden-N mode.
	ExcellentThresholdPct = 10.0

	// GoodThresholdPct is the exclusive upper bound of the "good" band in hidden-N mode.
	GoodThresholdPct = 25.0
)

// Experiment defaults.
const (
	// DefaultTrials is the number of simulated runs in a Monte Carlo experiment.
	DefaultTrials = 1000

	// DefaultWorkers bounds the number of trials executed concurrently.
	DefaultWorkers = 4

	// MaxTrials guards against runaway experiments from user input.
	MaxTrials = 1_000_000
)

// Session service constants.
const (
	// DefaultMaxSessions bounds the number of live sessions held by the MCP server.
	DefaultMaxSessions = 256

	// StateDirName is the per-project directory holding session state, history and logs.
	StateDirName = ".cmrsim"

	// DatabaseFileName is the SQLite run history file inside StateDirName.
	DatabaseFileName = "cmrsim.db"
)
