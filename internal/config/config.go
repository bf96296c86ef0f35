// Package config provides unified configuration loading for cmrsim.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nvandessel/cmrsim/internal/budget"
	"github.com/nvandessel/cmrsim/internal/constants"
	"github.com/nvandessel/cmrsim/internal/estimate"
	"github.com/nvandessel/cmrsim/internal/session"
)

// CmrsimConfig contains all cmrsim configuration settings.
type CmrsimConfig struct {
	// Budget caps each tag and recapture operation as a fraction of N.
	Budget budget.Policy `json:"budget" yaml:"budget"`

	// Population bounds the sizes a run may use.
	Population PopulationConfig `json:"population" yaml:"population"`

	// Accuracy holds the percent-error bands used for feedback.
	Accuracy estimate.Thresholds `json:"accuracy" yaml:"accuracy"`

	// Experiment configures Monte Carlo runs.
	Experiment ExperimentConfig `json:"experiment" yaml:"experiment"`

	// MCP configures the tool server.
	MCP MCPConfig `json:"mcp" yaml:"mcp"`

	// History configures the run history database.
	History HistoryConfig `json:"history" yaml:"history"`

	// Logging contains settings for operational and decision logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// PopulationConfig bounds population sizes.
type PopulationConfig struct {
	// KnownDefault is the size used by "new" when --size is omitted.
	KnownDefault int `json:"known_default" yaml:"known_default"`
	KnownMin     int `json:"known_min" yaml:"known_min"`
	KnownMax     int `json:"known_max" yaml:"known_max"`

	// HiddenMin and HiddenMax bound the random size of hidden runs (inclusive).
	HiddenMin int `json:"hidden_min" yaml:"hidden_min"`
	HiddenMax int `json:"hidden_max" yaml:"hidden_max"`

	// Seed, when set, makes every run reproducible.
	Seed *uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// ExperimentConfig configures Monte Carlo experiments.
type ExperimentConfig struct {
	Trials  int `json:"trials" yaml:"trials"`
	Workers int `json:"workers" yaml:"workers"`
}

// MCPConfig configures the MCP server.
type MCPConfig struct {
	// MaxSessions bounds concurrently open sessions.
	MaxSessions int `json:"max_sessions" yaml:"max_sessions"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
}

// HistoryConfig configures the SQLite run history.
type HistoryConfig struct {
	// Enabled records every estimate to .cmrsim/cmrsim.db.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LoggingConfig configures cmrsim's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables decision logging to .cmrsim/decisions.jsonl.
	// "trace" additionally includes the full sample composition.
	Level string `json:"level" yaml:"level"`
}

// Default returns a CmrsimConfig with sensible defaults.
func Default() *CmrsimConfig {
	return &CmrsimConfig{
		Budget: budget.DefaultPolicy(),
		Population: PopulationConfig{
			KnownDefault: constants.KnownDefaultSize,
			KnownMin:     constants.KnownMinSize,
			KnownMax:     constants.KnownMaxSize,
			HiddenMin:    constants.HiddenMinSize,
			HiddenMax:    constants.HiddenMaxSize,
		},
		Accuracy: estimate.DefaultThresholds(),
		Experiment: ExperimentConfig{
			Trials:  constants.DefaultTrials,
			Workers: constants.DefaultWorkers,
		},
		MCP: MCPConfig{
			MaxSessions: constants.DefaultMaxSessions,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.cmrsim/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, constants.StateDirName, "config.yaml"), nil
}

// Load loads configuration, applies environment overrides and validates.
// Order: defaults -> path (or ~/.cmrsim/config.yaml when path is empty) -> environment variables.
// An explicit path must exist; the default file is optional.
func Load(path string) (*CmrsimConfig, error) {
	config := Default()

	if path == "" {
		if p, err := DefaultPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
// Fields absent from the file keep their defaults.
func LoadFromFile(path string) (*CmrsimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return config, nil
}

// Marshal renders the configuration as YAML.
func (c *CmrsimConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks that the configuration is valid.
func (c *CmrsimConfig) Validate() error {
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}

	p := c.Population
	if p.KnownMin <= 0 || p.KnownMax < p.KnownMin {
		return fmt.Errorf("population: known range must satisfy 0 < known_min <= known_max, got [%d, %d]", p.KnownMin, p.KnownMax)
	}
	if p.KnownDefault < p.KnownMin || p.KnownDefault > p.KnownMax {
		return fmt.Errorf("population: known_default %d outside [%d, %d]", p.KnownDefault, p.KnownMin, p.KnownMax)
	}

	if err := c.Accuracy.Validate(); err != nil {
		return fmt.Errorf("accuracy: %w", err)
	}
	if err := c.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("population: %w", err)
	}

	if c.Experiment.Trials < 1 || c.Experiment.Trials > constants.MaxTrials {
		return fmt.Errorf("experiment: trials must be in [1, %d], got %d", constants.MaxTrials, c.Experiment.Trials)
	}
	if c.Experiment.Workers < 1 {
		return fmt.Errorf("experiment: workers must be positive, got %d", c.Experiment.Workers)
	}
	if c.MCP.MaxSessions < 1 {
		return fmt.Errorf("mcp: max_sessions must be positive, got %d", c.MCP.MaxSessions)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// SessionConfig returns the per-run policy derived from this configuration.
func (c *CmrsimConfig) SessionConfig() session.Config {
	return session.Config{
		Budget:     c.Budget,
		HiddenMin:  c.Population.HiddenMin,
		HiddenMax:  c.Population.HiddenMax,
		Thresholds: c.Accuracy,
	}
}

// CheckKnownSize reports whether n is an allowed explicit population size.
func (c *CmrsimConfig) CheckKnownSize(n int) error {
	if n < c.Population.KnownMin || n > c.Population.KnownMax {
		return fmt.Errorf("size %d outside [%d, %d]", n, c.Population.KnownMin, c.Population.KnownMax)
	}
	return nil
}

// applyEnvOverrides applies CMRSIM_* environment variable overrides.
// Malformed numbers are reported rather than ignored.
func applyEnvOverrides(config *CmrsimConfig) error {
	floats := []struct {
		env string
		dst *float64
	}{
		{"CMRSIM_FIRST_FRACTION", &config.Budget.FirstFraction},
		{"CMRSIM_RELAXED_FRACTION", &config.Budget.RelaxedFraction},
	}
	for _, f := range floats {
		if v := os.Getenv(f.env); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", f.env, err)
			}
			*f.dst = parsed
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"CMRSIM_HIDDEN_MIN", &config.Population.HiddenMin},
		{"CMRSIM_HIDDEN_MAX", &config.Population.HiddenMax},
		{"CMRSIM_TRIALS", &config.Experiment.Trials},
		{"CMRSIM_WORKERS", &config.Experiment.Workers},
		{"CMRSIM_MAX_SESSIONS", &config.MCP.MaxSessions},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", i.env, err)
			}
			*i.dst = parsed
		}
	}

	if v := os.Getenv("CMRSIM_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CMRSIM_SEED: %w", err)
		}
		config.Population.Seed = &seed
	}

	if v := os.Getenv("CMRSIM_HISTORY"); v != "" {
		config.History.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("CMRSIM_METRICS_ADDR"); v != "" {
		config.MCP.MetricsAddr = v
	}

	if v := os.Getenv("CMRSIM_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	return nil
}
