// Package mcp provides an MCP (Model Context Protocol) server for cmrsim.
//
// Each client call to cmr_new opens an isolated session in a registry; the
// other tools address it by session ID.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvandessel/cmrsim/internal/config"
	"github.com/nvandessel/cmrsim/internal/logging"
	"github.com/nvandessel/cmrsim/internal/metrics"
	"github.com/nvandessel/cmrsim/internal/ratelimit"
	"github.com/nvandessel/cmrsim/internal/session"
	"github.com/nvandessel/cmrsim/internal/store"
)

// Server wraps the MCP SDK server and provides cmrsim-specific functionality.
type Server struct {
	server       *sdk.Server
	registry     *session.Registry
	runs         store.RunStore
	metrics      *metrics.Collector
	gatherer     prometheus.Gatherer
	settings     *config.CmrsimConfig
	root         string
	toolLimiters ratelimit.ToolLimiters
	auditLogger  *AuditLogger
	decisions    *logging.DecisionLogger
	logger       *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "cmrsim")
	Version string // Server version
	Root    string // Project root directory

	// Settings is the loaded cmrsim configuration. Nil means config.Default().
	Settings *config.CmrsimConfig

	// Logger receives operational logs. Nil discards them.
	Logger *slog.Logger

	// Metrics registers the server's collectors. Nil creates a private registry.
	Metrics *prometheus.Registry
}

// NewServer creates a new MCP server with cmrsim tools.
func NewServer(cfg *Config) (*Server, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	stateDir, err := store.EnsureLocalDir(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	var runs store.RunStore
	if settings.History.Enabled {
		runs, err = store.NewSQLiteRunStore(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
	} else {
		runs = store.NewInMemoryRunStore()
	}

	collector := metrics.NewCollector(reg, settings.Accuracy)
	decisions := logging.NewDecisionLogger(stateDir, settings.Logging.Level)

	registry := session.NewRegistry(session.RegistryConfig{
		MaxSessions: settings.MCP.MaxSessions,
		Session:     settings.SessionConfig(),
		Seed:        settings.Population.Seed,
		Observer: session.Observers{
			collector,
			store.NewRecorder(runs, settings.Accuracy, logger),
			logging.NewSessionObserver(logger, decisions),
		},
	})

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			logger.Debug("mcp client initialized")
		},
	})

	s := &Server{
		server:       mcpServer,
		registry:     registry,
		runs:         runs,
		metrics:      collector,
		gatherer:     reg,
		settings:     settings,
		root:         cfg.Root,
		toolLimiters: ratelimit.NewToolLimiters(),
		auditLogger:  NewAuditLogger(cfg.Root),
		decisions:    decisions,
		logger:       logger,
	}

	if err := s.registerTools(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	if err := s.registerResources(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to register resources: %w", err)
	}

	return s, nil
}

// Run starts the MCP server over stdio transport.
// This blocks until the client disconnects or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	notifySignals(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	return s.server.Run(ctx, &sdk.StdioTransport{})
}

// MetricsHandler serves the server's Prometheus metrics.
func (s *Server) MetricsHandler() http.Handler {
	return metrics.Handler(s.gatherer)
}

// ServeMetrics serves /metrics on addr until ctx is cancelled.
func (s *Server) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.MetricsHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// StateDir returns the directory holding the audit log, history and decisions.
func (s *Server) StateDir() string {
	return store.LocalPath(s.root)
}

// Close closes the server and releases resources.
func (s *Server) Close() error {
	s.decisions.Close()
	auditErr := s.auditLogger.Close()
	if err := s.runs.Close(); err != nil {
		return err
	}
	return auditErr
}

// auditPath returns the audit log file path.
func (s *Server) auditPath() string {
	return filepath.Join(s.StateDir(), AuditFileName)
}
