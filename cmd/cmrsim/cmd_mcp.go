package main

import (
	"context"
	"fmt"

	"github.com/nvandessel/cmrsim/internal/logging"
	"github.com/nvandessel/cmrsim/internal/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newMCPServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve the simulator to MCP clients over stdio",
		Long: `Run an MCP (Model Context Protocol) server on stdin/stdout.

Every cmr_new call opens an isolated session; the other tools take its
session_id. Estimates are recorded in .cmrsim/cmrsim.db when history is
enabled. Logs go to stderr.

With --metrics-addr (or mcp.metrics_addr in the config) Prometheus metrics
are served on http://ADDR/metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if metricsAddr == "" {
				metricsAddr = settings.MCP.MetricsAddr
			}
			logger := logging.NewLogger(settings.Logging.Level, cmd.ErrOrStderr())

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			server, err := mcp.NewServer(&mcp.Config{
				Name:     "cmrsim",
				Version:  version,
				Root:     root,
				Settings: settings,
				Logger:   logger,
				Metrics:  reg,
			})
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}
			defer server.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if metricsAddr != "" {
				go func() {
					logger.Info("serving metrics", "addr", metricsAddr)
					if err := server.ServeMetrics(ctx, metricsAddr); err != nil {
						logger.Error("metrics server stopped", "error", err)
					}
				}()
			}

			logger.Debug("mcp server starting", "root", root, "state_dir", server.StateDir())
			if err := server.Run(ctx); err != nil {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")

	return cmd
}
