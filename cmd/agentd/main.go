package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flitsinc/agentruns/internal/config"
)

var (
	httpAddr string
	dbPath   string
	workers  int
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "agentd",
		Short:         "Asynchronous agent run service",
		Long:          "agentd accepts agent runs over HTTP, executes them on a worker pool and serves their progress to polling clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides AGENTRUNS_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides AGENTRUNS_LOG_LEVEL)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Concurrent run limit (overrides AGENTRUNS_WORKERS)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with in-process workers and the reconciler",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&httpAddr, "addr", "", "HTTP listen address (overrides AGENTRUNS_HTTP_ADDR)")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute runs from the Redis queue",
		RunE:  runWorker,
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and exit",
		RunE:  runReconcile,
	}

	rootCmd.AddCommand(serveCmd, workerCmd, reconcileCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies command line overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Load()
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}
