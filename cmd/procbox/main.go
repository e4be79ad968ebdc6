package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmallory/procbox/internal/api"
	"github.com/jmallory/procbox/internal/config"
	"github.com/jmallory/procbox/internal/engine"
	"github.com/jmallory/procbox/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "procbox",
		Short:        "Asynchronous external command execution service",
		Long:         "Procbox runs external processes in a bounded worker pool and tracks their status, exit codes, and captured output for later polling.",
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSweepCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution engine and its HTTP API",
		RunE:  runServe,
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete execution records older than the retention window and exit",
		RunE:  runSweep,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("procbox: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_workers", cfg.MaxWorkers,
		"retention", cfg.Retention.String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Expire old records before accepting new submissions.
	deleted, err := db.DeleteOlderThan(context.Background(), cfg.Retention)
	if err != nil {
		return fmt.Errorf("expiry sweep: %w", err)
	}
	logger.Info("expiry sweep complete", "deleted", deleted)

	eng := engine.New(db, cfg.MaxWorkers, logger)
	defer eng.Shutdown()

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)
	if err := srv.Run(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	deleted, err := db.DeleteOlderThan(context.Background(), cfg.Retention)
	if err != nil {
		return fmt.Errorf("expiry sweep: %w", err)
	}

	logger.Info("expiry sweep complete", "deleted", deleted, "retention", cfg.Retention.String())
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d execution(s) older than %s\n", deleted, cfg.Retention)
	return nil
}
