package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/taskdriver/pkg/broker"
	"github.com/cuemby/taskdriver/pkg/log"
	"github.com/cuemby/taskdriver/pkg/metrics"
	"github.com/cuemby/taskdriver/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker as a long-lived process",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to a broker configuration YAML file")
	serveCmd.Flags().String("backend", "", "storage backend override (file|postgres|raft)")
	serveCmd.Flags().String("data-dir", "./data", "data directory (file and raft backends)")
	serveCmd.Flags().String("dsn", "", "Postgres connection string (postgres backend)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address for /metrics and /healthz")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("serve")

	configPath, _ := cmd.Flags().GetString("config")
	cfg := broker.DefaultConfig()
	if configPath != "" {
		loaded, err := broker.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if backendOverride, _ := cmd.Flags().GetString("backend"); backendOverride != "" {
		cfg.Backend = broker.Backend(backendOverride)
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.File.DataDir = dataDir
		cfg.Raft.DataDir = dataDir
	}
	if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}

	b := broker.New(store, cfg)
	b.Start()
	logger.Info().Str("backend", string(cfg.Backend)).Msg("reaper started")

	collector := metrics.NewCollector(b.Engine())
	collector.Start()
	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, "ready")
	metrics.RegisterComponent("reaper", true, "ready")

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	errCh := make(chan error, 1)
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("metrics server failed")
	}

	collector.Stop()
	if err := b.Stop(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func openStore(cfg broker.Config) (storage.Store, error) {
	switch cfg.Backend {
	case broker.BackendPostgres:
		return storage.NewPostgresStore(cfg.Postgres.DSN)
	case broker.BackendRaft:
		return storage.NewRaftStore(storage.RaftConfig{
			NodeID:       cfg.Raft.NodeID,
			BindAddr:     cfg.Raft.BindAddr,
			DataDir:      cfg.Raft.DataDir,
			ApplyTimeout: 5 * time.Second,
		})
	case broker.BackendFile, "":
		return storage.NewBoltStore(cfg.File.DataDir, cfg.StorageLockTimeout())
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
