package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dayline-lab/dayline/internal/admin"
	corecfg "github.com/dayline-lab/dayline/internal/core/config"
	"github.com/dayline-lab/dayline/internal/server"
	"github.com/dayline-lab/dayline/internal/store"
	"github.com/dayline-lab/dayline/internal/users"
	"github.com/dayline-lab/dayline/internal/worker"
)

func main() {
	configPath := flag.String("config", "dayline.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	// 2. Open the Event Store
	st, err := store.New(cfg.Store.WindowSize, cfg.Store.CachedDays, cfg.Store.DataDir)
	if err != nil {
		slog.Error("Failed to open event store", "error", err)
		os.Exit(1)
	}

	// 3. Open the User Directory
	usersPath := cfg.Users.Path
	if usersPath == "" {
		usersPath = filepath.Join(cfg.Store.DataDir, "users.dat")
	}
	directory, err := users.Open(usersPath)
	if err != nil {
		slog.Error("Failed to open user directory", "error", err)
		st.Close()
		os.Exit(1)
	}

	// 4. Worker Pool + TCP Server + Admin Server
	pool := worker.New(cfg.Pool.Workers, cfg.Pool.QueueSize)

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry, pool)

	tcpSrv := server.New(cfg.Server.Addr(), st, directory, pool, metrics)
	adminSrv := admin.New(cfg.Server.AdminAddr(), st, registry, cfg.Server.Mode)

	// 5. Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tcpSrv.Run(gctx) })
	g.Go(func() error { return adminSrv.Run(gctx) })

	err = g.Wait()

	// Closing the store releases workers still blocked in predicate waits;
	// only then can the pool drain.
	if cerr := st.Close(); cerr != nil {
		slog.Warn("Store close failed", "error", cerr)
	}
	pool.Stop()

	if err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
