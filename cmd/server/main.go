package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/ledispatch/internal/config"
	"github.com/me/ledispatch/internal/engine"
	"github.com/me/ledispatch/internal/logging"
	"github.com/me/ledispatch/internal/scheduler"
	"github.com/me/ledispatch/internal/server"
	"github.com/me/ledispatch/internal/store"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML server config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "Database path (overrides config; default ~/.ledispatch/ledispatch.db)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	workerKeyFile := flag.String("worker-keys", "", "Path to worker keys JSON file (overrides config)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	overrideString(&cfg.Addr, *addr)
	overrideString(&cfg.DBPath, *dbPath)
	overrideString(&cfg.LogLevel, *logLevel)
	overrideString(&cfg.LogFormat, *logFormat)
	overrideString(&cfg.WorkerKeysFile, *workerKeyFile)
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.ForService("ledispatch-server", cfg.LogLevel, cfg.LogFormat)

	// Resolve database path.
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".ledispatch")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		cfg.DBPath = filepath.Join(dir, "ledispatch.db")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	eng := engine.New(st, cfg.Engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Maintenance loop: reaping, plus archiving when enabled.
	var loopOpts []scheduler.Option
	if cfg.Archive.Enabled {
		arch, err := newArchiver(ctx, cfg.Archive, st, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "archive: %v\n", err)
			os.Exit(1)
		}
		schedule, err := scheduler.ParseSchedule(cfg.Archive.Schedule)
		if err != nil {
			fmt.Fprintf(os.Stderr, "archive: %v\n", err)
			os.Exit(1)
		}
		loopOpts = append(loopOpts, scheduler.WithArchiver(arch, schedule))
		logger.Info("archiving enabled", "backend", cfg.Archive.Backend, "schedule", cfg.Archive.Schedule, "retention", cfg.Archive.Retention)
	}
	sched := scheduler.NewLoop(eng, scheduler.Config{PollInterval: cfg.Scheduler.PollInterval}, logger, loopOpts...)

	serverOpts := []server.Option{server.WithScheduler(sched)}

	// Configure worker key authentication.
	workerKeyConfig, err := server.LoadWorkerKeyConfig(cfg.WorkerKeysFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker keys: %v\n", err)
		os.Exit(1)
	}
	if workerKeyConfig.IsEnabled() {
		serverOpts = append(serverOpts, server.WithWorkerKeyConfig(workerKeyConfig))
		logger.Info("worker key authentication enabled", "keys", len(workerKeyConfig.Keys))
	}

	srv := server.New(cfg, st, eng, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Start scheduler in background.
	srv.StartScheduler(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop scheduler before HTTP server.
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
