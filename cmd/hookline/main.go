package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/hookline/hookline/internal/config"
	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/server"
	"github.com/hookline/hookline/internal/storage"
	"github.com/hookline/hookline/internal/sweeper"
	"github.com/hookline/hookline/internal/telemetry"
	"github.com/hookline/hookline/internal/worker"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("hookline starting", "version", version, "port", cfg.Port, "workers", cfg.WorkerCount)

	// Initialize OpenTelemetry tracing (no-op when no endpoint is configured).
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the event store.
	db, err := storage.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	q := queue.New(cfg.QueueMaxsize)
	m := metrics.New()

	// Re-enqueue persisted non-terminal events before anything else runs.
	// This must finish before the readiness flag flips.
	if err := worker.LoadPending(ctx, db, q, logger); err != nil {
		return fmt.Errorf("recovery load: %w", err)
	}
	m.QueueDepth.Set(float64(q.Len()))

	pool := worker.NewPool(worker.Config{
		Store:          db,
		Queue:          q,
		Metrics:        m,
		Logger:         logger,
		Count:          cfg.WorkerCount,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	sw := sweeper.New(db, logger, time.Duration(cfg.RetentionDays)*24*time.Hour, cfg.CleanupInterval)

	var ready atomic.Bool
	srv := server.New(server.ServerConfig{
		Store:               db,
		Queue:               q,
		Metrics:             m,
		Logger:              logger,
		Ready:               &ready,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Background tasks run on their own context so shutdown can stop the HTTP
	// server first and only then cancel workers and sweeper.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	g := new(errgroup.Group)
	g.Go(func() error { return pool.Run(workCtx) })
	g.Go(func() error { return sw.Run(workCtx) })

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ready.Store(true)
	slog.Info("hookline ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		stopWork()
		_ = g.Wait()
		return err
	}

	// Graceful shutdown. Order: stop accepting HTTP traffic and drain
	// in-flight requests, then cancel workers and sweeper — in-flight
	// process-event calls commit their state transition before exiting —
	// then close the store.
	slog.Info("hookline shutting down")
	ready.Store(false)

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	stopWork()
	if err := g.Wait(); err != nil {
		slog.Error("background task error", "error", err)
	}

	slog.Info("hookline stopped")
	return nil
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
// Format "pretty" selects the text handler for local development.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "pretty") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
