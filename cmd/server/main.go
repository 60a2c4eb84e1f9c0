package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"sharegate/internal/server/admission"
	"sharegate/internal/server/api"
	"sharegate/internal/server/ban"
	"sharegate/internal/server/config"
	"sharegate/internal/server/database"
	"sharegate/internal/server/ledger"
	"sharegate/internal/server/metrics"
	"sharegate/internal/server/quota"
	"sharegate/internal/server/ratelimit"
	"sharegate/internal/server/service"
	"sharegate/internal/server/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"ledger_backend", cfg.LedgerBackend,
		"storage_backend", cfg.StorageBackend,
		"upload_limit", cfg.UploadLimit,
		"view_limit", cfg.ViewLimit,
		"storage_ceiling", quota.HumanizeBytes(cfg.StorageCeiling),
		"retention", cfg.Retention,
	)

	ctx := context.Background()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Ledger
	backend, err := database.OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Release()

	l := ledger.Open(ctx, backend.Persister)
	defer l.Close()
	m.WatchLedger(l)

	// Storage
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	// Admission
	bans := ban.NewTracker(cfg.BanThreshold, cfg.BanDuration,
		ban.WithForgetAfter(cfg.BanForgetAfter),
		ban.WithBanHook(func(string, time.Time) { m.RecordBan() }),
	)
	limiter := ratelimit.NewLimiter(map[ratelimit.Action]ratelimit.Rule{
		ratelimit.ActionUpload: {Limit: cfg.UploadLimit, Window: cfg.UploadWindow},
		ratelimit.ActionView:   {Limit: cfg.ViewLimit, Window: cfg.ViewWindow},
	}, ratelimit.WithViolationRecorder(bans))
	enforcer := quota.NewEnforcer(l, cfg.StorageCeiling, cfg.Retention)
	gate := admission.New(bans, limiter, enforcer, admission.WithMetrics(m))

	svc := service.NewUploadService(gate, l, store, cfg)

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	cleanup := storage.NewCleanupService(l, store, storage.CleanupConfig{
		Interval:           cfg.SweepInterval,
		OrphanSafetyMargin: cfg.OrphanSafetyMargin,
		Ignore:             ledgerFilesInStorage(cfg),
	}, storage.WithCleanupMetrics(m))
	if err := cleanup.Start(cleanupCtx); err != nil {
		return fmt.Errorf("failed to start cleanup service: %w", err)
	}

	// Setup HTTP router
	handler := api.NewHandler(svc, backend.Health, cfg.MaxFileSize)
	e := api.SetupRouter(handler, gate, reg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.StorageBackend == config.StorageS3 {
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		slog.Info("s3 storage initialized", "bucket", cfg.S3.Bucket, "endpoint", cfg.S3.Endpoint)
		return store, nil
	}

	store := storage.NewFileSystemStore(cfg.StoragePath)
	if err := store.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("file storage initialized", "path", cfg.StoragePath)
	return store, nil
}

// ledgerFilesInStorage lists ledger files that share the local storage
// directory, so the sweeper never treats them as orphans.
func ledgerFilesInStorage(cfg *config.Config) []string {
	if cfg.StorageBackend != config.StorageLocal || cfg.LedgerBackend == config.LedgerPostgres {
		return nil
	}
	ledgerDir, err1 := filepath.Abs(filepath.Dir(cfg.LedgerPath))
	storageDir, err2 := filepath.Abs(cfg.StoragePath)
	if err1 != nil || err2 != nil || ledgerDir != storageDir {
		return nil
	}
	base := filepath.Base(cfg.LedgerPath)
	// SQLite keeps its journal beside the database file.
	return []string{base, base + "-wal", base + "-shm", base + "-journal"}
}
