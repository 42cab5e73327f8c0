package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"cloudrelay/internal/server/accounts"
	"cloudrelay/internal/server/admission"
	"cloudrelay/internal/server/api"
	"cloudrelay/internal/server/backup"
	"cloudrelay/internal/server/bufpool"
	"cloudrelay/internal/server/config"
	"cloudrelay/internal/server/database"
	"cloudrelay/internal/server/provider"
	"cloudrelay/internal/server/quota"
	"cloudrelay/internal/server/relay"
	"cloudrelay/internal/server/scheduler"
	"cloudrelay/internal/server/service"
	"cloudrelay/internal/server/storage"
)

const reaperInterval = time.Minute

func main() {
	// Load config
	cfg := config.Load()

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"chunk_size", cfg.ChunkSize,
		"backup_kind", cfg.BackupKind,
		"max_global_transfers", cfg.MaxGlobalTransfers,
		"max_transfers_per_user", cfg.MaxTransfersPerUser,
		"memory_ceiling_percent", cfg.MemoryCeilingPercent,
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	transfers := database.NewTransferRepository(db)

	// Provider and account pool
	providerClient := provider.New(provider.Endpoints{
		UploadURL: cfg.ProviderUploadURL,
		FilesURL:  cfg.ProviderFilesURL,
		AboutURL:  cfg.ProviderAboutURL,
	})
	registry := accounts.NewDBRegistry(database.NewAccountRepository(db), providerClient, &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL},
	})
	usage := accounts.NewUsageTracker()
	pool := accounts.NewPool(registry, usage, accounts.Limits{
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		MaxBytesPerDay:       cfg.MaxBytesPerDay,
		NearFullRatio:        cfg.NearFullRatio,
	})
	if err := pool.Reload(ctx); err != nil {
		slog.Warn("failed to load storage accounts", "error", err)
	}
	slog.Info("account pool loaded", "accounts", len(pool.Accounts()))

	// Backup destination
	dest, err := storage.Open(storage.Options{
		Kind:        cfg.BackupKind,
		Path:        cfg.BackupPath,
		URL:         cfg.BackupURL,
		Username:    cfg.BackupUsername,
		Password:    cfg.BackupPassword,
		S3Endpoint:  cfg.BackupS3Endpoint,
		S3Bucket:    cfg.BackupS3Bucket,
		S3AccessKey: cfg.BackupS3AccessKey,
		S3SecretKey: cfg.BackupS3SecretKey,
		S3UseSSL:    cfg.BackupS3UseSSL,
	})
	if err != nil {
		slog.Error("failed to initialize backup destination", "error", err)
		os.Exit(1)
	}

	// Core components
	buffers := bufpool.New(cfg.ChunkSize, cfg.MaxGlobalTransfers)
	gate := admission.New(admission.Config{
		MaxGlobal:            cfg.MaxGlobalTransfers,
		MaxPerUser:           cfg.MaxTransfersPerUser,
		MemoryCeilingPercent: cfg.MemoryCeilingPercent,
		ReservedMemoryBytes:  cfg.ReservedMemoryBytes,
	}, admission.HostMemory{})

	pipeline := backup.NewPipeline(transfers, backup.NewProviderSource(providerClient, pool), dest, buffers, cfg.ChunkSize, cfg.BackupPrefix)
	backups := backup.NewScheduler(pipeline, cfg.BackupWorkers, cfg.BackupQueueSize, cfg.BackupTimeout)

	relayer := relay.New(relay.Deps{
		Store:     transfers,
		Admission: gate,
		Uploader:  providerClient,
		Accounts:  pool,
		Usage:     usage,
		Backups:   backups,
		Buffers:   buffers,
	}, relay.Options{
		Concurrency:        cfg.RelayConcurrency,
		Retries:            cfg.RelayRetries,
		StatusPollInterval: cfg.StatusPollInterval,
	})

	quotas := quota.NewService(quota.NewDBUsage(transfers), quota.Limits{
		MaxFileSizeUser:      cfg.MaxFileSizeUser,
		MaxFileSizeAnonymous: cfg.MaxFileSizeAnonymous,
		DailyLimitUser:       cfg.DailyLimitUser,
		DailyLimitAnonymous:  cfg.DailyLimitAnonymous,
		CacheTTL:             cfg.QuotaCacheTTL,
	})

	svc := service.NewUploadService(service.Deps{
		Store:    transfers,
		Quota:    quotas,
		Accounts: pool,
		Sessions: providerClient,
		Relay:    relayer,
		Backups:  backups,
	}, cfg.ChunkSize)

	// Background services
	bgCtx, bgCancel := context.WithCancel(context.Background())

	refresher := accounts.NewRefresher(pool, registry, cfg.AccountRefreshInterval)
	refresher.Start(bgCtx)

	reaperDone := gate.StartReaper(bgCtx, reaperInterval, cfg.SlotMaxAge, svc)

	sweeper := service.NewStaleSweeper(transfers, gate, svc, cfg.StaleTransferAge, cfg.SweepInterval)
	sweeper.Start(bgCtx)

	backups.Start(bgCtx)

	// HTTP
	schedCtx, schedCancel := context.WithCancel(context.Background())
	sched := scheduler.New(scheduler.Config{
		AdminPrefix:     cfg.AdminPathPrefix,
		AdminWorkers:    cfg.AdminWorkers,
		OrdinaryWorkers: cfg.OrdinaryWorkers,
		QueueSize:       cfg.LaneQueueSize,
		Skipper:         api.StreamingSkipper,
	})
	sched.Start(schedCtx)

	handler := api.NewHandler(api.HandlerDeps{
		Service:   svc,
		DB:        db,
		Pool:      pool,
		Admission: gate,
		Buffers:   buffers,
		ChunkSize: cfg.ChunkSize,
	})
	e := api.SetupRouter(handler, sched, cfg)

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

	// Queued requests are served before the lanes stop.
	schedCancel()
	sched.Wait()

	// Stop background services
	bgCancel()
	refresher.Wait()
	<-reaperDone
	sweeper.Wait()
	backups.Wait()

	slog.Info("server exited cleanly")
}
