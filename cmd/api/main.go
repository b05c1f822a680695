package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/caseboard/internal/api"
	"github.com/timmy/caseboard/internal/batch"
	"github.com/timmy/caseboard/internal/config"
	"github.com/timmy/caseboard/internal/logger"
	"github.com/timmy/caseboard/internal/metrics"
	"github.com/timmy/caseboard/internal/remote"
	"github.com/timmy/caseboard/internal/repository"
	"github.com/timmy/caseboard/internal/service"
	"github.com/timmy/caseboard/internal/storage"
	"github.com/timmy/caseboard/internal/tabular"
)

func main() {
	// CONFIG_PATH is used by container deployments.
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.Log.LoggerConfig("caseboard-api"))
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	if err := cfg.Backend.Validate(); err != nil {
		appLogger.WithError(err).Fatal("Invalid backend configuration")
	}
	pollCfg, err := cfg.Poll.ToDomain()
	if err != nil {
		appLogger.WithError(err).Fatal("Invalid poll configuration")
	}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to get database handle")
	}
	defer sqlDB.Close()

	ctx := context.Background()

	objectStorage, err := storage.NewStorage(ctx, cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	if objectStorage == nil {
		appLogger.Info("Payload archiving disabled")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace, nil)
	}

	client := remote.NewClient(remote.Config{
		BaseURL:   cfg.Backend.BaseURL,
		APIKey:    cfg.Backend.APIKey,
		Timeout:   cfg.Backend.Timeout,
		UserAgent: cfg.Backend.UserAgent,
	})
	orchestrator := batch.NewOrchestrator(
		client,
		batch.NewPoller(client, batch.WithMetrics(m)),
		tabular.NewReconciler(cfg.Reconcile.StatusColumns, cfg.Reconcile.NegativeOutcomes),
	)

	batchService := service.NewBatchService(
		repository.NewBatchRepository(db),
		orchestrator,
		objectStorage,
		m,
		service.BatchConfig{
			Poll:           pollCfg,
			MaxActiveRuns:  cfg.Batch.MaxActiveRuns,
			SubmitTimeout:  cfg.Batch.SubmitTimeout,
			RecordPageSize: cfg.Batch.RecordPageSize,
			SaveBatchSize:  cfg.Batch.SaveBatchSize,
			ArchivePrefix:  cfg.Storage.Prefix,
		},
	)
	if _, err := batchService.RecoverInterrupted(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to recover interrupted runs")
	}

	router := api.SetupRouter(cfg.Server, api.RouterDeps{
		Runs:       batchService,
		Metrics:    m,
		Logger:     appLogger,
		Ping:       sqlDB.PingContext,
		ActiveRuns: batchService.ActiveRuns,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":    cfg.Server.Port,
			"mode":    cfg.Server.Mode,
			"backend": cfg.Backend.BaseURL,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	// Runs still in flight are marked cancelled; anything left over is
	// picked up by RecoverInterrupted on the next start.
	if err := batchService.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Warn("Batch runs did not stop in time")
	}

	appLogger.Info("Server exited")
}
