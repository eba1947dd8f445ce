package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/s3ni0r/caravel/internal/api"
	"github.com/s3ni0r/caravel/internal/broker/sqlbroker"
	"github.com/s3ni0r/caravel/internal/config"
	"github.com/s3ni0r/caravel/internal/dispatch"
	"github.com/s3ni0r/caravel/internal/metastore"
	"github.com/s3ni0r/caravel/internal/observability"
	"github.com/s3ni0r/caravel/internal/registry"
	"github.com/s3ni0r/caravel/internal/resultstore"
	"github.com/s3ni0r/caravel/internal/sqllab"
	"github.com/s3ni0r/caravel/internal/storage"
	s3store "github.com/s3ni0r/caravel/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("caravel-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	metaDB, dialect, err := metastore.Open(context.Background(), metastore.DBConfig{
		DSN:             cfg.MetaStore.DSN,
		MaxOpenConns:    cfg.MetaStore.MaxOpenConns,
		MaxIdleConns:    cfg.MetaStore.MaxIdleConns,
		ConnMaxIdleTime: cfg.MetaStore.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.MetaStore.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open metastore", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = metaDB.Close() }()

	objectStore, err := newObjectStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to initialize result store", slog.Any("error", err))
		os.Exit(1)
	}

	store := metastore.NewStore(metaDB, dialect)
	registryStore := registry.NewStore(metaDB, dialect)
	connector := registry.NewConnector(registryStore)
	defer func() { _ = connector.Close() }()

	results := resultstore.New(objectStore)
	resolve := func(ctx context.Context, databaseID int64) (sqllab.Executor, error) {
		return connector.Executor(ctx, databaseID)
	}
	runner := sqllab.NewRunner(store, resolve, results, logger)

	queue := sqlbroker.New(metaDB, dialect)
	dispatcher := dispatch.New(store, registryStore, queue, runner, cfg.SQLLab.DefaultRowLimit, logger)

	deps := api.Dependencies{
		Logger:     logger,
		Dispatcher: dispatcher,
		Queries:    store,
		Results:    results,
		Databases:  registryStore,
		Readiness: api.CombineReadinessChecks(
			store.HealthCheck,
			api.CheckResultStoreConfig(cfg),
		),
		DependencyTimeout: time.Second,
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func newObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	if cfg.ResultStore.Backend == config.ResultStoreS3 {
		return s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ResultStore.Endpoint,
			Region:           cfg.ResultStore.Region,
			Bucket:           cfg.ResultStore.Bucket,
			AccessKeyID:      cfg.ResultStore.AccessKeyID,
			SecretAccessKey:  cfg.ResultStore.SecretAccessKey,
			UseSSL:           cfg.ResultStore.UseSSL,
			Prefix:           cfg.ResultStore.Prefix,
			AutoCreateBucket: cfg.ResultStore.AutoCreateBucket,
		})
	}
	return storage.NewMemoryStore(), nil
}
