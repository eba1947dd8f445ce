package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/s3ni0r/caravel/internal/broker/sqlbroker"
	"github.com/s3ni0r/caravel/internal/config"
	"github.com/s3ni0r/caravel/internal/maintenance"
	"github.com/s3ni0r/caravel/internal/metastore"
	"github.com/s3ni0r/caravel/internal/observability"
	"github.com/s3ni0r/caravel/internal/registry"
	"github.com/s3ni0r/caravel/internal/resultstore"
	"github.com/s3ni0r/caravel/internal/sqllab"
	"github.com/s3ni0r/caravel/internal/storage"
	s3store "github.com/s3ni0r/caravel/internal/storage/s3"
	"github.com/s3ni0r/caravel/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("caravel-worker")
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

	service := &worker.Service{
		Broker: sqlbroker.New(metaDB, dialect),
		Runner: runner,
		Config: worker.Config{
			ConsumerID:      cfg.Worker.ConsumerID,
			Concurrency:     cfg.Worker.Concurrency,
			LeaseSeconds:    cfg.Worker.LeaseSeconds,
			PollInterval:    cfg.Worker.PollInterval,
			RequeueInterval: cfg.Worker.RequeueInterval,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Retention.Enabled {
		janitor := &maintenance.Service{
			Store:   store,
			Results: results,
			Config: maintenance.Config{
				RetentionInterval: cfg.Retention.Interval,
				RetentionAge:      cfg.Retention.Age,
				BatchSize:         cfg.Retention.BatchSize,
			},
			Logger: logger,
		}
		go func() {
			if err := janitor.Run(ctx); err != nil {
				logger.Error("result retention stopped", slog.Any("error", err))
			}
		}()
	}

	logger.Info("query worker started", slog.String("consumer_id", cfg.Worker.ConsumerID))
	if err := service.Run(ctx); err != nil {
		logger.Error("query worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("query worker stopped")
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
