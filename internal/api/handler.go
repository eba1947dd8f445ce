package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/s3ni0r/caravel/internal/config"
	"github.com/s3ni0r/caravel/internal/dispatch"
	"github.com/s3ni0r/caravel/internal/observability"
	"github.com/s3ni0r/caravel/internal/registry"
	"github.com/s3ni0r/caravel/internal/resultstore"
	"github.com/s3ni0r/caravel/internal/sqllab"
)

type ReadinessCheck func(ctx context.Context) error

// Submitter accepts query submissions.
type Submitter interface {
	Submit(ctx context.Context, sub dispatch.Submission) (sqllab.Query, error)
}

// QueryReader serves query records for polling clients.
type QueryReader interface {
	GetQueryByID(ctx context.Context, id int64) (sqllab.Query, error)
	GetQueryByClientID(ctx context.Context, clientID string) (sqllab.Query, error)
}

// ResultReader loads stored result sets.
type ResultReader interface {
	Fetch(ctx context.Context, resultsKey string) (resultstore.ResultSet, error)
}

// DatabaseRegistry manages registered target databases.
type DatabaseRegistry interface {
	CreateDatabase(ctx context.Context, name, engine, dsn string) (registry.Database, error)
	GetDatabase(ctx context.Context, id int64) (registry.Database, error)
	ListDatabases(ctx context.Context) ([]registry.Database, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	Dispatcher        Submitter
	Queries           QueryReader
	Results           ResultReader
	Databases         DatabaseRegistry
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("POST /sqllab/sql_json", func(w http.ResponseWriter, r *http.Request) {
		handleSQLJSON(deps, w, r)
	})
	mux.HandleFunc("GET /sqllab/queries/{serverID}", func(w http.ResponseWriter, r *http.Request) {
		handleGetQuery(deps, w, r)
	})
	mux.HandleFunc("GET /sqllab/queries", func(w http.ResponseWriter, r *http.Request) {
		handleLookupQuery(deps, w, r)
	})
	mux.HandleFunc("GET /sqllab/results/{key}", func(w http.ResponseWriter, r *http.Request) {
		handleGetResults(deps, w, r)
	})

	mux.HandleFunc("POST /v1/databases", func(w http.ResponseWriter, r *http.Request) {
		handleCreateDatabase(deps, w, r)
	})
	mux.HandleFunc("GET /v1/databases", func(w http.ResponseWriter, r *http.Request) {
		handleListDatabases(deps, w, r)
	})
	mux.HandleFunc("GET /v1/databases/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetDatabase(deps, w, r)
	})

	return observability.Instrument(deps.Logger)(mux)
}

func CheckMetaStoreDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.MetaStore.DSN == "" {
			return errors.New("metastore dsn is not configured")
		}
		return nil
	}
}

func CheckResultStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ResultStore.Backend != config.ResultStoreS3 {
			return nil
		}
		if cfg.ResultStore.Endpoint == "" {
			return errors.New("result store endpoint is not configured")
		}
		if cfg.ResultStore.Bucket == "" {
			return errors.New("result store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
