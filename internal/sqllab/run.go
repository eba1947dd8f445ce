package sqllab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/s3ni0r/caravel/internal/dataframe"
	"github.com/s3ni0r/caravel/internal/observability"
)

// ErrConflict mirrors the metadata store's optimistic-concurrency failure.
// A runner that loses a guarded update walks away from the record.
var ErrConflict = errors.New("query record conflict")

// ErrDuplicateLiveQuery means the client id already owns a pending or
// running query. Enforced by the store's unique live-client index, so two
// racing submissions cannot both persist.
var ErrDuplicateLiveQuery = errors.New("client already has a live query")

// QueryStore is the slice of the metadata store the runner needs.
type QueryStore interface {
	GetQueryByID(ctx context.Context, id int64) (Query, error)
	MarkRunning(ctx context.Context, q *Query) error
	RecordExecutedSQL(ctx context.Context, q *Query) error
	FinishQuery(ctx context.Context, q *Query, from Status) error
}

// Executor runs statements against a registered target database.
type Executor interface {
	Query(ctx context.Context, sqlText string) ([]string, [][]any, error)
	Exec(ctx context.Context, sqlText string) (int64, error)
}

// ResultWriter persists materialized result sets.
type ResultWriter interface {
	Save(ctx context.Context, resultsKey string, frame *dataframe.DataFrame) error
}

// Runner executes a single query record end to end: claim the record, apply
// the SQL rewrites, run the statement, materialize results, and write the
// terminal state. Engine faults become a failed record, never a returned
// error; only infrastructure faults (metadata store, result store) propagate
// so the caller can retry delivery.
type Runner struct {
	store         QueryStore
	resolve       func(ctx context.Context, databaseID int64) (Executor, error)
	results       ResultWriter
	newResultsKey func() string
	logger        *slog.Logger
}

func NewRunner(store QueryStore, resolve func(ctx context.Context, databaseID int64) (Executor, error), results ResultWriter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:         store,
		resolve:       resolve,
		results:       results,
		newResultsKey: uuid.NewString,
		logger:        logger,
	}
}

func (r *Runner) Execute(ctx context.Context, queryID int64) error {
	q, err := r.store.GetQueryByID(ctx, queryID)
	if err != nil {
		return fmt.Errorf("load query %d: %w", queryID, err)
	}
	if q.Status.Terminal() {
		r.logger.Info("query already terminal", "query_id", q.ID, "status", q.Status)
		return nil
	}
	if q.Status == StatusRunning {
		// Another worker owns the record. Redelivered jobs for an
		// in-flight query are dropped, not raced.
		r.logger.Warn("query already running", "query_id", q.ID)
		return nil
	}

	if err := r.store.MarkRunning(ctx, &q); err != nil {
		if errors.Is(err, ErrConflict) {
			r.logger.Warn("lost claim on query", "query_id", q.ID)
			return nil
		}
		return fmt.Errorf("mark query %d running: %w", q.ID, err)
	}

	if err := r.rewrite(&q); err != nil {
		return r.fail(ctx, &q, err)
	}
	if err := r.store.RecordExecutedSQL(ctx, &q); err != nil {
		if errors.Is(err, ErrConflict) {
			r.logger.Warn("lost ownership before execution", "query_id", q.ID)
			return nil
		}
		return fmt.Errorf("record executed sql for query %d: %w", q.ID, err)
	}

	executor, err := r.resolve(ctx, q.DatabaseID)
	if err != nil {
		return r.fail(ctx, &q, err)
	}

	if q.SelectAsCTA {
		if err := r.runCTA(ctx, &q, executor); err != nil {
			return r.fail(ctx, &q, err)
		}
	} else {
		if err := r.runSelect(ctx, &q, executor); err != nil {
			return r.fail(ctx, &q, err)
		}
	}

	q.Status = StatusSuccess
	if err := r.store.FinishQuery(ctx, &q, StatusRunning); err != nil {
		if errors.Is(err, ErrConflict) {
			r.logger.Warn("lost ownership at completion", "query_id", q.ID)
			return nil
		}
		return fmt.Errorf("finish query %d: %w", q.ID, err)
	}
	r.logger.Info("query succeeded", "query_id", q.ID, "cta", q.SelectAsCTA)
	return nil
}

// rewrite derives the executed statement from the submitted SQL. CTA queries
// become CREATE TABLE AS plus a stored SELECT for later reads; plain queries
// get wrapped with the row limit when one is set.
func (r *Runner) rewrite(q *Query) error {
	if q.SelectAsCTA {
		executed, err := CreateTableAs(q.SQL, q.TmpTable, false)
		if err != nil {
			return err
		}
		q.ExecutedSQL = executed
		q.SelectSQL = SelectStar(q.TmpTable, q.Limit)
		q.SelectAsCTAUsed = true
		return nil
	}
	if q.Limit > 0 {
		q.ExecutedSQL = WrapLimit(q.SQL, q.Limit)
	} else {
		q.ExecutedSQL = q.SQL
	}
	return nil
}

func (r *Runner) runCTA(ctx context.Context, q *Query, executor Executor) error {
	affected, err := executor.Exec(ctx, q.ExecutedSQL)
	if err != nil {
		return err
	}
	if affected >= 0 {
		q.Rows = &affected
	}
	return nil
}

func (r *Runner) runSelect(ctx context.Context, q *Query, executor Executor) error {
	names, rows, err := executor.Query(ctx, q.ExecutedSQL)
	if err != nil {
		return err
	}

	frame := dataframe.New(names, rows)
	rowCount := int64(len(rows))
	q.Rows = &rowCount
	q.LimitUsed = q.Limit > 0 && len(rows) == q.Limit

	resultsKey := r.newResultsKey()
	if err := r.results.Save(ctx, resultsKey, frame); err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	q.ResultsKey = resultsKey
	observability.ObserveResultRows(rowCount)
	return nil
}

// fail records the fault on the query itself. The returned error is nil on a
// clean failure write so the delivery is acknowledged instead of retried.
func (r *Runner) fail(ctx context.Context, q *Query, cause error) error {
	q.Status = StatusFailed
	q.ErrorMessage = cause.Error()
	if err := r.store.FinishQuery(ctx, q, StatusRunning); err != nil {
		if errors.Is(err, ErrConflict) {
			r.logger.Warn("lost ownership while failing query", "query_id", q.ID, "cause", cause)
			return nil
		}
		return fmt.Errorf("record failure for query %d: %w", q.ID, err)
	}
	r.logger.Warn("query failed", "query_id", q.ID, "error", cause)
	return nil
}
