// Package dispatch accepts query submissions, persists the pending record,
// and routes execution either inline (sync) or through the broker (async).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/s3ni0r/caravel/internal/broker"
	"github.com/s3ni0r/caravel/internal/registry"
	"github.com/s3ni0r/caravel/internal/sqllab"
)

// SubmissionError is a client fault: the submission was rejected before a
// query record was created.
type SubmissionError struct {
	Reason string
}

func (e *SubmissionError) Error() string { return e.Reason }

func rejectf(format string, args ...any) error {
	return &SubmissionError{Reason: fmt.Sprintf(format, args...)}
}

// Submission is one request to run a SQL statement.
type Submission struct {
	DatabaseID   int64
	SQL          string
	ClientID     string
	SelectAsCTA  bool
	TmpTableName string
	Async        bool
	Limit        int
}

// Store is the slice of the metadata store the dispatcher needs.
type Store interface {
	InsertQuery(ctx context.Context, q *sqllab.Query) error
	GetQueryByID(ctx context.Context, id int64) (sqllab.Query, error)
	HasLiveQuery(ctx context.Context, clientID string) (bool, error)
	FinishQuery(ctx context.Context, q *sqllab.Query, from sqllab.Status) error
}

// Databases resolves registered target databases.
type Databases interface {
	GetDatabase(ctx context.Context, id int64) (registry.Database, error)
}

// Runner executes one query record synchronously.
type Runner interface {
	Execute(ctx context.Context, queryID int64) error
}

type Dispatcher struct {
	store        Store
	databases    Databases
	queue        broker.Broker
	runner       Runner
	defaultLimit int
	newJobID     func() string
	logger       *slog.Logger
}

func New(store Store, databases Databases, queue broker.Broker, runner Runner, defaultLimit int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		databases:    databases,
		queue:        queue,
		runner:       runner,
		defaultLimit: defaultLimit,
		newJobID:     uuid.NewString,
		logger:       logger,
	}
}

// Submit validates the submission, records the pending query, and dispatches
// it. Sync submissions return the terminal record; async submissions return
// as soon as the job is queued, usually still pending. Validation faults are
// returned as *SubmissionError without creating a record.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (sqllab.Query, error) {
	q, err := d.validate(ctx, sub)
	if err != nil {
		return sqllab.Query{}, err
	}

	if err := d.store.InsertQuery(ctx, &q); err != nil {
		// The unique live-client index closes the race two concurrent
		// submissions can win against the HasLiveQuery pre-check.
		if errors.Is(err, sqllab.ErrDuplicateLiveQuery) {
			return sqllab.Query{}, rejectf("client %q already has a query in flight", q.ClientID)
		}
		return sqllab.Query{}, fmt.Errorf("insert query: %w", err)
	}
	d.logger.Info("query accepted", "query_id", q.ID, "client_id", q.ClientID, "async", sub.Async)

	if !sub.Async {
		return d.runInline(ctx, q)
	}
	return d.enqueue(ctx, q)
}

func (d *Dispatcher) validate(ctx context.Context, sub Submission) (sqllab.Query, error) {
	sqlText := strings.TrimSpace(sub.SQL)
	if sqlText == "" {
		return sqllab.Query{}, rejectf("sql is required")
	}
	clientID := strings.TrimSpace(sub.ClientID)
	if clientID == "" {
		return sqllab.Query{}, rejectf("client id is required")
	}

	if _, err := d.databases.GetDatabase(ctx, sub.DatabaseID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return sqllab.Query{}, rejectf("database %d is not registered", sub.DatabaseID)
		}
		return sqllab.Query{}, fmt.Errorf("look up database %d: %w", sub.DatabaseID, err)
	}

	tmpTable := strings.TrimSpace(sub.TmpTableName)
	if sub.SelectAsCTA && tmpTable == "" {
		return sqllab.Query{}, rejectf("tmp table name is required when select_as_cta is set")
	}

	live, err := d.store.HasLiveQuery(ctx, clientID)
	if err != nil {
		return sqllab.Query{}, fmt.Errorf("check live queries for %q: %w", clientID, err)
	}
	if live {
		return sqllab.Query{}, rejectf("client %q already has a query in flight", clientID)
	}

	limit := sub.Limit
	if limit <= 0 {
		limit = d.defaultLimit
	}

	return sqllab.Query{
		ClientID:    clientID,
		DatabaseID:  sub.DatabaseID,
		SQL:         sub.SQL,
		SelectAsCTA: sub.SelectAsCTA,
		TmpTable:    tmpTable,
		Limit:       limit,
		Status:      sqllab.StatusPending,
	}, nil
}

func (d *Dispatcher) runInline(ctx context.Context, q sqllab.Query) (sqllab.Query, error) {
	if err := d.runner.Execute(ctx, q.ID); err != nil {
		return sqllab.Query{}, fmt.Errorf("execute query %d: %w", q.ID, err)
	}
	done, err := d.store.GetQueryByID(ctx, q.ID)
	if err != nil {
		return sqllab.Query{}, fmt.Errorf("reload query %d: %w", q.ID, err)
	}
	return done, nil
}

// enqueue hands the query to the broker. A broker fault is recorded on the
// query itself so the client sees a failed record instead of a lost one.
func (d *Dispatcher) enqueue(ctx context.Context, q sqllab.Query) (sqllab.Query, error) {
	job := broker.Job{JobID: d.newJobID(), QueryID: q.ID}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		d.logger.Error("enqueue failed", "query_id", q.ID, "error", err)
		from := q.Status
		q.Status = sqllab.StatusFailed
		q.ErrorMessage = fmt.Sprintf("could not queue query: %v", err)
		if finishErr := d.store.FinishQuery(ctx, &q, from); finishErr != nil {
			return sqllab.Query{}, fmt.Errorf("record enqueue failure for query %d: %w", q.ID, finishErr)
		}
		return q, nil
	}
	return q, nil
}
