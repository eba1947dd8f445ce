// Package metastore persists Query records and enforces the
// single-writer-per-record discipline through optimistic version checks.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/s3ni0r/caravel/internal/sqllab"
)

var (
	ErrNotFound = errors.New("query not found")
	// ErrConflict means another writer updated the record since it was read.
	// A worker hitting this on claim has lost the query to a peer.
	ErrConflict = sqllab.ErrConflict
	// ErrDuplicateLiveQuery means the unique live-client index rejected an
	// insert: the client id already owns a pending or running query.
	ErrDuplicateLiveQuery = sqllab.ErrDuplicateLiveQuery
)

type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, clock: time.Now}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping metastore: %w", err)
	}
	return nil
}

const queryColumns = `
id, client_id, database_id, sql_text, executed_sql, select_sql,
select_as_cta, select_as_cta_used, tmp_table, row_limit, limit_used,
status, progress, row_count, error_message, results_key,
start_time, end_time, version, created_at`

// InsertQuery persists a new record in pending state. The record is visible
// to polling from this point on, before any engine work begins.
func (s *Store) InsertQuery(ctx context.Context, q *sqllab.Query) error {
	if q.Status == "" {
		q.Status = sqllab.StatusPending
	}
	if q.Status != sqllab.StatusPending {
		return fmt.Errorf("new query must be pending, got %q", q.Status)
	}
	q.Version = 1

	query := s.dialect.Rebind(`
INSERT INTO query (
	client_id, database_id, sql_text, executed_sql, select_sql,
	select_as_cta, select_as_cta_used, tmp_table, row_limit, limit_used,
	status, progress, error_message, results_key, version
)
VALUES (?, ?, ?, '', '', ?, ?, ?, ?, ?, ?, ?, '', '', ?)
RETURNING id, created_at`)

	if err := s.db.QueryRowContext(ctx, query,
		q.ClientID,
		q.DatabaseID,
		q.SQL,
		q.SelectAsCTA,
		false,
		q.TmpTable,
		q.Limit,
		false,
		string(q.Status),
		q.Progress,
		q.Version,
	).Scan(&q.ID, &q.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert query for client %q: %w", q.ClientID, ErrDuplicateLiveQuery)
		}
		return fmt.Errorf("insert query: %w", err)
	}
	return nil
}

// isUniqueViolation matches both drivers' unique-index failures without
// importing either one: modernc sqlite reports "UNIQUE constraint failed",
// postgres reports SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "23505")
}

func (s *Store) GetQueryByID(ctx context.Context, id int64) (sqllab.Query, error) {
	query := s.dialect.Rebind(`
SELECT ` + queryColumns + `
FROM query
WHERE id = ?`)
	return s.scanQuery(s.db.QueryRowContext(ctx, query, id))
}

// GetQueryByClientID returns the most recent query for a client correlation
// id, used by pollers before the server id is known.
func (s *Store) GetQueryByClientID(ctx context.Context, clientID string) (sqllab.Query, error) {
	query := s.dialect.Rebind(`
SELECT ` + queryColumns + `
FROM query
WHERE client_id = ?
ORDER BY id DESC
LIMIT 1`)
	return s.scanQuery(s.db.QueryRowContext(ctx, query, clientID))
}

// HasLiveQuery reports whether the client id maps to a non-terminal query.
// Each client id may own at most one live query at a time.
func (s *Store) HasLiveQuery(ctx context.Context, clientID string) (bool, error) {
	query := s.dialect.Rebind(`
SELECT COUNT(1)
FROM query
WHERE client_id = ? AND status IN (?, ?)`)

	var count int
	if err := s.db.QueryRowContext(ctx, query, clientID,
		string(sqllab.StatusPending), string(sqllab.StatusRunning),
	).Scan(&count); err != nil {
		return false, fmt.Errorf("count live queries: %w", err)
	}
	return count > 0, nil
}

// MarkRunning claims the record for execution: pending -> running. The
// status and version guard makes the claim exclusive; a second claimer gets
// ErrConflict and must walk away.
func (s *Store) MarkRunning(ctx context.Context, q *sqllab.Query) error {
	if !sqllab.CanTransition(q.Status, sqllab.StatusRunning) {
		return fmt.Errorf("cannot start query %d from status %q", q.ID, q.Status)
	}

	startTime := s.clock().UTC()
	query := s.dialect.Rebind(`
UPDATE query
SET status = ?, progress = ?, start_time = ?, version = version + 1
WHERE id = ? AND status = ? AND version = ?`)

	if err := s.guardedExec(ctx, query,
		string(sqllab.StatusRunning), 50, startTime,
		q.ID, string(q.Status), q.Version,
	); err != nil {
		return err
	}

	q.Status = sqllab.StatusRunning
	q.Progress = 50
	q.StartTime = &startTime
	q.Version++
	return nil
}

// RecordExecutedSQL persists the rewritten statement exactly once, before
// engine execution. The record must still be owned by the caller.
func (s *Store) RecordExecutedSQL(ctx context.Context, q *sqllab.Query) error {
	query := s.dialect.Rebind(`
UPDATE query
SET executed_sql = ?, select_sql = ?, select_as_cta_used = ?, tmp_table = ?, version = version + 1
WHERE id = ? AND status = ? AND version = ? AND executed_sql = ''`)

	if err := s.guardedExec(ctx, query,
		q.ExecutedSQL, q.SelectSQL, q.SelectAsCTAUsed, q.TmpTable,
		q.ID, string(sqllab.StatusRunning), q.Version,
	); err != nil {
		return err
	}
	q.Version++
	return nil
}

// FinishQuery moves the record to a terminal state in one whole-step write.
func (s *Store) FinishQuery(ctx context.Context, q *sqllab.Query, from sqllab.Status) error {
	if !sqllab.CanTransition(from, q.Status) {
		return fmt.Errorf("cannot finish query %d: %q -> %q", q.ID, from, q.Status)
	}

	endTime := s.clock().UTC()
	var rowCount sql.NullInt64
	if q.Rows != nil {
		rowCount = sql.NullInt64{Int64: *q.Rows, Valid: true}
	}

	query := s.dialect.Rebind(`
UPDATE query
SET status = ?, progress = ?, row_count = ?, limit_used = ?,
	error_message = ?, results_key = ?, end_time = ?, version = version + 1
WHERE id = ? AND status = ? AND version = ?`)

	if err := s.guardedExec(ctx, query,
		string(q.Status), 100, rowCount, q.LimitUsed,
		q.ErrorMessage, q.ResultsKey, endTime,
		q.ID, string(from), q.Version,
	); err != nil {
		return err
	}

	q.Progress = 100
	q.EndTime = &endTime
	q.Version++
	return nil
}

// ExpiredResult identifies a terminal query whose materialized results
// finished before a retention cutoff.
type ExpiredResult struct {
	QueryID    int64
	ResultsKey string
}

// ListExpiredResults returns up to limit terminal queries that still hold a
// results key and finished before cutoff, oldest first.
func (s *Store) ListExpiredResults(ctx context.Context, cutoff time.Time, limit int) ([]ExpiredResult, error) {
	query := s.dialect.Rebind(`
SELECT id, results_key
FROM query
WHERE results_key <> '' AND status IN (?, ?) AND end_time < ?
ORDER BY end_time
LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query,
		string(sqllab.StatusSuccess), string(sqllab.StatusFailed), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired results: %w", err)
	}
	defer rows.Close()

	var expired []ExpiredResult
	for rows.Next() {
		var e ExpiredResult
		if err := rows.Scan(&e.QueryID, &e.ResultsKey); err != nil {
			return nil, fmt.Errorf("scan expired result: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired results: %w", err)
	}
	return expired, nil
}

// ClearResultsKey detaches a query from its deleted result objects. The
// record stays terminal; pollers see no stored results afterwards.
func (s *Store) ClearResultsKey(ctx context.Context, queryID int64) error {
	query := s.dialect.Rebind(`
UPDATE query
SET results_key = '', version = version + 1
WHERE id = ? AND results_key <> ''`)

	if _, err := s.db.ExecContext(ctx, query, queryID); err != nil {
		return fmt.Errorf("clear results key: %w", err)
	}
	return nil
}

func (s *Store) guardedExec(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update query: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update query rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) scanQuery(row *sql.Row) (sqllab.Query, error) {
	var (
		q         sqllab.Query
		status    string
		rowCount  sql.NullInt64
		startTime sql.NullTime
		endTime   sql.NullTime
	)
	if err := row.Scan(
		&q.ID,
		&q.ClientID,
		&q.DatabaseID,
		&q.SQL,
		&q.ExecutedSQL,
		&q.SelectSQL,
		&q.SelectAsCTA,
		&q.SelectAsCTAUsed,
		&q.TmpTable,
		&q.Limit,
		&q.LimitUsed,
		&status,
		&q.Progress,
		&rowCount,
		&q.ErrorMessage,
		&q.ResultsKey,
		&startTime,
		&endTime,
		&q.Version,
		&q.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sqllab.Query{}, ErrNotFound
		}
		return sqllab.Query{}, fmt.Errorf("scan query row: %w", err)
	}

	q.Status = sqllab.Status(status)
	if rowCount.Valid {
		q.Rows = &rowCount.Int64
	}
	if startTime.Valid {
		t := startTime.Time
		q.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		q.EndTime = &t
	}
	return q, nil
}
