// Package sqlbroker is a durable broker over the metadata store. Jobs
// survive process restarts; FIFO order follows the insertion sequence.
package sqlbroker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/s3ni0r/caravel/internal/broker"
	"github.com/s3ni0r/caravel/internal/metastore"
)

type Broker struct {
	db      *sql.DB
	dialect metastore.Dialect
	clock   func() time.Time
}

func New(db *sql.DB, dialect metastore.Dialect) *Broker {
	return &Broker{db: db, dialect: dialect, clock: time.Now}
}

func (b *Broker) Enqueue(ctx context.Context, job broker.Job) error {
	if job.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.QueryID <= 0 {
		return fmt.Errorf("query id is required")
	}

	query := b.dialect.Rebind(`
INSERT INTO query_job (job_id, query_id, state)
VALUES (?, ?, ?)`)
	if _, err := b.db.ExecContext(ctx, query, job.JobID, job.QueryID, string(broker.StatePending)); err != nil {
		return fmt.Errorf("enqueue job %q: %w", job.JobID, err)
	}
	return nil
}

// Claim picks the oldest pending job and marks it claimed under a lease.
// A lost race with a peer worker is not an error: the claim simply comes
// back empty and the caller polls again.
func (b *Broker) Claim(ctx context.Context, consumerID string, leaseSeconds int) (broker.Job, bool, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = 60
	}

	selectQuery := b.dialect.Rebind(`
SELECT job_id, query_id, attempt, enqueued_at
FROM query_job
WHERE state = ?
ORDER BY seq ASC
LIMIT 1`)

	var job broker.Job
	err := b.db.QueryRowContext(ctx, selectQuery, string(broker.StatePending)).Scan(
		&job.JobID, &job.QueryID, &job.Attempt, &job.EnqueuedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return broker.Job{}, false, nil
	}
	if err != nil {
		return broker.Job{}, false, fmt.Errorf("select claim candidate: %w", err)
	}

	leaseUntil := b.clock().UTC().Add(time.Duration(leaseSeconds) * time.Second).Unix()
	updateQuery := b.dialect.Rebind(`
UPDATE query_job
SET state = ?, consumer_id = ?, attempt = attempt + 1, lease_until = ?
WHERE job_id = ? AND state = ?`)

	result, err := b.db.ExecContext(ctx, updateQuery,
		string(broker.StateClaimed), consumerID, leaseUntil,
		job.JobID, string(broker.StatePending),
	)
	if err != nil {
		return broker.Job{}, false, fmt.Errorf("claim job %q: %w", job.JobID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return broker.Job{}, false, fmt.Errorf("claim job rows affected: %w", err)
	}
	if affected == 0 {
		return broker.Job{}, false, nil
	}

	job.Attempt++
	return job, true, nil
}

func (b *Broker) Ack(ctx context.Context, jobID string) error {
	query := b.dialect.Rebind(`
UPDATE query_job
SET state = ?, lease_until = NULL
WHERE job_id = ? AND state = ?`)

	result, err := b.db.ExecContext(ctx, query, string(broker.StateDone), jobID, string(broker.StateClaimed))
	if err != nil {
		return fmt.Errorf("ack job %q: %w", jobID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack job rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("ack job %q: not claimed", jobID)
	}
	return nil
}

// Nack returns a claimed job to the queue, keeping the attempt count.
func (b *Broker) Nack(ctx context.Context, jobID string, reason string) error {
	query := b.dialect.Rebind(`
UPDATE query_job
SET state = ?, consumer_id = '', lease_until = NULL, reason = ?
WHERE job_id = ? AND state = ?`)

	result, err := b.db.ExecContext(ctx, query, string(broker.StatePending), reason, jobID, string(broker.StateClaimed))
	if err != nil {
		return fmt.Errorf("nack job %q: %w", jobID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("nack job rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("nack job %q: not claimed", jobID)
	}
	return nil
}

// RequeueExpired puts jobs whose lease has elapsed back in pending state.
// These are claims from workers that crashed mid-execution.
func (b *Broker) RequeueExpired(ctx context.Context) (int, error) {
	now := b.clock().UTC().Unix()
	query := b.dialect.Rebind(`
UPDATE query_job
SET state = ?, consumer_id = '', lease_until = NULL, reason = 'lease expired'
WHERE state = ? AND lease_until IS NOT NULL AND lease_until <= ?`)

	result, err := b.db.ExecContext(ctx, query, string(broker.StatePending), string(broker.StateClaimed), now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue rows affected: %w", err)
	}
	return int(affected), nil
}

// Depth counts jobs waiting for or under execution.
func (b *Broker) Depth(ctx context.Context) (int, error) {
	query := b.dialect.Rebind(`
SELECT COUNT(1)
FROM query_job
WHERE state IN (?, ?)`)

	var depth int
	if err := b.db.QueryRowContext(ctx, query, string(broker.StatePending), string(broker.StateClaimed)).Scan(&depth); err != nil {
		return 0, fmt.Errorf("count queue depth: %w", err)
	}
	return depth, nil
}
