// Package broker defines the queue that decouples query submission from
// worker execution.
package broker

import (
	"context"
	"time"
)

// Job states as persisted by durable implementations.
type JobState string

const (
	StatePending JobState = "pending"
	StateClaimed JobState = "claimed"
	StateDone    JobState = "done"
	StateFailed  JobState = "failed"
)

// Job carries one query execution order. The job id is assigned by the
// submitter; the query id points at the persisted Query record.
type Job struct {
	JobID      string
	QueryID    int64
	Attempt    int
	EnqueuedAt time.Time
}

// Broker queues jobs in submission order. Claim hands out at most one live
// claim per job; a claim expires after its lease and is returned to the
// queue by RequeueExpired.
type Broker interface {
	Enqueue(ctx context.Context, job Job) error
	Claim(ctx context.Context, consumerID string, leaseSeconds int) (Job, bool, error)
	Ack(ctx context.Context, jobID string) error
	Nack(ctx context.Context, jobID string, reason string) error
	RequeueExpired(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int, error)
}
