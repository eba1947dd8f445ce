package sqlbroker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/s3ni0r/caravel/internal/broker"
	"github.com/s3ni0r/caravel/internal/metastore"
	"github.com/s3ni0r/caravel/internal/migrations"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	db, dialect, err := metastore.Open(context.Background(), metastore.DBConfig{
		DSN: filepath.Join(t.TempDir(), "meta.db"),
	})
	if err != nil {
		t.Fatalf("open metastore: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := migrations.NewRunner(dialect).Up(context.Background(), db, 0); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return New(db, dialect)
}

func TestEnqueueClaimAck(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, broker.Job{JobID: "job-1", QueryID: 11}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job, ok, err := b.Claim(ctx, "worker-1", 30)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if !ok {
		t.Fatal("expected a claim")
	}
	if job.JobID != "job-1" || job.QueryID != 11 || job.Attempt != 1 {
		t.Fatalf("job = %+v", job)
	}

	// A second claim sees nothing while the first is live.
	if _, ok, err := b.Claim(ctx, "worker-2", 30); err != nil || ok {
		t.Fatalf("second Claim() = ok=%v err=%v", ok, err)
	}

	if err := b.Ack(ctx, job.JobID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := b.Ack(ctx, job.JobID); err == nil {
		t.Fatal("double ack should fail")
	}
}

func TestClaimIsFIFO(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for i, jobID := range []string{"job-a", "job-b", "job-c"} {
		if err := b.Enqueue(ctx, broker.Job{JobID: jobID, QueryID: int64(i + 1)}); err != nil {
			t.Fatalf("Enqueue(%q) error = %v", jobID, err)
		}
	}

	for _, want := range []string{"job-a", "job-b", "job-c"} {
		job, ok, err := b.Claim(ctx, "worker-1", 30)
		if err != nil || !ok {
			t.Fatalf("Claim() = ok=%v err=%v", ok, err)
		}
		if job.JobID != want {
			t.Fatalf("JobID = %q, want %q", job.JobID, want)
		}
		if err := b.Ack(ctx, job.JobID); err != nil {
			t.Fatalf("Ack() error = %v", err)
		}
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	b := newTestBroker(t)
	if _, ok, err := b.Claim(context.Background(), "worker-1", 30); err != nil || ok {
		t.Fatalf("Claim() = ok=%v err=%v", ok, err)
	}
}

func TestNackRequeuesJob(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, broker.Job{JobID: "job-1", QueryID: 11}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job, ok, err := b.Claim(ctx, "worker-1", 30)
	if err != nil || !ok {
		t.Fatalf("Claim() = ok=%v err=%v", ok, err)
	}
	if err := b.Nack(ctx, job.JobID, "store unavailable"); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	again, ok, err := b.Claim(ctx, "worker-1", 30)
	if err != nil || !ok {
		t.Fatalf("re-Claim() = ok=%v err=%v", ok, err)
	}
	if again.JobID != "job-1" || again.Attempt != 2 {
		t.Fatalf("job = %+v", again)
	}
}

func TestRequeueExpiredLeases(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	now := time.Now()
	b.clock = func() time.Time { return now }

	if err := b.Enqueue(ctx, broker.Job{JobID: "job-1", QueryID: 11}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, ok, err := b.Claim(ctx, "worker-1", 10); err != nil || !ok {
		t.Fatalf("Claim() = ok=%v err=%v", ok, err)
	}

	// Lease still live: nothing to requeue.
	count, err := b.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}

	b.clock = func() time.Time { return now.Add(11 * time.Second) }
	count, err = b.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	if _, ok, err := b.Claim(ctx, "worker-2", 10); err != nil || !ok {
		t.Fatalf("Claim() after requeue = ok=%v err=%v", ok, err)
	}
}

func TestDepthCountsLiveJobs(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, broker.Job{JobID: "job-1", QueryID: 1}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := b.Enqueue(ctx, broker.Job{JobID: "job-2", QueryID: 2}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	depth, err := b.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}

	job, _, err := b.Claim(ctx, "worker-1", 30)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := b.Ack(ctx, job.JobID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	depth, err = b.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}
