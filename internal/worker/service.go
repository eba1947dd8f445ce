// Package worker polls the broker and drives query execution.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/s3ni0r/caravel/internal/broker"
	"github.com/s3ni0r/caravel/internal/observability"
)

type Runner interface {
	Execute(ctx context.Context, queryID int64) error
}

type Config struct {
	ConsumerID      string
	Concurrency     int
	LeaseSeconds    int
	PollInterval    time.Duration
	RequeueInterval time.Duration
}

type Service struct {
	Broker broker.Broker
	Runner Runner
	Config Config
	Logger *slog.Logger
}

// Run polls until ctx is cancelled. Config.Concurrency poll loops claim and
// execute jobs; one sweep loop returns expired claims to the queue.
func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	var wg sync.WaitGroup
	for i := 0; i < s.Config.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			s.pollLoop(ctx, slot)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (s *Service) pollLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(s.Config.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := s.ProcessOnce(ctx)
		if err != nil {
			if s.Logger != nil {
				s.Logger.ErrorContext(ctx, "worker process cycle failed",
					slog.Int("slot", slot), slog.Any("error", err))
			}
		}
		if processed {
			// Drain the queue before going back to sleep.
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.Config.RequeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		requeued, err := s.Broker.RequeueExpired(ctx)
		if err != nil {
			if s.Logger != nil {
				s.Logger.ErrorContext(ctx, "requeue sweep failed", slog.Any("error", err))
			}
			continue
		}
		if requeued > 0 && s.Logger != nil {
			s.Logger.WarnContext(ctx, "requeued expired claims", slog.Int("count", requeued))
		}

		depth, err := s.Broker.Depth(ctx)
		if err != nil {
			if s.Logger != nil {
				s.Logger.ErrorContext(ctx, "queue depth check failed", slog.Any("error", err))
			}
			continue
		}
		observability.SetBrokerQueueDepth(depth)
	}
}

// ProcessOnce claims at most one job and executes it. The job is acked when
// the runner reaches a verdict on the query; it is nacked only on
// infrastructure faults so delivery is retried.
func (s *Service) ProcessOnce(ctx context.Context) (bool, error) {
	s.ensureDefaults()

	job, ok, err := s.Broker.Claim(ctx, s.Config.ConsumerID, s.Config.LeaseSeconds)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if !ok {
		return false, nil
	}

	if err := s.Runner.Execute(ctx, job.QueryID); err != nil {
		if nackErr := s.Broker.Nack(ctx, job.JobID, err.Error()); nackErr != nil {
			return true, fmt.Errorf("nack job %s: %w", job.JobID, nackErr)
		}
		return true, fmt.Errorf("execute query %d: %w", job.QueryID, err)
	}

	if err := s.Broker.Ack(ctx, job.JobID); err != nil {
		return true, fmt.Errorf("ack job %s: %w", job.JobID, err)
	}

	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "worker completed job",
			slog.String("job_id", job.JobID),
			slog.Int64("query_id", job.QueryID),
			slog.Int("attempt", job.Attempt),
		)
	}
	return true, nil
}

func (s *Service) ensureDefaults() {
	if s.Config.ConsumerID == "" {
		s.Config.ConsumerID = "caravel-worker"
	}
	if s.Config.Concurrency <= 0 {
		s.Config.Concurrency = 1
	}
	if s.Config.LeaseSeconds <= 0 {
		s.Config.LeaseSeconds = 30
	}
	if s.Config.PollInterval <= 0 {
		s.Config.PollInterval = 300 * time.Millisecond
	}
	if s.Config.RequeueInterval <= 0 {
		s.Config.RequeueInterval = 5 * time.Second
	}
}
