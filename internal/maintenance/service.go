// Package maintenance reclaims storage held by finished queries. Result
// sets older than the retention age are deleted from the object store and
// detached from their query records.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/s3ni0r/caravel/internal/metastore"
)

type Store interface {
	ListExpiredResults(ctx context.Context, cutoff time.Time, limit int) ([]metastore.ExpiredResult, error)
	ClearResultsKey(ctx context.Context, queryID int64) error
}

type ResultStore interface {
	Delete(ctx context.Context, resultsKey string) error
}

type Config struct {
	RetentionInterval time.Duration
	RetentionAge      time.Duration
	BatchSize         int
}

type Service struct {
	Store   Store
	Results ResultStore
	Config  Config
	Logger  *slog.Logger
	Clock   func() time.Time
}

type RetentionSummary struct {
	CandidateResults int `json:"candidate_results"`
	ResultsDeleted   int `json:"results_deleted"`
	Failures         int `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.RunRetentionOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "retention cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil && summary.ResultsDeleted > 0 {
				s.Logger.InfoContext(ctx, "retention cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

// RunRetentionOnce deletes one batch of expired result sets. Object deletion
// happens before the record is detached so a crash leaves a re-deletable key
// rather than an orphaned object.
func (s *Service) RunRetentionOnce(ctx context.Context) (RetentionSummary, error) {
	s.ensureDefaults()
	if s.Store == nil {
		return RetentionSummary{}, fmt.Errorf("store is required")
	}
	if s.Results == nil {
		return RetentionSummary{}, fmt.Errorf("result store is required")
	}

	cutoff := s.Clock().Add(-s.Config.RetentionAge)
	expired, err := s.Store.ListExpiredResults(ctx, cutoff, s.Config.BatchSize)
	if err != nil {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return RetentionSummary{}, fmt.Errorf("list expired results: %w", err)
	}

	summary := RetentionSummary{CandidateResults: len(expired)}
	failures := make([]string, 0)

	for _, candidate := range expired {
		if err := s.Results.Delete(ctx, candidate.ResultsKey); err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("query %d delete results %s: %v", candidate.QueryID, candidate.ResultsKey, err))
			continue
		}
		if err := s.Store.ClearResultsKey(ctx, candidate.QueryID); err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("query %d clear results key: %v", candidate.QueryID, err))
			continue
		}
		summary.ResultsDeleted++
	}

	if summary.ResultsDeleted > 0 {
		resultsDeletedTotal.Add(float64(summary.ResultsDeleted))
	}
	if len(failures) > 0 {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("retention encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	retentionRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.RetentionInterval <= 0 {
		s.Config.RetentionInterval = 10 * time.Minute
	}
	if s.Config.RetentionAge <= 0 {
		s.Config.RetentionAge = 24 * time.Hour
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 100
	}
}
