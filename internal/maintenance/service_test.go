package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/s3ni0r/caravel/internal/metastore"
)

type fakeStore struct {
	expired     []metastore.ExpiredResult
	listErr     error
	gotCutoff   time.Time
	gotLimit    int
	clearedIDs  []int64
	clearErrFor int64
}

func (f *fakeStore) ListExpiredResults(_ context.Context, cutoff time.Time, limit int) ([]metastore.ExpiredResult, error) {
	f.gotCutoff = cutoff
	f.gotLimit = limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.expired, nil
}

func (f *fakeStore) ClearResultsKey(_ context.Context, queryID int64) error {
	if f.clearErrFor != 0 && queryID == f.clearErrFor {
		return errors.New("clear failed")
	}
	f.clearedIDs = append(f.clearedIDs, queryID)
	return nil
}

type fakeResults struct {
	deleted   []string
	deleteErr map[string]error
}

func (f *fakeResults) Delete(_ context.Context, resultsKey string) error {
	if err := f.deleteErr[resultsKey]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, resultsKey)
	return nil
}

func TestRunRetentionOnceDeletesExpiredResults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{expired: []metastore.ExpiredResult{
		{QueryID: 1, ResultsKey: "rk-1"},
		{QueryID: 2, ResultsKey: "rk-2"},
	}}
	results := &fakeResults{}

	svc := &Service{
		Store:   store,
		Results: results,
		Config:  Config{RetentionAge: time.Hour, BatchSize: 10},
		Clock:   func() time.Time { return now },
	}

	summary, err := svc.RunRetentionOnce(context.Background())
	if err != nil {
		t.Fatalf("RunRetentionOnce: %v", err)
	}
	if summary.CandidateResults != 2 || summary.ResultsDeleted != 2 || summary.Failures != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if want := now.Add(-time.Hour); !store.gotCutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", store.gotCutoff, want)
	}
	if store.gotLimit != 10 {
		t.Fatalf("limit = %d", store.gotLimit)
	}
	if len(results.deleted) != 2 || results.deleted[0] != "rk-1" {
		t.Fatalf("deleted = %v", results.deleted)
	}
	if len(store.clearedIDs) != 2 || store.clearedIDs[1] != 2 {
		t.Fatalf("cleared = %v", store.clearedIDs)
	}
}

func TestRunRetentionOnceKeepsRecordWhenObjectDeleteFails(t *testing.T) {
	store := &fakeStore{expired: []metastore.ExpiredResult{
		{QueryID: 1, ResultsKey: "rk-1"},
		{QueryID: 2, ResultsKey: "rk-2"},
	}}
	results := &fakeResults{deleteErr: map[string]error{"rk-1": errors.New("storage down")}}

	svc := &Service{Store: store, Results: results}
	summary, err := svc.RunRetentionOnce(context.Background())
	if err == nil {
		t.Fatal("expected error summarizing failures")
	}
	if summary.ResultsDeleted != 1 || summary.Failures != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	for _, id := range store.clearedIDs {
		if id == 1 {
			t.Fatal("results key cleared despite failed object delete")
		}
	}
}

func TestRunRetentionOnceReportsListFailure(t *testing.T) {
	store := &fakeStore{listErr: errors.New("db down")}
	svc := &Service{Store: store, Results: &fakeResults{}}

	if _, err := svc.RunRetentionOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunRetentionOnceNoCandidates(t *testing.T) {
	svc := &Service{Store: &fakeStore{}, Results: &fakeResults{}}
	summary, err := svc.RunRetentionOnce(context.Background())
	if err != nil {
		t.Fatalf("RunRetentionOnce: %v", err)
	}
	if summary.CandidateResults != 0 || summary.ResultsDeleted != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}
