package sqllab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/s3ni0r/caravel/internal/dataframe"
)

type fakeQueryStore struct {
	query          Query
	markRunningErr error
	recordErr      error
	finishErr      error
	finished       *Query
	finishedFrom   Status
}

func (f *fakeQueryStore) GetQueryByID(_ context.Context, id int64) (Query, error) {
	if id != f.query.ID {
		return Query{}, errors.New("query not found")
	}
	return f.query, nil
}

func (f *fakeQueryStore) MarkRunning(_ context.Context, q *Query) error {
	if f.markRunningErr != nil {
		return f.markRunningErr
	}
	q.Status = StatusRunning
	q.Progress = 50
	q.Version++
	return nil
}

func (f *fakeQueryStore) RecordExecutedSQL(_ context.Context, q *Query) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	q.Version++
	return nil
}

func (f *fakeQueryStore) FinishQuery(_ context.Context, q *Query, from Status) error {
	if f.finishErr != nil {
		return f.finishErr
	}
	if !CanTransition(from, q.Status) {
		return fmt.Errorf("cannot finish: %q -> %q", from, q.Status)
	}
	q.Progress = 100
	q.Version++
	copied := *q
	f.finished = &copied
	f.finishedFrom = from
	return nil
}

type fakeExecutor struct {
	names    []string
	rows     [][]any
	queryErr error
	affected int64
	execErr  error
	lastSQL  string
}

func (f *fakeExecutor) Query(_ context.Context, sqlText string) ([]string, [][]any, error) {
	f.lastSQL = sqlText
	if f.queryErr != nil {
		return nil, nil, f.queryErr
	}
	return f.names, f.rows, nil
}

func (f *fakeExecutor) Exec(_ context.Context, sqlText string) (int64, error) {
	f.lastSQL = sqlText
	if f.execErr != nil {
		return 0, f.execErr
	}
	return f.affected, nil
}

type fakeResultWriter struct {
	saveErr error
	key     string
	frame   *dataframe.DataFrame
}

func (f *fakeResultWriter) Save(_ context.Context, resultsKey string, frame *dataframe.DataFrame) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.key = resultsKey
	f.frame = frame
	return nil
}

func newTestRunner(store *fakeQueryStore, executor Executor, results *fakeResultWriter) *Runner {
	resolve := func(context.Context, int64) (Executor, error) { return executor, nil }
	runner := NewRunner(store, resolve, results, slog.New(slog.DiscardHandler))
	runner.newResultsKey = func() string { return "rk-test" }
	return runner
}

func pendingQuery() Query {
	return Query{
		ID:         7,
		ClientID:   "client-7",
		DatabaseID: 1,
		SQL:        "SELECT name FROM users",
		Limit:      2,
		Status:     StatusPending,
		Version:    1,
	}
}

func TestExecuteSelectSuccess(t *testing.T) {
	store := &fakeQueryStore{query: pendingQuery()}
	executor := &fakeExecutor{
		names: []string{"name"},
		rows:  [][]any{{"alpha"}, {"beta"}},
	}
	results := &fakeResultWriter{}

	runner := newTestRunner(store, executor, results)
	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	done := store.finished
	if done == nil {
		t.Fatal("query never finished")
	}
	if done.Status != StatusSuccess {
		t.Fatalf("status = %q, want success", done.Status)
	}
	if store.finishedFrom != StatusRunning {
		t.Fatalf("finished from %q, want running", store.finishedFrom)
	}
	if executor.lastSQL != "SELECT * FROM (SELECT name FROM users) AS inner_qry LIMIT 2" {
		t.Fatalf("executed sql = %q", executor.lastSQL)
	}
	if done.ExecutedSQL != executor.lastSQL {
		t.Fatalf("recorded executed sql = %q", done.ExecutedSQL)
	}
	if !done.LimitUsed {
		t.Fatal("limit_used = false, want true when row count hits the limit")
	}
	if done.Rows == nil || *done.Rows != 2 {
		t.Fatalf("rows = %v, want 2", done.Rows)
	}
	if done.ResultsKey != "rk-test" {
		t.Fatalf("results key = %q", done.ResultsKey)
	}
	if results.frame == nil || results.frame.RowCount() != 2 {
		t.Fatal("results were not saved")
	}
}

func TestExecuteSelectUnderLimit(t *testing.T) {
	store := &fakeQueryStore{query: pendingQuery()}
	executor := &fakeExecutor{names: []string{"name"}, rows: [][]any{{"alpha"}}}
	runner := newTestRunner(store, executor, &fakeResultWriter{})

	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if store.finished.LimitUsed {
		t.Fatal("limit_used = true, want false under the limit")
	}
}

func TestExecuteNoLimitRunsRawSQL(t *testing.T) {
	q := pendingQuery()
	q.Limit = 0
	store := &fakeQueryStore{query: q}
	executor := &fakeExecutor{names: []string{"name"}}
	runner := newTestRunner(store, executor, &fakeResultWriter{})

	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if executor.lastSQL != "SELECT name FROM users" {
		t.Fatalf("executed sql = %q", executor.lastSQL)
	}
}

func TestExecuteCTASuccess(t *testing.T) {
	q := pendingQuery()
	q.SelectAsCTA = true
	q.TmpTable = "tmp_results"
	store := &fakeQueryStore{query: q}
	executor := &fakeExecutor{affected: 5}
	results := &fakeResultWriter{}

	runner := newTestRunner(store, executor, results)
	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	done := store.finished
	if done.Status != StatusSuccess {
		t.Fatalf("status = %q", done.Status)
	}
	if done.ExecutedSQL != "CREATE TABLE tmp_results AS \nSELECT name FROM users" {
		t.Fatalf("executed sql = %q", done.ExecutedSQL)
	}
	if !strings.Contains(done.SelectSQL, "FROM tmp_results") {
		t.Fatalf("select sql = %q", done.SelectSQL)
	}
	if !done.SelectAsCTAUsed {
		t.Fatal("select_as_cta_used = false")
	}
	if done.Rows == nil || *done.Rows != 5 {
		t.Fatalf("rows = %v, want 5", done.Rows)
	}
	if done.ResultsKey != "" {
		t.Fatalf("results key = %q, want empty for CTA", done.ResultsKey)
	}
	if results.frame != nil {
		t.Fatal("CTA queries must not write a result set")
	}
}

func TestExecuteCTAUnknownRowCount(t *testing.T) {
	q := pendingQuery()
	q.SelectAsCTA = true
	q.TmpTable = "tmp_results"
	store := &fakeQueryStore{query: q}
	executor := &fakeExecutor{affected: -1}

	runner := newTestRunner(store, executor, &fakeResultWriter{})
	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if store.finished.Rows != nil {
		t.Fatalf("rows = %v, want nil when the driver cannot count", *store.finished.Rows)
	}
}

func TestExecuteEngineFaultFailsQuery(t *testing.T) {
	store := &fakeQueryStore{query: pendingQuery()}
	executor := &fakeExecutor{queryErr: errors.New(`no such table: outer_space`)}

	runner := newTestRunner(store, executor, &fakeResultWriter{})
	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v, want nil for a recorded failure", err)
	}

	done := store.finished
	if done.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if !strings.Contains(done.ErrorMessage, "outer_space") {
		t.Fatalf("error message = %q", done.ErrorMessage)
	}
}

func TestExecuteCTAEmptyTableNameFailsQuery(t *testing.T) {
	q := pendingQuery()
	q.SelectAsCTA = true
	store := &fakeQueryStore{query: q}

	runner := newTestRunner(store, &fakeExecutor{}, &fakeResultWriter{})
	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if store.finished.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", store.finished.Status)
	}
}

func TestExecuteResolveFaultFailsQuery(t *testing.T) {
	store := &fakeQueryStore{query: pendingQuery()}
	resolve := func(context.Context, int64) (Executor, error) {
		return nil, errors.New("database 1 is not registered")
	}
	runner := NewRunner(store, resolve, &fakeResultWriter{}, slog.New(slog.DiscardHandler))

	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if store.finished.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", store.finished.Status)
	}
}

func TestExecuteResultSaveFaultFailsQuery(t *testing.T) {
	store := &fakeQueryStore{query: pendingQuery()}
	executor := &fakeExecutor{names: []string{"name"}, rows: [][]any{{"alpha"}}}
	results := &fakeResultWriter{saveErr: errors.New("bucket unavailable")}

	runner := newTestRunner(store, executor, results)
	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	done := store.finished
	if done.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if !strings.Contains(done.ErrorMessage, "bucket unavailable") {
		t.Fatalf("error message = %q", done.ErrorMessage)
	}
}

func TestExecuteTerminalQueryIsNoOp(t *testing.T) {
	q := pendingQuery()
	q.Status = StatusSuccess
	store := &fakeQueryStore{query: q, markRunningErr: errors.New("must not be called")}

	runner := newTestRunner(store, &fakeExecutor{}, &fakeResultWriter{})
	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if store.finished != nil {
		t.Fatal("terminal query must not be touched")
	}
}

func TestExecuteRunningQueryIsNoOp(t *testing.T) {
	q := pendingQuery()
	q.Status = StatusRunning
	store := &fakeQueryStore{query: q, markRunningErr: errors.New("must not be called")}

	runner := newTestRunner(store, &fakeExecutor{}, &fakeResultWriter{})
	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if store.finished != nil {
		t.Fatal("running query must not be touched")
	}
}

func TestExecuteLostClaimWalksAway(t *testing.T) {
	store := &fakeQueryStore{query: pendingQuery(), markRunningErr: ErrConflict}

	runner := newTestRunner(store, &fakeExecutor{}, &fakeResultWriter{})
	if err := runner.Execute(context.Background(), 7); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if store.finished != nil {
		t.Fatal("lost claim must not finish the query")
	}
}

func TestExecuteStoreFaultPropagates(t *testing.T) {
	store := &fakeQueryStore{query: pendingQuery(), markRunningErr: errors.New("connection reset")}

	runner := newTestRunner(store, &fakeExecutor{}, &fakeResultWriter{})
	if err := runner.Execute(context.Background(), 7); err == nil {
		t.Fatal("expected infrastructure error to propagate")
	}
}

func TestExecuteUnknownQuery(t *testing.T) {
	store := &fakeQueryStore{query: pendingQuery()}
	runner := newTestRunner(store, &fakeExecutor{}, &fakeResultWriter{})
	if err := runner.Execute(context.Background(), 99); err == nil {
		t.Fatal("expected error for unknown query id")
	}
}
