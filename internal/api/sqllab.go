package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/s3ni0r/caravel/internal/dataframe"
	"github.com/s3ni0r/caravel/internal/dispatch"
	"github.com/s3ni0r/caravel/internal/metastore"
	"github.com/s3ni0r/caravel/internal/observability"
	"github.com/s3ni0r/caravel/internal/resultstore"
	"github.com/s3ni0r/caravel/internal/sqllab"
)

type sqlJSONRequest struct {
	DatabaseID   int64  `json:"database_id"`
	SQL          string `json:"sql"`
	ClientID     string `json:"client_id"`
	SelectAsCTA  bool   `json:"select_as_cta"`
	TmpTableName string `json:"tmp_table_name"`
	Async        bool   `json:"async"`
	Limit        int    `json:"limit"`
}

// queryPayload is the wire form of a query record. Key casing follows the
// SQL Lab frontend contract.
type queryPayload struct {
	ServerID        int64      `json:"serverId"`
	ClientID        string     `json:"clientId"`
	DBID            int64      `json:"dbId"`
	SQL             string     `json:"sql"`
	ExecutedSQL     string     `json:"executedSql"`
	SelectSQL       string     `json:"selectSql"`
	State           string     `json:"state"`
	Progress        int        `json:"progress"`
	Rows            *int64     `json:"rows"`
	Limit           int        `json:"limit"`
	LimitUsed       bool       `json:"limitUsed"`
	SelectAsCTA     bool       `json:"selectAsCta"`
	SelectAsCTAUsed bool       `json:"selectAsCtaUsed"`
	TmpTable        string     `json:"tmpTable"`
	ResultsKey      string     `json:"resultsKey"`
	ErrorMessage    string     `json:"errorMessage"`
	StartTime       *time.Time `json:"startTime"`
	EndTime         *time.Time `json:"endTime"`
}

type queryEnvelope struct {
	Query   queryPayload       `json:"query"`
	Data    []map[string]any   `json:"data"`
	Columns []dataframe.Column `json:"columns"`
	Error   string             `json:"error,omitempty"`
}

func toQueryPayload(q sqllab.Query) queryPayload {
	return queryPayload{
		ServerID:        q.ID,
		ClientID:        q.ClientID,
		DBID:            q.DatabaseID,
		SQL:             q.SQL,
		ExecutedSQL:     q.ExecutedSQL,
		SelectSQL:       q.SelectSQL,
		State:           string(q.Status),
		Progress:        q.Progress,
		Rows:            q.Rows,
		Limit:           q.Limit,
		LimitUsed:       q.LimitUsed,
		SelectAsCTA:     q.SelectAsCTA,
		SelectAsCTAUsed: q.SelectAsCTAUsed,
		TmpTable:        q.TmpTable,
		ResultsKey:      q.ResultsKey,
		ErrorMessage:    q.ErrorMessage,
		StartTime:       q.StartTime,
		EndTime:         q.EndTime,
	}
}

func handleSQLJSON(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req sqlJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	q, err := deps.Dispatcher.Submit(r.Context(), dispatch.Submission{
		DatabaseID:   req.DatabaseID,
		SQL:          req.SQL,
		ClientID:     req.ClientID,
		SelectAsCTA:  req.SelectAsCTA,
		TmpTableName: req.TmpTableName,
		Async:        req.Async,
		Limit:        req.Limit,
	})
	if err != nil {
		var subErr *dispatch.SubmissionError
		if errors.As(err, &subErr) {
			observability.ObserveQueryRejected()
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": subErr.Reason})
			return
		}
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "sql_json submission failed", "error", err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "query submission failed"})
		return
	}

	observability.ObserveQuerySubmitted(req.Async)
	if q.Status.Terminal() && q.StartTime != nil && q.EndTime != nil {
		observability.ObserveQueryFinished(string(q.Status), q.EndTime.Sub(*q.StartTime))
	}
	writeJSON(w, http.StatusOK, buildEnvelope(deps, r, q))
}

func handleGetQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	serverID, err := strconv.ParseInt(r.PathValue("serverID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid query id"})
		return
	}
	q, err := deps.Queries.GetQueryByID(r.Context(), serverID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "query not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "query lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, buildEnvelope(deps, r, q))
}

func handleLookupQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "client_id is required"})
		return
	}
	q, err := deps.Queries.GetQueryByClientID(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "query not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "query lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, buildEnvelope(deps, r, q))
}

func handleGetResults(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	results, err := deps.Results.Fetch(r.Context(), key)
	if err != nil {
		if errors.Is(err, resultstore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "results not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "results fetch failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":     results.Records,
		"columns":  results.Columns,
		"rowCount": results.RowCount,
	})
}

// buildEnvelope attaches materialized rows to a terminal record when they
// are available. The record still reaches the client when the fetch faults,
// but the envelope error names the fault so a success state with empty data
// is never mistaken for an empty result set.
func buildEnvelope(deps Dependencies, r *http.Request, q sqllab.Query) queryEnvelope {
	envelope := queryEnvelope{
		Query:   toQueryPayload(q),
		Data:    []map[string]any{},
		Columns: []dataframe.Column{},
	}
	if q.Status == sqllab.StatusFailed {
		envelope.Error = q.ErrorMessage
	}
	if q.Status == sqllab.StatusSuccess && q.ResultsKey != "" && deps.Results != nil {
		results, err := deps.Results.Fetch(r.Context(), q.ResultsKey)
		if err != nil {
			if deps.Logger != nil {
				deps.Logger.WarnContext(r.Context(), "results fetch failed",
					"query_id", q.ID, "results_key", q.ResultsKey, "error", err)
			}
			envelope.Error = "results are currently unavailable"
			return envelope
		}
		envelope.Data = results.Records
		envelope.Columns = results.Columns
	}
	return envelope
}
