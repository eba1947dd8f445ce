package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/s3ni0r/caravel/internal/registry"
)

type createDatabaseRequest struct {
	DatabaseName string `json:"database_name"`
	Engine       string `json:"engine"`
	DSN          string `json:"dsn"`
}

type databasePayload struct {
	ID           int64     `json:"id"`
	DatabaseName string    `json:"database_name"`
	Engine       string    `json:"engine"`
	CreatedAt    time.Time `json:"created_at"`
}

func toDatabasePayload(db registry.Database) databasePayload {
	return databasePayload{
		ID:           db.ID,
		DatabaseName: db.Name,
		Engine:       db.Engine,
		CreatedAt:    db.CreatedAt,
	}
}

func handleCreateDatabase(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req createDatabaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", false, nil)
		return
	}

	db, err := deps.Databases.CreateDatabase(r.Context(), req.DatabaseName, req.Engine, req.DSN)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownEngine) {
			writeError(r.Context(), w, http.StatusBadRequest, "UNKNOWN_ENGINE", err.Error(), false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_DATABASE", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toDatabasePayload(db))
}

func handleGetDatabase(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ID", "invalid database id", false, nil)
		return
	}
	db, err := deps.Databases.GetDatabase(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "database not found", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "LOOKUP_FAILED", "database lookup failed", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, toDatabasePayload(db))
}

func handleListDatabases(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	dbs, err := deps.Databases.ListDatabases(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "LIST_FAILED", "database list failed", true, nil)
		return
	}
	payload := make([]databasePayload, 0, len(dbs))
	for _, db := range dbs {
		payload = append(payload, toDatabasePayload(db))
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": payload})
}
