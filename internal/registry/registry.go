// Package registry keeps the catalog of registered data sources and hands
// out execution capabilities for them.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/s3ni0r/caravel/internal/metastore"
)

var (
	ErrNotFound      = errors.New("database not found")
	ErrUnknownEngine = errors.New("unknown database engine")
)

// Supported target engines. The metadata store and the target engines are
// independent: a sqlite metastore can front duckdb or postgres sources.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineDuckDB   = "duckdb"
)

// Database is a registered data source.
type Database struct {
	ID        int64
	Name      string
	Engine    string
	DSN       string
	CreatedAt time.Time
}

func driverForEngine(engine string) (string, error) {
	switch engine {
	case EngineSQLite:
		return "sqlite", nil
	case EnginePostgres:
		return "pgx", nil
	case EngineDuckDB:
		return "duckdb", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
}

// ValidEngine reports whether the engine name is one this build can open.
func ValidEngine(engine string) bool {
	_, err := driverForEngine(engine)
	return err == nil
}

type Store struct {
	db      *sql.DB
	dialect metastore.Dialect
}

func NewStore(db *sql.DB, dialect metastore.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) CreateDatabase(ctx context.Context, name, engine, dsn string) (Database, error) {
	if strings.TrimSpace(name) == "" {
		return Database{}, fmt.Errorf("database name is required")
	}
	if _, err := driverForEngine(engine); err != nil {
		return Database{}, err
	}
	if strings.TrimSpace(dsn) == "" {
		return Database{}, fmt.Errorf("database dsn is required")
	}

	query := s.dialect.Rebind(`
INSERT INTO dbs (database_name, engine, dsn)
VALUES (?, ?, ?)
RETURNING id, created_at`)

	db := Database{Name: name, Engine: engine, DSN: dsn}
	if err := s.db.QueryRowContext(ctx, query, name, engine, dsn).Scan(&db.ID, &db.CreatedAt); err != nil {
		return Database{}, fmt.Errorf("create database: %w", err)
	}
	return db, nil
}

func (s *Store) GetDatabase(ctx context.Context, id int64) (Database, error) {
	query := s.dialect.Rebind(`
SELECT id, database_name, engine, dsn, created_at
FROM dbs
WHERE id = ?`)

	var db Database
	if err := s.db.QueryRowContext(ctx, query, id).Scan(
		&db.ID, &db.Name, &db.Engine, &db.DSN, &db.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Database{}, ErrNotFound
		}
		return Database{}, fmt.Errorf("get database: %w", err)
	}
	return db, nil
}

func (s *Store) ListDatabases(ctx context.Context) ([]Database, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, database_name, engine, dsn, created_at
FROM dbs
ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	databases := make([]Database, 0)
	for rows.Next() {
		var db Database
		if err := rows.Scan(&db.ID, &db.Name, &db.Engine, &db.DSN, &db.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan database row: %w", err)
		}
		databases = append(databases, db)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate database rows: %w", err)
	}
	return databases, nil
}
