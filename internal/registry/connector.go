package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"
)

// Conn is the execution capability for one registered database: run a
// statement and collect rows, or execute for side effects only.
type Conn struct {
	engine string
	db     *sql.DB
}

func (c *Conn) Engine() string { return c.engine }

// Query runs the statement and returns column names plus row-major values.
func (c *Conn) Query(ctx context.Context, sqlText string) ([]string, [][]any, error) {
	rows, err := c.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("read columns: %w", err)
	}

	collected := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		collected = append(collected, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, collected, nil
}

// Exec runs the statement for its side effects. The affected row count is
// -1 when the engine does not report one.
func (c *Conn) Exec(ctx context.Context, sqlText string) (int64, error) {
	result, err := c.db.ExecContext(ctx, sqlText)
	if err != nil {
		return -1, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return -1, nil
	}
	return affected, nil
}

// Connector resolves database ids to pooled connections. Handles are opened
// lazily and cached for the life of the process.
type Connector struct {
	store *Store

	mu    sync.Mutex
	conns map[int64]*Conn
}

func NewConnector(store *Store) *Connector {
	return &Connector{store: store, conns: make(map[int64]*Conn)}
}

// Executor returns the execution capability for the database id.
func (c *Connector) Executor(ctx context.Context, databaseID int64) (*Conn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[databaseID]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	database, err := c.store.GetDatabase(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	driver, err := driverForEngine(database.Engine)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", database.Name, err)
	}

	conn := &Conn{engine: database.Engine, db: db}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.conns[databaseID]; ok {
		_ = db.Close()
		return cached, nil
	}
	c.conns[databaseID] = conn
	return conn, nil
}

// Close releases every cached connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, conn := range c.conns {
		if err := conn.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, id)
	}
	return firstErr
}
