package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"
)

// SQLLog is a SQL-backed durable update log.
// It works with any database/sql compatible driver (PostgreSQL, SQLite).
// Requires a table with schema:
//
//	CREATE TABLE loomsync_updates (
//	    id VARCHAR(64) PRIMARY KEY,
//	    workspace_id VARCHAR(128) NOT NULL,
//	    payload BYTEA NOT NULL,
//	    byte_size BIGINT NOT NULL,
//	    user_id VARCHAR(128),
//	    created_at BIGINT NOT NULL
//	);
//	CREATE INDEX idx_loomsync_updates_ws ON loomsync_updates(workspace_id, created_at);
//
// created_at holds unix nanoseconds so replay ordering is dialect
// independent.
type SQLLog struct {
	db        *sql.DB
	tableName string
	dialect   SQLDialect
	closed    atomic.Bool
}

// SQLDialect represents the SQL dialect for query generation.
type SQLDialect int

const (
	// DialectPostgreSQL uses PostgreSQL syntax ($1, $2 placeholders).
	DialectPostgreSQL SQLDialect = iota
	// DialectSQLite uses SQLite syntax (? placeholders).
	DialectSQLite
)

// SQLLogOption configures SQLLog behavior.
type SQLLogOption func(*sqlLogConfig)

type sqlLogConfig struct {
	tableName string
	dialect   SQLDialect
}

// WithSQLTableName sets the table name for update storage.
// Default: "loomsync_updates".
func WithSQLTableName(name string) SQLLogOption {
	return func(c *sqlLogConfig) {
		c.tableName = name
	}
}

// WithSQLDialect sets the SQL dialect for query generation.
// Default: DialectPostgreSQL.
func WithSQLDialect(dialect SQLDialect) SQLLogOption {
	return func(c *sqlLogConfig) {
		c.dialect = dialect
	}
}

// NewSQLLog creates a new SQL-backed update log.
func NewSQLLog(db *sql.DB, opts ...SQLLogOption) *SQLLog {
	cfg := &sqlLogConfig{
		tableName: "loomsync_updates",
		dialect:   DialectPostgreSQL,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &SQLLog{
		db:        db,
		tableName: cfg.tableName,
		dialect:   cfg.dialect,
	}
}

// placeholder returns the placeholder syntax for the dialect.
func (s *SQLLog) placeholder(n int) string {
	if s.dialect == DialectPostgreSQL {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// AppendRecord durably writes one record.
func (s *SQLLog) AppendRecord(ctx context.Context, rec UpdateRecord) error {
	if s.closed.Load() {
		return ErrLogClosed
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, workspace_id, payload, byte_size, user_id, created_at)
		VALUES (%s, %s, %s, %s, %s, %s)
	`, s.tableName,
		s.placeholder(1), s.placeholder(2), s.placeholder(3),
		s.placeholder(4), s.placeholder(5), s.placeholder(6))

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.WorkspaceID, rec.Payload, rec.ByteSize, rec.UserID,
		rec.CreatedAt.UnixNano())
	if err != nil {
		return &LogError{Op: "append", Err: err}
	}
	return nil
}

// LoadRecords returns a workspace's records in CreatedAt order.
func (s *SQLLog) LoadRecords(ctx context.Context, workspaceID string) ([]UpdateRecord, error) {
	if s.closed.Load() {
		return nil, ErrLogClosed
	}

	query := fmt.Sprintf(`
		SELECT id, workspace_id, payload, byte_size, user_id, created_at
		FROM %s
		WHERE workspace_id = %s
		ORDER BY created_at ASC
	`, s.tableName, s.placeholder(1))

	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, &LogError{Op: "load", Err: err}
	}
	defer rows.Close()

	var out []UpdateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &LogError{Op: "load", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &LogError{Op: "load", Err: err}
	}
	return out, nil
}

// PruneRecords deletes records created before the cutoff inside a
// transaction and returns them for archiving.
func (s *SQLLog) PruneRecords(ctx context.Context, workspaceID string, cutoff time.Time) ([]UpdateRecord, error) {
	if s.closed.Load() {
		return nil, ErrLogClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &LogError{Op: "prune", Err: err}
	}
	defer tx.Rollback()

	selectQuery := fmt.Sprintf(`
		SELECT id, workspace_id, payload, byte_size, user_id, created_at
		FROM %s
		WHERE workspace_id = %s AND created_at < %s
		ORDER BY created_at ASC
	`, s.tableName, s.placeholder(1), s.placeholder(2))

	rows, err := tx.QueryContext(ctx, selectQuery, workspaceID, cutoff.UnixNano())
	if err != nil {
		return nil, &LogError{Op: "prune", Err: err}
	}

	var removed []UpdateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, &LogError{Op: "prune", Err: err}
		}
		removed = append(removed, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &LogError{Op: "prune", Err: err}
	}
	rows.Close()

	if len(removed) == 0 {
		return nil, nil
	}

	deleteQuery := fmt.Sprintf(`
		DELETE FROM %s
		WHERE workspace_id = %s AND created_at < %s
	`, s.tableName, s.placeholder(1), s.placeholder(2))

	if _, err := tx.ExecContext(ctx, deleteQuery, workspaceID, cutoff.UnixNano()); err != nil {
		return nil, &LogError{Op: "prune", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &LogError{Op: "prune", Err: err}
	}
	return removed, nil
}

// DeleteWorkspace removes the entire durable history for a workspace.
func (s *SQLLog) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	if s.closed.Load() {
		return ErrLogClosed
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE workspace_id = %s`,
		s.tableName, s.placeholder(1))
	if _, err := s.db.ExecContext(ctx, query, workspaceID); err != nil {
		return &LogError{Op: "delete", Err: err}
	}
	return nil
}

// CountRecords reports record count and total payload bytes.
func (s *SQLLog) CountRecords(ctx context.Context, workspaceID string) (int64, int64, error) {
	if s.closed.Load() {
		return 0, 0, ErrLogClosed
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(byte_size), 0)
		FROM %s
		WHERE workspace_id = %s
	`, s.tableName, s.placeholder(1))

	var count, bytes int64
	if err := s.db.QueryRowContext(ctx, query, workspaceID).Scan(&count, &bytes); err != nil {
		return 0, 0, &LogError{Op: "count", Err: err}
	}
	return count, bytes, nil
}

// Close marks the log as closed.
// Note: This does not close the underlying database connection,
// as it may be shared with other components.
func (s *SQLLog) Close() error {
	s.closed.Store(true)
	return nil
}

// CreateTable creates the update table if it doesn't exist.
// This is a convenience method for development/testing.
func (s *SQLLog) CreateTable(ctx context.Context) error {
	var query string
	switch s.dialect {
	case DialectPostgreSQL:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id VARCHAR(64) PRIMARY KEY,
				workspace_id VARCHAR(128) NOT NULL,
				payload BYTEA NOT NULL,
				byte_size BIGINT NOT NULL,
				user_id VARCHAR(128),
				created_at BIGINT NOT NULL
			)
		`, s.tableName)
	case DialectSQLite:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				payload BLOB NOT NULL,
				byte_size INTEGER NOT NULL,
				user_id TEXT,
				created_at INTEGER NOT NULL
			)
		`, s.tableName)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return &LogError{Op: "create table", Err: err}
	}

	indexQuery := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_ws ON %s(workspace_id, created_at)
	`, s.tableName, s.tableName)
	if _, err := s.db.ExecContext(ctx, indexQuery); err != nil {
		return &LogError{Op: "create index", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (UpdateRecord, error) {
	var rec UpdateRecord
	var createdAt int64
	var userID sql.NullString
	if err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.Payload,
		&rec.ByteSize, &userID, &createdAt); err != nil {
		return UpdateRecord{}, err
	}
	rec.UserID = userID.String
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return rec, nil
}
