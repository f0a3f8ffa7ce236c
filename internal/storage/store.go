// Package storage implements the embedded SQLite store and the scoped data
// access layer. All reads and writes happen inside a Scope: a transaction
// handle that either joins the ambient scope carried on the context or opens
// its own. Write scopes must be completed explicitly; an unfinished write
// scope rolls back on Close.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskhive/taskhive/internal/common/logger"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional update matched no rows,
	// typically a lost claim race or a stale status transition.
	ErrConflict = errors.New("storage: conflict")
	// ErrReadOnlyScope is returned when a mutation is attempted through a
	// read scope, or a write scope is requested under an ambient read scope.
	ErrReadOnlyScope = errors.New("storage: scope is read-only")
	// ErrScopeCompleted is returned when a scope is used after Complete or
	// Close.
	ErrScopeCompleted = errors.New("storage: scope already completed")
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the database handle and mints scopes.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// New creates a Store over an open database handle.
func New(db *sql.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle for lifecycle management (Close, Ping).
func (s *Store) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS work_items (
	id TEXT PRIMARY KEY,
	persona_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'PENDING',
	result TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_work_items_claim
	ON work_items(status, persona_id, priority DESC, created_at);

CREATE INDEX IF NOT EXISTS idx_work_items_agent
	ON work_items(agent_id, status);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	persona_id TEXT NOT NULL,
	working_directory TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	worktree_name TEXT NOT NULL DEFAULT '',
	process_id INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'STARTING',
	registered_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	last_heartbeat TIMESTAMP NOT NULL,
	stopped_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_agents_persona ON agents(persona_id, status);

CREATE TABLE IF NOT EXISTS memory_entries (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL,
	PRIMARY KEY (namespace, key)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_id, created_at);
`

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
