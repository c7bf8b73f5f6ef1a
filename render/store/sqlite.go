package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id INTEGER PRIMARY KEY,
			state_version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tabs (
			workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			slug TEXT NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (workflow_id, slug)
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			id INTEGER NOT NULL,
			tab_slug TEXT NOT NULL,
			position INTEGER NOT NULL,
			slug TEXT NOT NULL,
			module_slug TEXT NOT NULL,
			params TEXT NOT NULL,
			last_relevant_state_version INTEGER NOT NULL,
			fetch_blob_key TEXT NOT NULL DEFAULT '',
			fetch_errors TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS cached_render_results (
			workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			step_id INTEGER NOT NULL,
			state_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			render_errors TEXT NOT NULL,
			json_payload TEXT,
			metadata TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (workflow_id, step_id)
		)`,
	},
	upsertCached: `
		INSERT INTO cached_render_results
			(workflow_id, step_id, state_version, status, render_errors, json_payload, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, step_id) DO UPDATE SET
			state_version = excluded.state_version,
			status = excluded.status,
			render_errors = excluded.render_errors,
			json_payload = excluded.json_payload,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP`,
}

// SQLiteStore is a SQLite implementation of Store.
//
// It stores workflows and cached render results in a single-file database.
// Designed for:
//   - Development and testing with zero setup
//   - Single-worker deployments
//
// Schema:
//   - workflows: one row per workflow with its state version
//   - tabs, steps: the workflow definition in declaration order
//   - cached_render_results: one row per step
type SQLiteStore struct {
	*sqlStore
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./tabflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{sqlStore: &sqlStore{db: db, dialect: sqliteDialect}, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}
