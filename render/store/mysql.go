package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id BIGINT NOT NULL PRIMARY KEY,
			state_version BIGINT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS tabs (
			workflow_id BIGINT NOT NULL,
			slug VARCHAR(255) NOT NULL,
			position INT NOT NULL,
			name VARCHAR(255) NOT NULL,
			PRIMARY KEY (workflow_id, slug)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS steps (
			workflow_id BIGINT NOT NULL,
			id BIGINT NOT NULL,
			tab_slug VARCHAR(255) NOT NULL,
			position INT NOT NULL,
			slug VARCHAR(255) NOT NULL,
			module_slug VARCHAR(255) NOT NULL,
			params MEDIUMTEXT NOT NULL,
			last_relevant_state_version BIGINT NOT NULL,
			fetch_blob_key VARCHAR(512) NOT NULL DEFAULT '',
			fetch_errors MEDIUMTEXT NOT NULL,
			PRIMARY KEY (workflow_id, id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS cached_render_results (
			workflow_id BIGINT NOT NULL,
			step_id BIGINT NOT NULL,
			state_version BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL,
			render_errors MEDIUMTEXT NOT NULL,
			json_payload MEDIUMTEXT NULL,
			metadata MEDIUMTEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (workflow_id, step_id)
		) ENGINE=InnoDB`,
	},
	forUpdate: " FOR UPDATE",
	upsertCached: `
		INSERT INTO cached_render_results
			(workflow_id, step_id, state_version, status, render_errors, json_payload, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			state_version = VALUES(state_version),
			status = VALUES(status),
			render_errors = VALUES(render_errors),
			json_payload = VALUES(json_payload),
			metadata = VALUES(metadata)`,
}

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Deployments with several render workers sharing one database
//   - Workflows whose cache must survive worker restarts
//
// ApplyDelta and PutCachedResult lock the rows they check with SELECT ... FOR
// UPDATE, so a stale write cannot slip in between the check and the upsert.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects to the database named by dsn and creates the schema.
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/tabflow
//	user:password@/tabflow (uses localhost:3306)
//
// Read credentials from the environment or config, never from source.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{sqlStore: &sqlStore{db: db, dialect: mysqlDialect}}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// DB exposes the connection pool so the queue and lock backends can share it.
func (s *MySQLStore) DB() *sql.DB {
	return s.db
}
