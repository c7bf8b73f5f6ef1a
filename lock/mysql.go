package lock

import (
	"context"
	"database/sql"
	"fmt"
)

// MySQLBackend uses named user-level locks (GET_LOCK, RELEASE_LOCK). Each
// session holds one dedicated connection from db.
type MySQLBackend struct {
	db     *sql.DB
	prefix string
}

// NewMySQLBackend creates a backend on db. Lock names are prefixed with
// prefix so several deployments can share a server.
func NewMySQLBackend(db *sql.DB, prefix string) *MySQLBackend {
	if prefix == "" {
		prefix = "tabflow"
	}
	return &MySQLBackend{db: db, prefix: prefix}
}

// Session takes a dedicated connection.
func (b *MySQLBackend) Session(ctx context.Context) (Session, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire mysql connection: %w", err)
	}
	return &mysqlSession{conn: conn, prefix: b.prefix}, nil
}

type mysqlSession struct {
	conn   *sql.Conn
	prefix string
}

func (s *mysqlSession) name(id int64) string {
	return fmt.Sprintf("%s:%d", s.prefix, id)
}

func (s *mysqlSession) getLock(ctx context.Context, id int64, timeout int) (bool, error) {
	var got sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", s.name(id), timeout).Scan(&got); err != nil {
		return false, err
	}
	if !got.Valid {
		return false, fmt.Errorf("GET_LOCK(%s) failed", s.name(id))
	}
	return got.Int64 == 1, nil
}

// Lock waits without a server-side timeout; ctx cancellation kills the query.
func (s *mysqlSession) Lock(ctx context.Context, id int64) error {
	ok, err := s.getLock(ctx, id, -1)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("GET_LOCK(%s) timed out", s.name(id))
	}
	return nil
}

func (s *mysqlSession) TryLock(ctx context.Context, id int64) (bool, error) {
	return s.getLock(ctx, id, 0)
}

func (s *mysqlSession) Unlock(ctx context.Context, id int64) error {
	var released sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", s.name(id)).Scan(&released); err != nil {
		return err
	}
	if !released.Valid || released.Int64 != 1 {
		return ErrNotHeld
	}
	return nil
}

// Close closes the connection, which releases all its locks.
func (s *mysqlSession) Close() error {
	return s.conn.Close()
}
