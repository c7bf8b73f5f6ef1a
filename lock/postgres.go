package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend uses session-level advisory locks (pg_advisory_lock and
// friends). Each session pins one pooled connection until it closes, so the
// pool must be sized for the number of concurrent renders plus headroom.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a backend on pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Session pins a pooled connection.
func (b *PostgresBackend) Session(ctx context.Context) (Session, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire postgres connection: %w", err)
	}
	return &pgSession{conn: conn}, nil
}

type pgSession struct {
	conn *pgxpool.Conn
}

func (s *pgSession) Lock(ctx context.Context, id int64) error {
	_, err := s.conn.Exec(ctx, "SELECT pg_advisory_lock($1)", id)
	return err
}

func (s *pgSession) TryLock(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&ok)
	return ok, err
}

func (s *pgSession) Unlock(ctx context.Context, id int64) error {
	var ok bool
	if err := s.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", id).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Close drops every advisory lock and returns the connection to the pool. A
// connection that cannot be cleaned is closed rather than reused.
func (s *pgSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.conn.Exec(ctx, "SELECT pg_advisory_unlock_all()"); err != nil {
		_ = s.conn.Conn().Close(ctx)
		s.conn.Release()
		return fmt.Errorf("unlock all: %w", err)
	}
	s.conn.Release()
	return nil
}
