package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of a SQLQueue.
type Dialect string

const (
	SQLite Dialect = "sqlite"
	MySQL  Dialect = "mysql"
)

var queueSchema = map[Dialect]string{
	SQLite: `CREATE TABLE IF NOT EXISTS render_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		body TEXT NOT NULL,
		lease_until INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0
	)`,
	MySQL: `CREATE TABLE IF NOT EXISTS render_queue (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(36) NOT NULL UNIQUE,
		body MEDIUMTEXT NOT NULL,
		lease_until BIGINT NOT NULL DEFAULT 0,
		attempts INT NOT NULL DEFAULT 0
	) ENGINE=InnoDB`,
}

// Defaults for SQLQueue.
const (
	DefaultLease        = 10 * time.Minute
	DefaultPollInterval = 200 * time.Millisecond
)

// SQLOption configures a SQLQueue.
type SQLOption func(*SQLQueue)

// WithLease sets how long a delivery stays invisible before it is
// redelivered. It must exceed the longest render pass.
func WithLease(d time.Duration) SQLOption {
	return func(q *SQLQueue) { q.lease = d }
}

// WithPollInterval sets how often an idle consumer checks for messages.
func WithPollInterval(d time.Duration) SQLOption {
	return func(q *SQLQueue) { q.poll = d }
}

// SQLQueue is a Queue on a lease table. A consumer claims the oldest row
// whose lease has expired by pushing its lease forward; Ack deletes the row
// and Nack expires the lease. A worker that dies holding a lease gets its
// message redelivered when the lease runs out.
//
// Designed for:
//   - Single-host deployments sharing the SQLite metadata database
//   - Small clusters already running MySQL
type SQLQueue struct {
	db      *sql.DB
	dialect Dialect
	lease   time.Duration
	poll    time.Duration
	ownsDB  bool
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewSQLQueue creates the queue table in db if needed.
func NewSQLQueue(ctx context.Context, db *sql.DB, dialect Dialect, opts ...SQLOption) (*SQLQueue, error) {
	schema, ok := queueSchema[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported queue dialect %q", dialect)
	}
	q := &SQLQueue{db: db, dialect: dialect, lease: DefaultLease, poll: DefaultPollInterval, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create render_queue: %w", err)
	}
	return q, nil
}

// OpenSQLite opens a queue in the SQLite database at path. It may be the
// same file as the metadata store.
func OpenSQLite(ctx context.Context, path string, opts ...SQLOption) (*SQLQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	q, err := NewSQLQueue(ctx, db, SQLite, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.ownsDB = true
	return q, nil
}

func (q *SQLQueue) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Publish inserts m. Publishing a message id twice is a no-op.
func (q *SQLQueue) Publish(ctx context.Context, m Message) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	body, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	insert := "INSERT OR IGNORE INTO render_queue (id, body) VALUES (?, ?)"
	if q.dialect == MySQL {
		insert = "INSERT IGNORE INTO render_queue (id, body) VALUES (?, ?)"
	}
	if _, err := q.db.ExecContext(ctx, insert, m.ID.String(), string(body)); err != nil {
		return fmt.Errorf("publish %s: %w", m.ID, err)
	}
	return nil
}

// Consume polls until it claims a message. Rows whose body fails to parse
// are deleted.
func (q *SQLQueue) Consume(ctx context.Context) (Delivery, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		if err := q.checkOpen(); err != nil {
			return nil, err
		}
		d, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *SQLQueue) claim(ctx context.Context) (*sqlDelivery, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now().UnixMilli()
	sel := "SELECT seq, id, body FROM render_queue WHERE lease_until < ? ORDER BY seq LIMIT 1"
	if q.dialect == MySQL {
		sel += " FOR UPDATE SKIP LOCKED"
	}
	var (
		seq      int64
		id, body string
	)
	err = tx.QueryRowContext(ctx, sel, now).Scan(&seq, &id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	msg, perr := ParseMessage([]byte(body))
	if perr != nil {
		if _, err := tx.ExecContext(ctx, "DELETE FROM render_queue WHERE seq = ?", seq); err != nil {
			return nil, fmt.Errorf("drop malformed %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit drop: %w", err)
		}
		return nil, nil
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE render_queue SET lease_until = ?, attempts = attempts + 1 WHERE seq = ? AND lease_until < ?",
		now+q.lease.Milliseconds(), seq, now)
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &sqlDelivery{q: q, seq: seq, msg: msg}, nil
}

// Len counts messages that are not leased.
func (q *SQLQueue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM render_queue WHERE lease_until < ?", q.now().UnixMilli()).Scan(&n)
	return n, err
}

// Close stops the queue and closes the database if OpenSQLite opened it.
func (q *SQLQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}

type sqlDelivery struct {
	q   *SQLQueue
	seq int64
	msg Message
}

func (d *sqlDelivery) Message() Message { return d.msg }

func (d *sqlDelivery) Ack(ctx context.Context) error {
	if _, err := d.q.db.ExecContext(ctx, "DELETE FROM render_queue WHERE seq = ?", d.seq); err != nil {
		return fmt.Errorf("ack %s: %w", d.msg.ID, err)
	}
	return nil
}

func (d *sqlDelivery) Nack(ctx context.Context) error {
	if _, err := d.q.db.ExecContext(ctx, "UPDATE render_queue SET lease_until = 0 WHERE seq = ?", d.seq); err != nil {
		return fmt.Errorf("nack %s: %w", d.msg.ID, err)
	}
	return nil
}
