package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dshills/tabflow/blob"
	"github.com/dshills/tabflow/config"
	"github.com/dshills/tabflow/lock"
	"github.com/dshills/tabflow/log"
	"github.com/dshills/tabflow/queue"
	"github.com/dshills/tabflow/render/store"
)

// backends are the worker's connections, opened from config.
type backends struct {
	store  store.Store
	blobs  blob.Store
	locker *lock.Locker
	queue  queue.Queue

	closers []func() error
}

func openBackends(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	var mysqlStore *store.MySQLStore
	switch cfg.Store.Driver {
	case config.DriverMemory:
		b.store = store.NewMemStore()
	case config.DriverSQLite:
		b.store, err = store.NewSQLiteStore(cfg.Store.DSN)
	case config.DriverMySQL:
		mysqlStore, err = store.NewMySQLStore(cfg.Store.DSN)
		b.store = mysqlStore
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	b.closers = append(b.closers, b.store.Close)

	switch cfg.Blob.Driver {
	case config.DriverMemory:
		b.blobs = blob.NewMemStore()
	case config.DriverFile:
		if err = os.MkdirAll(cfg.Blob.Root, 0o750); err == nil {
			b.blobs, err = blob.NewFileStore(cfg.Blob.Root)
		}
	case config.DriverCOS:
		b.blobs, err = blob.NewCOSStore(cfg.Blob.BucketURL,
			blob.WithCOSCredentials(cfg.Blob.SecretID, cfg.Blob.SecretKey),
			blob.WithCOSTimeout(cfg.Blob.Timeout))
	}
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	var backend lock.Backend
	switch cfg.Lock.Driver {
	case config.DriverMemory:
		logger.Warnw("using in-process render locks; run a single worker only")
		backend = lock.NewMemBackend()
	case config.DriverPostgres:
		var pool *pgxpool.Pool
		pool, err = pgxpool.New(ctx, cfg.Lock.DSN)
		if err != nil {
			return nil, fmt.Errorf("open lock database: %w", err)
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		if err = pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping lock database: %w", err)
		}
		backend = lock.NewPostgresBackend(pool)
	case config.DriverMySQL:
		backend = lock.NewMySQLBackend(mysqlStore.DB(), cfg.Lock.Prefix)
	}
	b.locker = lock.New(backend, lock.WithLogger(logger))

	sqlOpts := []queue.SQLOption{queue.WithLease(cfg.Queue.Lease), queue.WithPollInterval(cfg.Queue.PollInterval)}
	switch cfg.Queue.Driver {
	case config.DriverMemory:
		b.queue = queue.NewMemQueue()
	case config.DriverSQLite:
		b.queue, err = queue.OpenSQLite(ctx, cfg.Queue.DSN, sqlOpts...)
	case config.DriverMySQL:
		b.queue, err = queue.NewSQLQueue(ctx, mysqlStore.DB(), queue.MySQL, sqlOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	b.closers = append(b.closers, b.queue.Close)
	return b, nil
}

// Close closes everything opened, newest first.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
