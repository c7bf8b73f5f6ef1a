package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tabflow/config"
	"github.com/dshills/tabflow/log"
	"github.com/dshills/tabflow/queue"
	"github.com/dshills/tabflow/render/store"
)

func loadConfig(t *testing.T, settings map[string]any) *config.Config {
	t.Helper()
	wd, wdErr := os.Getwd()
	require.NoError(t, wdErr)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	v := config.NewViper()
	for k, val := range settings {
		v.Set(k, val)
	}
	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	return cfg
}

func TestOpenBackends_Memory(t *testing.T) {
	cfg := loadConfig(t, map[string]any{
		"store.driver": config.DriverMemory,
		"blob.driver":  config.DriverMemory,
		"lock.driver":  config.DriverMemory,
		"queue.driver": config.DriverMemory,
	})
	ctx := context.Background()
	b, err := openBackends(ctx, cfg, log.Nop())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &store.MemStore{}, b.store)
	assert.IsType(t, &queue.MemQueue{}, b.queue)

	lk, err := b.locker.AcquireRenderLock(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, lk.Release(ctx))
}

func TestOpenBackends_SQLite(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "tabflow.db")
	cfg := loadConfig(t, map[string]any{
		"store.dsn":           db,
		"queue.dsn":           db,
		"queue.poll_interval": 10 * time.Millisecond,
		"blob.root":           filepath.Join(dir, "blobs"),
	})
	ctx := context.Background()
	b, err := openBackends(ctx, cfg, log.Nop())
	require.NoError(t, err)

	wf := &store.Workflow{ID: 3, StateVersion: 5, Tabs: []store.Tab{{Slug: "tab-1", Name: "Tab 1"}}}
	require.NoError(t, b.store.CreateWorkflow(ctx, wf))
	require.NoError(t, b.queue.Publish(ctx, queue.NewMessage(3, 5, nil)))

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := b.queue.Consume(cctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.Message().WorkflowID)
	require.NoError(t, d.Ack(ctx))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "second close is a no-op")
}
