// Package cache stores render results: a metadata row in the relational
// store plus the table bytes in a blob store.
//
// A cached result is addressed by (workflow, step, state version). Each step
// has at most one row; its blob lives at store.BlobKey. A result with no
// columns is stored as a row only.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dshills/tabflow/blob"
	"github.com/dshills/tabflow/render/store"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// ErrMissing is returned by Get when the step has no result cached at the
// requested state version.
var ErrMissing = errors.New("no cached result at this state version")

// CorruptCacheError reports a cache row whose table bytes are missing or
// invalid. The caller should treat the step as stale and render it again.
type CorruptCacheError struct {
	WorkflowID   int64
	StepID       int64
	StateVersion int64
	Cause        error
}

func (e *CorruptCacheError) Error() string {
	return fmt.Sprintf("corrupt cached result for workflow %d step %d at version %d: %v",
		e.WorkflowID, e.StepID, e.StateVersion, e.Cause)
}

func (e *CorruptCacheError) Unwrap() error { return e.Cause }

// Key identifies a step.
type Key struct {
	WorkflowID int64
	StepID     int64
}

// Cache reads and writes cached render results.
type Cache struct {
	rows  store.Store
	blobs blob.Store
}

// New creates a cache over a metadata store and a blob store.
func New(rows store.Store, blobs blob.Store) *Cache {
	return &Cache{rows: rows, blobs: blobs}
}

// Blobs returns the blob store holding the cached tables.
func (c *Cache) Blobs() blob.Store { return c.blobs }

// Get returns the step's result cached at stateVersion.
func (c *Cache) Get(ctx context.Context, key Key, stateVersion int64) (*result.RenderResult, error) {
	row, err := c.rows.GetCachedResult(ctx, key.WorkflowID, key.StepID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, err
	}
	if row.StateVersion != stateVersion {
		return nil, ErrMissing
	}
	return c.Read(ctx, row)
}

// Read materialises a cache row already in hand, such as one attached to a
// workflow snapshot.
func (c *Cache) Read(ctx context.Context, row *store.CachedRenderResult) (*result.RenderResult, error) {
	res := &result.RenderResult{Table: table.Empty(), Errors: row.Errors, JSON: row.JSON}
	if !row.HasTable() {
		return res, nil
	}

	corrupt := func(cause error) error {
		return &CorruptCacheError{WorkflowID: row.WorkflowID, StepID: row.StepID, StateVersion: row.StateVersion, Cause: cause}
	}
	rc, err := c.blobs.Get(ctx, row.BlobKey())
	if errors.Is(err, blob.ErrNotFound) {
		return nil, corrupt(err)
	}
	if err != nil {
		return nil, fmt.Errorf("read cached table: %w", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read cached table: %w", err)
	}
	t, err := table.Validate(raw)
	if err != nil {
		return nil, corrupt(err)
	}
	vt, err := table.Reconcile(t, row.Metadata)
	if err != nil {
		return nil, corrupt(err)
	}
	res.Table = vt.Table
	res.Columns = vt.Metadata.Columns
	return res, nil
}

// Put caches res as the step's result at stateVersion. It returns
// store.ErrStale, and leaves no blob behind, when the step no longer wants
// that version. Older blobs of the step are removed after the row is written.
func (c *Cache) Put(ctx context.Context, key Key, stateVersion int64, res result.RenderResult) (*store.CachedRenderResult, error) {
	row := &store.CachedRenderResult{
		WorkflowID:   key.WorkflowID,
		StepID:       key.StepID,
		StateVersion: stateVersion,
		Status:       res.Status(),
		Errors:       res.Errors,
		JSON:         res.JSON,
		Metadata:     res.Metadata(),
	}

	if row.HasTable() {
		if err := c.blobs.Put(ctx, row.BlobKey(), bytes.NewReader(table.Encode(res.Table))); err != nil {
			return nil, fmt.Errorf("write cached table: %w", err)
		}
	}
	if err := c.rows.PutCachedResult(ctx, row); err != nil {
		if row.HasTable() {
			_ = c.blobs.Delete(ctx, row.BlobKey())
		}
		return nil, err
	}

	keys, err := c.blobs.List(ctx, store.StepBlobPrefix(key.WorkflowID, key.StepID))
	if err != nil {
		return nil, fmt.Errorf("list cached tables: %w", err)
	}
	for _, k := range keys {
		if k == row.BlobKey() && row.HasTable() {
			continue
		}
		if err := c.blobs.Delete(ctx, k); err != nil {
			return nil, fmt.Errorf("delete old cached table: %w", err)
		}
	}
	return row, nil
}

// Invalidate drops the step's row and every blob it owns.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	if err := c.rows.DeleteCachedResult(ctx, key.WorkflowID, key.StepID); err != nil {
		return err
	}
	return blob.DeletePrefix(ctx, c.blobs, store.StepBlobPrefix(key.WorkflowID, key.StepID))
}
