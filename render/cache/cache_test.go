package cache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/tabflow/blob"
	"github.com/dshills/tabflow/render/cache"
	"github.com/dshills/tabflow/render/store"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

func setup(t *testing.T) (*cache.Cache, *store.MemStore, *blob.MemStore) {
	t.Helper()
	rows := store.NewMemStore()
	wf := &store.Workflow{ID: 1, StateVersion: 5, Tabs: []store.Tab{{
		Slug: "tab-1", Name: "Tab 1",
		Steps: []store.Step{{ID: 10, Slug: "step-1", ModuleSlug: "upper", LastRelevantStateVersion: 5}},
	}}}
	if err := rows.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	blobs := blob.NewMemStore()
	return cache.New(rows, blobs), rows, blobs
}

var key = cache.Key{WorkflowID: 1, StepID: 10}

func okResult() result.RenderResult {
	return result.RenderResult{
		Table:   table.New(table.Ints("n", []int64{1, 2, 3})),
		Columns: []table.Column{{Name: "n", Type: table.Number("{:.2f}")}},
	}
}

func TestPutGet(t *testing.T) {
	c, _, blobs := setup(t)
	ctx := context.Background()

	row, err := c.Put(ctx, key, 5, okResult())
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if row.Status != result.StatusOK || row.Metadata.NRows != 3 {
		t.Errorf("row = %+v", row)
	}
	if got := row.Metadata.Columns[0].Type.Format; got != "{:.2f}" {
		t.Errorf("declared format lost: %q", got)
	}
	keys, _ := blobs.List(ctx, "")
	if len(keys) != 1 || keys[0] != "wf-1/step-10/delta-5.tbl" {
		t.Errorf("blobs = %v", keys)
	}

	res, err := c.Get(ctx, key, 5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Table.NRows != 3 || res.Status() != result.StatusOK {
		t.Errorf("got %d rows, status %s", res.Table.NRows, res.Status())
	}
	if got := res.Metadata().Columns[0].Type.Format; got != "{:.2f}" {
		t.Errorf("format after read = %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()
	if _, err := c.Get(ctx, key, 5); !errors.Is(err, cache.ErrMissing) {
		t.Fatalf("empty cache err = %v", err)
	}
	if _, err := c.Put(ctx, key, 5, okResult()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := c.Get(ctx, key, 6); !errors.Is(err, cache.ErrMissing) {
		t.Errorf("other version err = %v", err)
	}
}

func TestZeroColumnResultHasNoBlob(t *testing.T) {
	c, _, blobs := setup(t)
	ctx := context.Background()

	errRes := result.WithErrors(result.Errorf("py.renderer.execute.step.noModule"))
	row, err := c.Put(ctx, key, 5, errRes)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if row.Status != result.StatusError || row.HasTable() {
		t.Errorf("row = %+v", row)
	}
	if keys, _ := blobs.List(ctx, ""); len(keys) != 0 {
		t.Errorf("zero-column result wrote blobs %v", keys)
	}
	res, err := c.Get(ctx, key, 5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status() != result.StatusError || len(res.Errors) != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestPutStaleLeavesNothing(t *testing.T) {
	c, rows, blobs := setup(t)
	ctx := context.Background()

	_, err := c.Put(ctx, key, 4, okResult())
	if !errors.Is(err, store.ErrStale) {
		t.Fatalf("err = %v", err)
	}
	if keys, _ := blobs.List(ctx, ""); len(keys) != 0 {
		t.Errorf("stale put left blobs %v", keys)
	}
	if _, err := rows.GetCachedResult(ctx, 1, 10); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale put left a row: %v", err)
	}
}

func TestPutReplacesOlderBlobs(t *testing.T) {
	c, rows, blobs := setup(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, key, 5, okResult()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := rows.ApplyDelta(ctx, 1, func(wf *store.Workflow) error {
		wf.Step(10).LastRelevantStateVersion = wf.StateVersion
		return nil
	}); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if _, err := c.Put(ctx, key, 6, okResult()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	keys, _ := blobs.List(ctx, "")
	if len(keys) != 1 || keys[0] != "wf-1/step-10/delta-6.tbl" {
		t.Errorf("blobs = %v", keys)
	}
}

func TestCorruptBlob(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(b *blob.MemStore)
	}{
		{"missing", func(b *blob.MemStore) { _ = b.Delete(context.Background(), "wf-1/step-10/delta-5.tbl") }},
		{"garbage", func(b *blob.MemStore) { b.Corrupt("wf-1/step-10/delta-5.tbl", []byte("not a table")) }},
		{"wrong shape", func(b *blob.MemStore) {
			b.Corrupt("wf-1/step-10/delta-5.tbl", table.Encode(table.New(table.Strings("n", []string{"x"}))))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, blobs := setup(t)
			ctx := context.Background()
			if _, err := c.Put(ctx, key, 5, okResult()); err != nil {
				t.Fatalf("Put: %v", err)
			}
			tt.corrupt(blobs)

			_, err := c.Get(ctx, key, 5)
			var corrupt *cache.CorruptCacheError
			if !errors.As(err, &corrupt) {
				t.Fatalf("err = %v, want CorruptCacheError", err)
			}
			if corrupt.StepID != 10 || corrupt.StateVersion != 5 {
				t.Errorf("corrupt = %+v", corrupt)
			}
		})
	}
}

func TestInvalidate(t *testing.T) {
	c, _, blobs := setup(t)
	ctx := context.Background()
	if _, err := c.Put(ctx, key, 5, okResult()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.Get(ctx, key, 5); !errors.Is(err, cache.ErrMissing) {
		t.Errorf("err = %v", err)
	}
	if keys, _ := blobs.List(ctx, ""); len(keys) != 0 {
		t.Errorf("blobs = %v", keys)
	}
}
