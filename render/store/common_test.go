package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dshills/tabflow/render/store"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// storeFactories returns every backend that runs without external services.
func storeFactories(t *testing.T) map[string]func() store.Store {
	return map[string]func() store.Store{
		"MemStore": func() store.Store { return store.NewMemStore() },
		"SQLiteStore": func() store.Store {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tabflow.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s
		},
	}
}

func sampleWorkflow() *store.Workflow {
	return &store.Workflow{
		ID:           7,
		StateVersion: 3,
		Tabs: []store.Tab{
			{Slug: "tab-1", Name: "Sales", Steps: []store.Step{
				{ID: 1, Slug: "step-1", ModuleSlug: "loadurl", Params: map[string]any{"url": "https://x"}, LastRelevantStateVersion: 3, FetchBlobKey: "fetch/1"},
				{ID: 2, Slug: "step-2", ModuleSlug: "filter", Params: map[string]any{"column": "A"}, LastRelevantStateVersion: 3},
			}},
			{Slug: "tab-2", Name: "Join", Steps: []store.Step{
				{ID: 3, Slug: "step-3", ModuleSlug: "jointab", Params: map[string]any{"tab": "tab-1"}, LastRelevantStateVersion: 2,
					FetchErrors: []result.RenderError{result.Errorf("py.fetch.failed")}},
			}},
		},
	}
}

func cachedFor(step int64, version int64) *store.CachedRenderResult {
	return &store.CachedRenderResult{
		WorkflowID:   7,
		StepID:       step,
		StateVersion: version,
		Status:       result.StatusOK,
		JSON:         json.RawMessage(`{"chart":true}`),
		Metadata:     table.TableMetadata{NRows: 2, Columns: []table.Column{{Name: "A", Type: table.Text()}}},
	}
}

// runAcrossStores runs fn once per backend.
func runAcrossStores(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Helper()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer func() { _ = s.Close() }()
			fn(t, s)
		})
	}
}

func TestWorkflowRoundTripAcrossStores(t *testing.T) {
	runAcrossStores(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if err := s.CreateWorkflow(ctx, sampleWorkflow()); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		wf, err := s.LoadWorkflow(ctx, 7)
		if err != nil {
			t.Fatalf("LoadWorkflow: %v", err)
		}
		if wf.StateVersion != 3 || len(wf.Tabs) != 2 {
			t.Fatalf("got version %d with %d tabs", wf.StateVersion, len(wf.Tabs))
		}
		if wf.Tabs[0].Slug != "tab-1" || wf.Tabs[1].Slug != "tab-2" {
			t.Errorf("tab order = %s, %s", wf.Tabs[0].Slug, wf.Tabs[1].Slug)
		}
		if got := wf.Tabs[0].Steps; len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
			t.Fatalf("steps of tab-1 = %+v", got)
		}
		st := wf.Step(1)
		if st.Params["url"] != "https://x" || st.FetchBlobKey != "fetch/1" {
			t.Errorf("step 1 = %+v", st)
		}
		if got := wf.Step(3).FetchErrors; len(got) != 1 || got[0].Message.ID != "py.fetch.failed" {
			t.Errorf("fetch errors = %+v", got)
		}
		if st.Cached != nil || st.Fresh() {
			t.Errorf("new step should have no cached result")
		}

		v, err := s.StateVersion(ctx, 7)
		if err != nil || v != 3 {
			t.Errorf("StateVersion = %d, %v", v, err)
		}
	})
}

func TestNotFoundAcrossStores(t *testing.T) {
	runAcrossStores(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if _, err := s.LoadWorkflow(ctx, 99); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("LoadWorkflow err = %v", err)
		}
		if _, err := s.StateVersion(ctx, 99); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("StateVersion err = %v", err)
		}
		if _, err := s.GetCachedResult(ctx, 99, 1); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetCachedResult err = %v", err)
		}
		if _, err := s.ApplyDelta(ctx, 99, func(*store.Workflow) error { return nil }); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("ApplyDelta err = %v", err)
		}
	})
}

func TestCachedResultAcrossStores(t *testing.T) {
	runAcrossStores(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if err := s.CreateWorkflow(ctx, sampleWorkflow()); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}

		if err := s.PutCachedResult(ctx, cachedFor(1, 3)); err != nil {
			t.Fatalf("PutCachedResult: %v", err)
		}
		got, err := s.GetCachedResult(ctx, 7, 1)
		if err != nil {
			t.Fatalf("GetCachedResult: %v", err)
		}
		if got.StateVersion != 3 || got.Status != result.StatusOK || got.Metadata.NRows != 2 {
			t.Errorf("cached = %+v", got)
		}
		if string(got.JSON) != `{"chart":true}` {
			t.Errorf("json = %s", got.JSON)
		}
		if got.BlobKey() != "wf-7/step-1/delta-3.tbl" || !got.HasTable() {
			t.Errorf("blob key = %s", got.BlobKey())
		}

		wf, err := s.LoadWorkflow(ctx, 7)
		if err != nil {
			t.Fatalf("LoadWorkflow: %v", err)
		}
		if !wf.Step(1).Fresh() {
			t.Errorf("step 1 should be fresh")
		}
		if wf.Step(2).Fresh() {
			t.Errorf("step 2 should not be fresh")
		}

		// Overwrite in place: one row per step.
		errResult := &store.CachedRenderResult{
			WorkflowID: 7, StepID: 1, StateVersion: 3, Status: result.StatusError,
			Errors: []result.RenderError{result.Errorf("py.renderer.execute.types.PromptingError")},
		}
		if err := s.PutCachedResult(ctx, errResult); err != nil {
			t.Fatalf("PutCachedResult overwrite: %v", err)
		}
		got, err = s.GetCachedResult(ctx, 7, 1)
		if err != nil {
			t.Fatalf("GetCachedResult: %v", err)
		}
		if got.Status != result.StatusError || len(got.Errors) != 1 || got.HasTable() || len(got.JSON) != 0 {
			t.Errorf("overwritten = %+v", got)
		}

		if err := s.DeleteCachedResult(ctx, 7, 1); err != nil {
			t.Fatalf("DeleteCachedResult: %v", err)
		}
		if _, err := s.GetCachedResult(ctx, 7, 1); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("after delete err = %v", err)
		}
	})
}

func TestPutCachedResultRejectsStaleVersions(t *testing.T) {
	runAcrossStores(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if err := s.CreateWorkflow(ctx, sampleWorkflow()); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		if err := s.PutCachedResult(ctx, cachedFor(1, 2)); !errors.Is(err, store.ErrStale) {
			t.Errorf("old version err = %v", err)
		}
		if err := s.PutCachedResult(ctx, cachedFor(42, 3)); !errors.Is(err, store.ErrStale) {
			t.Errorf("unknown step err = %v", err)
		}
		if _, err := s.GetCachedResult(ctx, 7, 1); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("stale write must not persist, err = %v", err)
		}
	})
}

func TestApplyDeltaAcrossStores(t *testing.T) {
	runAcrossStores(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if err := s.CreateWorkflow(ctx, sampleWorkflow()); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		for _, id := range []int64{1, 2} {
			if err := s.PutCachedResult(ctx, cachedFor(id, 3)); err != nil {
				t.Fatalf("PutCachedResult(%d): %v", id, err)
			}
		}

		next, err := s.ApplyDelta(ctx, 7, func(wf *store.Workflow) error {
			if wf.StateVersion != 4 {
				t.Errorf("mutate sees version %d, want 4", wf.StateVersion)
			}
			tab := wf.Tab("tab-1")
			tab.Steps = tab.Steps[:1]
			tab.Steps[0].Params = map[string]any{"url": "https://y"}
			tab.Steps[0].LastRelevantStateVersion = wf.StateVersion
			return nil
		})
		if err != nil {
			t.Fatalf("ApplyDelta: %v", err)
		}
		if next.StateVersion != 4 {
			t.Errorf("returned version = %d", next.StateVersion)
		}

		wf, err := s.LoadWorkflow(ctx, 7)
		if err != nil {
			t.Fatalf("LoadWorkflow: %v", err)
		}
		if wf.StateVersion != 4 || wf.Step(2) != nil {
			t.Fatalf("after delta: version %d, step 2 = %+v", wf.StateVersion, wf.Step(2))
		}
		st := wf.Step(1)
		if st.Params["url"] != "https://y" || st.LastRelevantStateVersion != 4 {
			t.Errorf("step 1 = %+v", st)
		}
		if st.Cached == nil || st.Fresh() {
			t.Errorf("step 1 keeps its row but is no longer fresh: %+v", st.Cached)
		}
		if _, err := s.GetCachedResult(ctx, 7, 2); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("removed step's row should be gone, err = %v", err)
		}
		if err := s.PutCachedResult(ctx, cachedFor(1, 3)); !errors.Is(err, store.ErrStale) {
			t.Errorf("write at superseded version err = %v", err)
		}
	})
}

func TestApplyDeltaRollsBackOnError(t *testing.T) {
	runAcrossStores(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if err := s.CreateWorkflow(ctx, sampleWorkflow()); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		boom := errors.New("boom")
		_, err := s.ApplyDelta(ctx, 7, func(wf *store.Workflow) error {
			wf.Tabs = nil
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
		wf, err := s.LoadWorkflow(ctx, 7)
		if err != nil {
			t.Fatalf("LoadWorkflow: %v", err)
		}
		if wf.StateVersion != 3 || len(wf.Tabs) != 2 {
			t.Errorf("failed delta changed the workflow: %+v", wf)
		}
	})
}

func TestConcurrentDeltasAcrossStores(t *testing.T) {
	runAcrossStores(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		if err := s.CreateWorkflow(ctx, sampleWorkflow()); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		const n = 10
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.ApplyDelta(ctx, 7, func(*store.Workflow) error { return nil }); err != nil {
					t.Errorf("ApplyDelta: %v", err)
				}
			}()
		}
		wg.Wait()
		v, err := s.StateVersion(ctx, 7)
		if err != nil || v != 3+n {
			t.Errorf("StateVersion = %d, %v; want %d", v, err, 3+n)
		}
	})
}

func TestClosedStoreAcrossStores(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if _, err := s.LoadWorkflow(context.Background(), 7); !errors.Is(err, store.ErrClosed) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestCreateWorkflowRejectsDuplicates(t *testing.T) {
	runAcrossStores(t, func(t *testing.T, s store.Store) {
		wf := sampleWorkflow()
		wf.Tabs[1].Steps[0].ID = 1
		if err := s.CreateWorkflow(context.Background(), wf); err == nil {
			t.Errorf("duplicate step id should fail")
		}
	})
}
