package render

import (
	"context"
	"fmt"
	"slices"

	"github.com/dshills/tabflow/blob"
	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/render/cache"
	"github.com/dshills/tabflow/render/store"
)

// ApplyParamsChange stores new params for a step in a new state version.
// The step, the steps after it, and every step that reads an affected tab
// (directly or through other tabs) get the new version as their
// LastRelevantStateVersion, which makes them stale. The caller should then
// publish a render request for the returned workflow's version.
func ApplyParamsChange(ctx context.Context, st store.Store, modules ModuleLoader, workflowID, stepID int64, raw map[string]any) (*store.Workflow, error) {
	schemas, err := loadSchemas(ctx, st, modules, workflowID)
	if err != nil {
		return nil, err
	}
	return st.ApplyDelta(ctx, workflowID, func(wf *store.Workflow) error {
		tab, idx := findStep(wf, stepID)
		if tab == nil {
			return fmt.Errorf("step %d: %w", stepID, store.ErrNotFound)
		}
		tab.Steps[idx].Params = raw
		invalidateFrom(wf, tab, idx, schemas)
		return nil
	})
}

// DeleteStep removes a step in a new state version, making the steps after
// it and every dependent tab stale, and drops the step's cached result and
// fetched data.
func DeleteStep(ctx context.Context, st store.Store, c *cache.Cache, modules ModuleLoader, workflowID, stepID int64) (*store.Workflow, error) {
	schemas, err := loadSchemas(ctx, st, modules, workflowID)
	if err != nil {
		return nil, err
	}
	wf, err := st.ApplyDelta(ctx, workflowID, func(wf *store.Workflow) error {
		tab, idx := findStep(wf, stepID)
		if tab == nil {
			return fmt.Errorf("step %d: %w", stepID, store.ErrNotFound)
		}
		tab.Steps = slices.Delete(tab.Steps, idx, idx+1)
		invalidateFrom(wf, tab, idx, schemas)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.Invalidate(ctx, cache.Key{WorkflowID: workflowID, StepID: stepID}); err != nil {
		return nil, fmt.Errorf("drop cached result of step %d: %w", stepID, err)
	}
	if err := blob.DeletePrefix(ctx, c.Blobs(), store.FetchBlobPrefix(workflowID, stepID)); err != nil {
		return nil, fmt.Errorf("drop fetched data of step %d: %w", stepID, err)
	}
	return wf, nil
}

// loadSchemas maps module slugs to their param schemas. Missing or broken
// modules are left out and their steps treated as reading no tabs; any other
// load failure is returned, since guessing would leave dependents fresh.
func loadSchemas(ctx context.Context, st store.Store, modules ModuleLoader, workflowID int64) (map[string]params.DType, error) {
	wf, err := st.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	schemas := map[string]params.DType{}
	for _, s := range wf.Steps() {
		if _, ok := schemas[s.ModuleSlug]; ok {
			continue
		}
		m, err := modules.Load(ctx, s.ModuleSlug)
		if moduleUnavailable(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", s.ModuleSlug, err)
		}
		schemas[s.ModuleSlug] = m.Spec().Schema
	}
	return schemas, nil
}

func findStep(wf *store.Workflow, stepID int64) (*store.Tab, int) {
	for ti := range wf.Tabs {
		for si := range wf.Tabs[ti].Steps {
			if wf.Tabs[ti].Steps[si].ID == stepID {
				return &wf.Tabs[ti], si
			}
		}
	}
	return nil, -1
}

// invalidateFrom marks tab's steps from idx on as relevant to wf's new
// version, then repeats for any tab with a step reading an invalidated tab
// until nothing changes.
func invalidateFrom(wf *store.Workflow, tab *store.Tab, idx int, schemas map[string]params.DType) {
	v := wf.StateVersion
	bump := func(t *store.Tab, from int) {
		for i := from; i < len(t.Steps); i++ {
			t.Steps[i].LastRelevantStateVersion = v
		}
	}

	bump(tab, idx)
	invalid := map[string]bool{tab.Slug: true}

	for changed := true; changed; {
		changed = false
		for ti := range wf.Tabs {
			t := &wf.Tabs[ti]
			for si := range t.Steps {
				s := &t.Steps[si]
				if s.LastRelevantStateVersion == v {
					// This step and the rest of the tab are already bumped.
					break
				}
				schema, ok := schemas[s.ModuleSlug]
				if !ok {
					continue
				}
				if readsAny(params.FindTabSlugs(schema, s.Params), invalid) {
					bump(t, si)
					invalid[t.Slug] = true
					changed = true
					break
				}
			}
		}
	}
}

func readsAny(slugs []string, set map[string]bool) bool {
	for _, s := range slugs {
		if set[s] {
			return true
		}
	}
	return false
}
