package render

import (
	"context"
	"errors"
	"slices"

	"github.com/dshills/tabflow/kernel"
	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/render/cache"
	"github.com/dshills/tabflow/render/store"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// ExecuteStep is a step as planned for one pass.
type ExecuteStep struct {
	Step *store.Step
	// Module is nil when the step's module is not installed.
	Module kernel.Module
	// Params are the step's params migrated to the module's current schema.
	Params map[string]any
	// ParamsErr is set when migration failed; the step renders an error.
	ParamsErr error
}

// TabFlow is one tab's steps in order. Freshness is judged against the
// snapshot the flow was planned from.
type TabFlow struct {
	Tab   *store.Tab
	Steps []ExecuteStep
}

// FirstStaleIndex returns the index of the first step that needs rendering,
// or false when every step is fresh.
func (f *TabFlow) FirstStaleIndex() (int, bool) {
	for i, s := range f.Steps {
		if !s.Step.Fresh() {
			return i, true
		}
	}
	return 0, false
}

// StaleSteps returns the steps from the first stale one on.
func (f *TabFlow) StaleSteps() []ExecuteStep {
	i, ok := f.FirstStaleIndex()
	if !ok {
		return nil
	}
	return f.Steps[i:]
}

// LastFreshStep returns the step just before the first stale one, or nil.
func (f *TabFlow) LastFreshStep() *store.Step {
	i, ok := f.FirstStaleIndex()
	if !ok {
		i = len(f.Steps)
	}
	if i == 0 {
		return nil
	}
	return f.Steps[i-1].Step
}

// InputTabSlugs returns the tabs this flow's steps read, in first-use order.
func (f *TabFlow) InputTabSlugs() []string {
	var out []string
	for _, s := range f.Steps {
		if s.Module == nil {
			continue
		}
		for _, slug := range params.FindTabSlugs(s.Module.Spec().Schema, s.Params) {
			if !slices.Contains(out, slug) {
				out = append(out, slug)
			}
		}
	}
	return out
}

// FreshOutput is where a flow resumes: the input to Steps[Next].
type FreshOutput struct {
	Result result.RenderResult
	Next   int
	// Corrupt lists cached results skipped because they could not be read.
	Corrupt []*cache.CorruptCacheError
}

// LastFreshOutput loads the output of the last fresh step. A cached result
// that cannot be read is treated as stale, moving the resume point back one
// step at a time. With no readable fresh step the flow starts from an empty
// table.
func (f *TabFlow) LastFreshOutput(ctx context.Context, c *cache.Cache) (FreshOutput, error) {
	start, ok := f.FirstStaleIndex()
	if !ok {
		start = len(f.Steps)
	}

	var out FreshOutput
	for i := start - 1; i >= 0; i-- {
		res, err := c.Read(ctx, f.Steps[i].Step.Cached)
		var corrupt *cache.CorruptCacheError
		if errors.As(err, &corrupt) {
			out.Corrupt = append(out.Corrupt, corrupt)
			continue
		}
		if err != nil {
			return FreshOutput{}, err
		}
		out.Result = *res
		out.Next = i + 1
		return out, nil
	}
	out.Result = result.RenderResult{Table: table.Empty()}
	return out, nil
}
