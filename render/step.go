package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/tabflow/blob"
	"github.com/dshills/tabflow/kernel"
	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/render/emit"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// executeStep renders f.Steps[i] on input. Anything wrong with the step
// itself becomes a RenderResult; only infrastructure faults return an error.
func (p *pass) executeStep(ctx context.Context, f *TabFlow, i int, input result.RenderResult, tabs []params.TabState) (result.RenderResult, error) {
	es := f.Steps[i]
	step := es.Step
	meta := map[string]interface{}{"module": step.ModuleSlug}
	p.emit(f.Tab.Slug, step.ID, emit.MsgStepStart, meta)

	start := time.Now()
	res, err := p.renderStep(ctx, f, i, input, tabs)
	elapsed := time.Since(start)

	end := map[string]interface{}{"module": step.ModuleSlug, "duration_ms": elapsed.Milliseconds()}
	if err != nil {
		if errors.Is(err, kernel.ErrModuleTimeout) {
			p.s.cfg.metrics.IncrementModuleTimeouts(step.ModuleSlug)
		}
		end["error"] = err.Error()
		p.emit(f.Tab.Slug, step.ID, emit.MsgStepEnd, end)
		return result.RenderResult{}, err
	}
	status := string(res.Status())
	end["status"] = status
	p.emit(f.Tab.Slug, step.ID, emit.MsgStepEnd, end)
	p.s.cfg.metrics.RecordStepLatency(step.ModuleSlug, elapsed, status)
	return res, nil
}

func (p *pass) renderStep(ctx context.Context, f *TabFlow, i int, input result.RenderResult, tabs []params.TabState) (result.RenderResult, error) {
	es := f.Steps[i]
	step := es.Step

	if i > 0 && input.Status() != result.StatusOK {
		return result.Unreachable(), nil
	}
	if es.Module == nil {
		return result.WithErrors(result.Errorf(result.MsgNoModule)), nil
	}
	if es.ParamsErr != nil {
		return result.WithErrors(result.Errorf(result.MsgInvalidParams, "message", es.ParamsErr.Error())), nil
	}
	spec := es.Module.Spec()
	if i == 0 && !spec.LoadsData {
		return result.WithErrors(result.Errorf(result.MsgNoLoadedData)), nil
	}

	in := input.Table
	if in == nil {
		in = table.Empty()
	}
	cleaned, err := params.Clean(spec.Schema, es.Params, &params.Context{
		Input:  input.Metadata(),
		Tabs:   tabs,
		Params: es.Params,
	})
	if err != nil {
		return result.WithErrors(paramErrors(err)...), nil
	}

	fetch, cleanup, err := p.loadFetchResult(ctx, es)
	if err != nil {
		return result.RenderResult{}, err
	}
	defer cleanup()

	res, err := p.s.runner.Render(ctx, es.Module, kernel.RenderRequest{
		Input:  in,
		Params: cleaned,
		Tab:    kernel.TabInfo{Slug: f.Tab.Slug, Name: f.Tab.Name},
		Fetch:  fetch,
	})
	if err != nil {
		return result.RenderResult{}, fmt.Errorf("render step %d: %w", step.ID, err)
	}
	if res.Table == nil {
		res.Table = table.Empty()
	}
	return res, nil
}

// paramErrors turns a params.Clean failure into user-facing errors.
func paramErrors(err error) []result.RenderError {
	var (
		cycle       *params.TabCycleError
		unreachable *params.TabUnreachableError
		prompting   *params.PromptingError
	)
	switch {
	case errors.As(err, &cycle):
		return []result.RenderError{cycle.RenderError()}
	case errors.As(err, &unreachable):
		return []result.RenderError{unreachable.RenderError()}
	case errors.As(err, &prompting):
		return prompting.RenderErrors()
	default:
		return []result.RenderError{result.Errorf(result.MsgInvalidParams, "message", err.Error())}
	}
}

// loadFetchResult downloads the step's stored fetch into a temp file. A step
// with no fetch, or whose fetched blob is gone, renders without one.
func (p *pass) loadFetchResult(ctx context.Context, es ExecuteStep) (*result.FetchResult, func(), error) {
	noop := func() {}
	step := es.Step
	if step.FetchBlobKey == "" {
		if len(step.FetchErrors) > 0 {
			return &result.FetchResult{Errors: step.FetchErrors}, noop, nil
		}
		return nil, noop, nil
	}

	path := filepath.Join(p.s.cfg.tempDir, "fetch-result-"+uuid.NewString()+".tbl")
	err := blob.Download(ctx, p.s.blobs, step.FetchBlobKey, path)
	if errors.Is(err, blob.ErrNotFound) {
		p.s.cfg.logger.Warnw("fetched data missing", "workflow_id", p.wf.ID, "step_id", step.ID, "key", step.FetchBlobKey)
		return nil, noop, nil
	}
	if err != nil {
		return nil, noop, fmt.Errorf("download fetch result of step %d: %w", step.ID, err)
	}
	return &result.FetchResult{Path: path, Errors: step.FetchErrors}, func() { _ = os.Remove(path) }, nil
}
