package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/tabflow/blob"
	"github.com/dshills/tabflow/kernel"
	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/queue"
	"github.com/dshills/tabflow/render/emit"
	"github.com/dshills/tabflow/render/store"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// DefaultFetchHistory is how many fetched tables are kept per step.
const DefaultFetchHistory = 5

// FetchRunner calls module fetch code. *kernel.Kernel implements it.
type FetchRunner interface {
	MigrateParams(ctx context.Context, m kernel.Module, raw map[string]any) (map[string]any, error)
	Fetch(ctx context.Context, m kernel.Module, req kernel.FetchRequest) (result.FetchResult, error)
}

// FetchOutcome reports what a fetch did.
type FetchOutcome struct {
	// Skipped is set when the workflow or step is gone, or the step's
	// module does not fetch. Nothing was stored.
	Skipped bool
	// Changed is set when the fetch stored new data or new errors in a new
	// state version and requested a render of it.
	Changed bool
	// StateVersion is the workflow's version after the fetch.
	StateVersion int64
	// BlobKey and Errors are the step's fetch result after the fetch.
	BlobKey string
	Errors  []result.RenderError
}

// Fetcher runs a step's fetch and records what it got. New data lands in a
// new state version that makes the step and everything reading it stale,
// and a render request for that version is published.
type Fetcher struct {
	store     store.Store
	blobs     blob.Store
	modules   ModuleLoader
	runner    FetchRunner
	publisher queue.Publisher
	cfg       config

	rngMu sync.Mutex
}

// NewFetcher creates a Fetcher publishing render requests to pub.
func NewFetcher(st store.Store, blobs blob.Store, modules ModuleLoader, runner FetchRunner, pub queue.Publisher, opts ...Option) (*Fetcher, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Fetcher{store: st, blobs: blobs, modules: modules, runner: runner, publisher: pub, cfg: cfg}, nil
}

// Fetch runs the fetch of one step. Problems with the module or its params
// are stored as the step's fetch errors; the error return is for storage,
// queue and kernel pool failures.
//
// A fetch that returns the same table and errors as the stored result
// changes nothing.
func (f *Fetcher) Fetch(ctx context.Context, workflowID, stepID int64) (FetchOutcome, error) {
	logger := f.cfg.logger
	start := time.Now()

	wf, err := f.store.LoadWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Infow("skipping fetch of deleted workflow", "workflow_id", workflowID, "step_id", stepID)
		return FetchOutcome{Skipped: true}, nil
	}
	if err != nil {
		return FetchOutcome{}, fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	tab, idx := findStep(wf, stepID)
	if tab == nil {
		logger.Infow("skipping fetch of deleted step", "workflow_id", workflowID, "step_id", stepID)
		return FetchOutcome{Skipped: true, StateVersion: wf.StateVersion}, nil
	}
	step := tab.Steps[idx]
	var input table.TableMetadata
	if idx > 0 && tab.Steps[idx-1].Cached != nil {
		input = tab.Steps[idx-1].Cached.Metadata
	}

	dir, err := os.MkdirTemp(f.cfg.tempDir, "fetch-*")
	if err != nil {
		return FetchOutcome{}, err
	}
	defer os.RemoveAll(dir)

	prior, err := f.downloadPrior(ctx, wf.ID, &step, dir)
	if err != nil {
		return FetchOutcome{}, err
	}
	res, fetches, err := f.run(ctx, &step, input, prior, filepath.Join(dir, "fetch-result.tbl"))
	if err != nil {
		return FetchOutcome{}, err
	}
	if !fetches {
		logger.Infow("module does not fetch", "workflow_id", workflowID, "step_id", stepID, "module", step.ModuleSlug)
		return FetchOutcome{Skipped: true, StateVersion: wf.StateVersion}, nil
	}

	out := FetchOutcome{StateVersion: wf.StateVersion, BlobKey: step.FetchBlobKey, Errors: res.Errors}
	sameTable, err := sameFetchedTable(prior, res)
	if err != nil {
		return FetchOutcome{}, err
	}
	if sameTable && sameErrors(step.FetchErrors, res.Errors) {
		f.emitFetch(wf, &step, out, time.Since(start))
		return out, nil
	}

	if !sameTable {
		out.BlobKey = store.FetchBlobKey(workflowID, stepID, uuid.Must(uuid.NewV7()).String())
		if err := blob.Upload(ctx, f.blobs, out.BlobKey, res.Path); err != nil {
			return FetchOutcome{}, fmt.Errorf("store fetched table of step %d: %w", stepID, err)
		}
	}
	discard := func() {
		if out.BlobKey != step.FetchBlobKey {
			_ = f.blobs.Delete(context.WithoutCancel(ctx), out.BlobKey)
		}
	}

	updated, err := f.record(ctx, workflowID, stepID, out)
	if errors.Is(err, store.ErrNotFound) {
		discard()
		logger.Infow("step deleted during fetch", "workflow_id", workflowID, "step_id", stepID)
		return FetchOutcome{Skipped: true}, nil
	}
	if err != nil {
		discard()
		return FetchOutcome{}, err
	}
	out.Changed = true
	out.StateVersion = updated.StateVersion

	if err := f.prune(ctx, workflowID, stepID, out.BlobKey); err != nil {
		logger.Warnw("prune fetched tables", "workflow_id", workflowID, "step_id", stepID, "error", err)
	}
	if err := publishRetrying(ctx, f.publisher, queue.NewMessage(workflowID, out.StateVersion, nil), &f.cfg, &f.rngMu); err != nil {
		return out, fmt.Errorf("request render of workflow %d: %w", workflowID, err)
	}
	f.emitFetch(wf, &step, out, time.Since(start))
	return out, nil
}

// run loads the step's module, prepares its params and calls fetch. Module
// timeouts and crashes become fetch errors, since the user can only fix
// them by changing params or waiting.
func (f *Fetcher) run(ctx context.Context, step *store.Step, input table.TableMetadata, prior *result.FetchResult, outPath string) (result.FetchResult, bool, error) {
	m, err := f.modules.Load(ctx, step.ModuleSlug)
	if moduleUnavailable(err) {
		return result.FetchResult{Errors: []result.RenderError{result.Errorf(result.MsgNoModule)}}, true, nil
	}
	if err != nil {
		return result.FetchResult{}, false, fmt.Errorf("load module %s: %w", step.ModuleSlug, err)
	}
	spec := m.Spec()
	if !spec.Fetches {
		return result.FetchResult{}, false, nil
	}

	raw, err := f.runner.MigrateParams(ctx, m, step.Params)
	if err != nil {
		if fault, ok := moduleFault(spec.ID, err); ok {
			return fault, true, nil
		}
		if kernel.IsInfrastructure(err) {
			return result.FetchResult{}, false, fmt.Errorf("migrate params of step %d: %w", step.ID, err)
		}
		return result.FetchResult{Errors: []result.RenderError{result.Errorf(result.MsgInvalidParams, "message", err.Error())}}, true, nil
	}
	cleaned, err := params.Clean(spec.Schema, raw, &params.Context{Input: input, Params: raw})
	if err != nil {
		return result.FetchResult{Errors: paramErrors(err)}, true, nil
	}

	res, err := f.runner.Fetch(ctx, m, kernel.FetchRequest{Params: cleaned, Prior: prior, OutputPath: outPath})
	if err != nil {
		if fault, ok := moduleFault(spec.ID, err); ok {
			f.cfg.logger.Warnw("fetch failed in module", "step_id", step.ID, "module", spec.ID, "error", err)
			return fault, true, nil
		}
		return result.FetchResult{}, false, fmt.Errorf("fetch step %d: %w", step.ID, err)
	}
	return res, true, nil
}

// moduleFault turns a kernel failure caused by the module itself into a
// fetch result.
func moduleFault(module string, err error) (result.FetchResult, bool) {
	for _, cause := range []error{kernel.ErrModuleTimeout, kernel.ErrSandboxCrashed, kernel.ErrProtocol} {
		if errors.Is(err, cause) {
			return result.FetchResult{Errors: []result.RenderError{
				result.Errorf(result.MsgModuleBug, "module", module, "message", cause.Error()),
			}}, true
		}
	}
	return result.FetchResult{}, false
}

// downloadPrior fetches the step's stored fetch result into dir. A missing
// blob means there is no prior table.
func (f *Fetcher) downloadPrior(ctx context.Context, workflowID int64, step *store.Step, dir string) (*result.FetchResult, error) {
	if step.FetchBlobKey == "" {
		if len(step.FetchErrors) > 0 {
			return &result.FetchResult{Errors: step.FetchErrors}, nil
		}
		return nil, nil
	}
	path := filepath.Join(dir, "prior.tbl")
	err := blob.Download(ctx, f.blobs, step.FetchBlobKey, path)
	if errors.Is(err, blob.ErrNotFound) {
		f.cfg.logger.Warnw("prior fetched data missing", "workflow_id", workflowID, "step_id", step.ID, "key", step.FetchBlobKey)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("download prior fetch of step %d: %w", step.ID, err)
	}
	return &result.FetchResult{Path: path, Errors: step.FetchErrors}, nil
}

// sameFetchedTable reports whether res leaves the stored table as it is:
// it has no table, or the same bytes as prior.
func sameFetchedTable(prior *result.FetchResult, res result.FetchResult) (bool, error) {
	if res.Path == "" {
		return true, nil
	}
	if prior == nil || prior.Path == "" {
		return false, nil
	}
	a, err := os.ReadFile(prior.Path)
	if err != nil {
		return false, err
	}
	b, err := os.ReadFile(res.Path)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

func sameErrors(a, b []result.RenderError) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	return reflect.DeepEqual(a, b)
}

// record stores the fetch result on the step in a new state version and
// makes the step and its dependents stale.
func (f *Fetcher) record(ctx context.Context, workflowID, stepID int64, out FetchOutcome) (*store.Workflow, error) {
	schemas, err := loadSchemas(ctx, f.store, f.modules, workflowID)
	if err != nil {
		return nil, err
	}
	return f.store.ApplyDelta(ctx, workflowID, func(wf *store.Workflow) error {
		tab, idx := findStep(wf, stepID)
		if tab == nil {
			return fmt.Errorf("step %d: %w", stepID, store.ErrNotFound)
		}
		s := &tab.Steps[idx]
		s.FetchBlobKey = out.BlobKey
		s.FetchErrors = out.Errors
		invalidateFrom(wf, tab, idx, schemas)
		return nil
	})
}

// prune deletes all but the newest fetched tables of a step. The current
// table is always kept.
func (f *Fetcher) prune(ctx context.Context, workflowID, stepID int64, current string) error {
	keys, err := f.blobs.List(ctx, store.FetchBlobPrefix(workflowID, stepID))
	if err != nil {
		return err
	}
	for i := 0; i < len(keys)-f.cfg.fetchHistory; i++ {
		if keys[i] == current {
			continue
		}
		if err := f.blobs.Delete(ctx, keys[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) emitFetch(wf *store.Workflow, step *store.Step, out FetchOutcome, elapsed time.Duration) {
	f.cfg.emitter.Emit(emit.Event{
		WorkflowID:   wf.ID,
		StateVersion: out.StateVersion,
		StepID:       step.ID,
		Msg:          emit.MsgFetchEnd,
		Meta: map[string]interface{}{
			"module":       step.ModuleSlug,
			"changed":      out.Changed,
			"fetch_errors": len(out.Errors),
			"duration_ms":  elapsed.Milliseconds(),
		},
	})
}
