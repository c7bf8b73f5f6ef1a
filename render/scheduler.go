package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/tabflow/blob"
	"github.com/dshills/tabflow/kernel"
	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/render/cache"
	"github.com/dshills/tabflow/render/emit"
	"github.com/dshills/tabflow/render/store"
	"github.com/dshills/tabflow/result"
)

// ModuleLoader resolves module slugs. *kernel.Registry implements it.
type ModuleLoader interface {
	Load(ctx context.Context, slug string) (kernel.Module, error)
}

// ModuleRunner calls module code. *kernel.Kernel implements it.
type ModuleRunner interface {
	MigrateParams(ctx context.Context, m kernel.Module, raw map[string]any) (map[string]any, error)
	Render(ctx context.Context, m kernel.Module, req kernel.RenderRequest) (result.RenderResult, error)
}

// Scheduler runs render passes. It does not lock: callers must hold the
// workflow's render lock, or otherwise ensure one pass per workflow at a time.
type Scheduler struct {
	store   store.Store
	blobs   blob.Store
	cache   *cache.Cache
	modules ModuleLoader
	runner  ModuleRunner
	cfg     config
}

// NewScheduler creates a Scheduler.
func NewScheduler(st store.Store, blobs blob.Store, modules ModuleLoader, runner ModuleRunner, opts ...Option) (*Scheduler, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:   st,
		blobs:   blobs,
		cache:   cache.New(st, blobs),
		modules: modules,
		runner:  runner,
		cfg:     cfg,
	}, nil
}

// Cache returns the scheduler's render cache.
func (s *Scheduler) Cache() *cache.Cache { return s.cache }

// Render runs one pass over the workflow and reports how it ended. The error
// is non-nil only for Failed, and wraps the infrastructure fault.
//
// Steps render tab by tab in declaration order, each tab from its first
// stale step. A pass that finds the workflow edited under it stops early as
// Superseded.
func (s *Scheduler) Render(ctx context.Context, workflowID int64) (Outcome, error) {
	out, err := s.run(ctx, workflowID)
	s.finish(workflowID, out)
	return out, err
}

// run executes a pass without announcing its terminal state, so the gateway
// can decide on a requeue first.
func (s *Scheduler) run(ctx context.Context, workflowID int64) (Outcome, error) {
	s.cfg.metrics.PassStarted()
	s.transition(workflowID, 0, StatePlanning)

	wf, err := s.store.LoadWorkflow(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{State: StateSuperseded}, nil
	}
	if err != nil {
		return Outcome{State: StateFailed}, fmt.Errorf("load workflow %d: %w", workflowID, err)
	}

	p := &pass{s: s, wf: wf}
	flows, err := p.plan(ctx)
	if err != nil {
		return Outcome{State: StateFailed, StateVersion: wf.StateVersion}, err
	}

	s.transition(workflowID, wf.StateVersion, StateExecuting)
	err = p.execute(ctx, flows)
	switch {
	case errors.Is(err, ErrUnneededExecution):
		return Outcome{State: StateSuperseded, StateVersion: wf.StateVersion}, nil
	case err != nil:
		return Outcome{State: StateFailed, StateVersion: wf.StateVersion}, err
	}
	return Outcome{State: StateDone, StateVersion: wf.StateVersion}, nil
}

func (s *Scheduler) finish(workflowID int64, out Outcome) {
	s.cfg.metrics.PassFinished(out.State)
	s.transition(workflowID, out.StateVersion, out.State)
}

func (s *Scheduler) transition(workflowID, stateVersion int64, state State) {
	s.cfg.emitter.Emit(emit.Event{
		WorkflowID:   workflowID,
		StateVersion: stateVersion,
		Msg:          emit.MsgPassState,
		Meta:         map[string]interface{}{"state": state.String()},
	})
}

// pass is the state of one Render call.
type pass struct {
	s  *Scheduler
	wf *store.Workflow
}

func (p *pass) emit(tab string, stepID int64, msg string, meta map[string]interface{}) {
	p.s.cfg.emitter.Emit(emit.Event{
		WorkflowID:   p.wf.ID,
		StateVersion: p.wf.StateVersion,
		TabSlug:      tab,
		StepID:       stepID,
		Msg:          msg,
		Meta:         meta,
	})
}

// plan resolves every step's module and migrates its params.
func (p *pass) plan(ctx context.Context) ([]*TabFlow, error) {
	flows := make([]*TabFlow, 0, len(p.wf.Tabs))
	for ti := range p.wf.Tabs {
		tab := &p.wf.Tabs[ti]
		flow := &TabFlow{Tab: tab, Steps: make([]ExecuteStep, 0, len(tab.Steps))}
		for si := range tab.Steps {
			es, err := p.planStep(ctx, &tab.Steps[si])
			if err != nil {
				return nil, err
			}
			flow.Steps = append(flow.Steps, es)
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

func (p *pass) planStep(ctx context.Context, step *store.Step) (ExecuteStep, error) {
	es := ExecuteStep{Step: step, Params: step.Params}

	m, err := p.s.modules.Load(ctx, step.ModuleSlug)
	if err != nil {
		if !moduleUnavailable(err) {
			return es, fmt.Errorf("load module %s: %w", step.ModuleSlug, err)
		}
		p.s.cfg.logger.Warnw("module unavailable", "workflow_id", p.wf.ID, "step_id", step.ID,
			"module", step.ModuleSlug, "error", err)
		return es, nil
	}
	es.Module = m

	migrated, err := p.s.runner.MigrateParams(ctx, m, step.Params)
	if err != nil {
		if kernel.IsInfrastructure(err) {
			return es, fmt.Errorf("migrate params of step %d: %w", step.ID, err)
		}
		es.ParamsErr = err
		return es, nil
	}
	es.Params = migrated
	return es, nil
}

// moduleUnavailable reports whether a Load error means the module cannot be
// used at all, which renders as a step error. Anything else, such as a module
// directory that could not be read, fails the pass.
func moduleUnavailable(err error) bool {
	var se *kernel.StructuralError
	return errors.Is(err, kernel.ErrModuleNotFound) || errors.As(err, &se)
}

// execute renders every tab in declaration order. Fresh tabs are only read
// when a stale tab references them.
func (p *pass) execute(ctx context.Context, flows []*TabFlow) error {
	tabs := make([]params.TabState, len(flows))
	for i, f := range flows {
		tabs[i] = params.TabState{Slug: f.Tab.Slug, Name: f.Tab.Name}
	}

	needed := map[string]bool{}
	for _, f := range flows {
		if _, stale := f.FirstStaleIndex(); stale {
			for _, slug := range f.InputTabSlugs() {
				needed[slug] = true
			}
		}
	}

	for i, f := range flows {
		_, stale := f.FirstStaleIndex()
		if stale || needed[f.Tab.Slug] {
			out, err := p.executeFlow(ctx, f, tabs)
			if err != nil {
				return err
			}
			tabs[i].Output = out
		}
		tabs[i].Rendered = true
	}
	return nil
}

// executeFlow renders a tab's stale steps and returns the tab's output.
func (p *pass) executeFlow(ctx context.Context, f *TabFlow, tabs []params.TabState) (result.RenderResult, error) {
	fresh, err := f.LastFreshOutput(ctx, p.s.cache)
	if err != nil {
		return result.RenderResult{}, fmt.Errorf("read cached output of tab %s: %w", f.Tab.Slug, err)
	}
	for _, c := range fresh.Corrupt {
		p.s.cfg.metrics.IncrementCorruptReads()
		p.emit(f.Tab.Slug, c.StepID, emit.MsgCorruptRead, map[string]interface{}{"error": c.Error()})
	}

	last := fresh.Result
	for i := fresh.Next; i < len(f.Steps); i++ {
		step := f.Steps[i].Step
		res, err := p.executeStep(ctx, f, i, last, tabs)
		if err != nil {
			return result.RenderResult{}, err
		}

		key := cache.Key{WorkflowID: p.wf.ID, StepID: step.ID}
		if _, err := p.s.cache.Put(ctx, key, step.LastRelevantStateVersion, res); err != nil {
			if errors.Is(err, store.ErrStale) {
				return result.RenderResult{}, ErrUnneededExecution
			}
			return result.RenderResult{}, fmt.Errorf("cache step %d: %w", step.ID, err)
		}
		if err := p.checkpoint(ctx); err != nil {
			return result.RenderResult{}, err
		}
		last = res
	}
	return last, nil
}

// checkpoint stops the pass if the workflow has moved past its snapshot.
func (p *pass) checkpoint(ctx context.Context) error {
	v, err := p.s.store.StateVersion(ctx, p.wf.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnneededExecution
	}
	if err != nil {
		return fmt.Errorf("check state version: %w", err)
	}
	if v != p.wf.StateVersion {
		return ErrUnneededExecution
	}
	return nil
}
