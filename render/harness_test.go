package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/tabflow/blob"
	"github.com/dshills/tabflow/kernel"
	"github.com/dshills/tabflow/log"
	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/render/emit"
	"github.com/dshills/tabflow/render/store"
	"github.com/dshills/tabflow/table"
)

// harness wires a scheduler to in-memory stores and a set of builtin
// modules:
//
//	load     loads x = [1 2 3]
//	double   doubles x
//	boom     panics
//	hang     blocks past its 50ms timeout
//	readtab  outputs the table of the tab in its "tab" param
//	edit     bumps the workflow's state version once, then passes its input through
type harness struct {
	t        *testing.T
	st       *store.MemStore
	blobs    *blob.MemStore
	kernel   *kernel.Kernel
	registry *kernel.Registry
	events   *emit.BufferedEmitter
	sched    *Scheduler

	mu     sync.Mutex
	calls  map[string]int
	edited atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	k, err := kernel.New(kernel.WithLogger(log.Nop()), kernel.WithPoolSize(4))
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	t.Cleanup(k.Close)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h := &harness{
		t:        t,
		st:       store.NewMemStore(),
		blobs:    blob.NewMemStore(),
		kernel:   k,
		registry: kernel.NewRegistry(k, ""),
		events:   emit.NewBufferedEmitter(),
		calls:    map[string]int{},
	}

	h.register(kernel.Spec{ID: "load", LoadsData: true}, func(ctx context.Context, in kernel.RenderInput) (kernel.RenderOutput, error) {
		return kernel.RenderOutput{Table: table.New(table.Ints("x", []int64{1, 2, 3}))}, nil
	})
	h.register(kernel.Spec{ID: "double"}, func(ctx context.Context, in kernel.RenderInput) (kernel.RenderOutput, error) {
		a := in.Table.Array("x")
		if a == nil {
			return kernel.RenderOutput{}, errors.New("no column x")
		}
		out := make([]int64, len(a.Ints))
		for i, v := range a.Ints {
			out[i] = 2 * v
		}
		return kernel.RenderOutput{Table: table.New(table.Ints("x", out))}, nil
	})
	h.register(kernel.Spec{ID: "boom"}, func(ctx context.Context, in kernel.RenderInput) (kernel.RenderOutput, error) {
		panic("boom")
	})
	h.register(kernel.Spec{ID: "hang", Timeout: 50 * time.Millisecond}, func(ctx context.Context, in kernel.RenderInput) (kernel.RenderOutput, error) {
		<-release
		return kernel.RenderOutput{}, nil
	})
	h.register(kernel.Spec{
		ID:         "readtab",
		LoadsData:  true,
		Parameters: []params.FieldSpec{{IDName: "tab", Type: "tab"}},
	}, func(ctx context.Context, in kernel.RenderInput) (kernel.RenderOutput, error) {
		tv := in.Params.Get("tab")
		if tv.Tab == nil {
			return kernel.RenderOutput{}, errors.New("no tab selected")
		}
		return kernel.RenderOutput{Table: tv.Tab.Table}, nil
	})
	h.register(kernel.Spec{ID: "edit"}, func(ctx context.Context, in kernel.RenderInput) (kernel.RenderOutput, error) {
		if h.edited.CompareAndSwap(false, true) {
			if _, err := h.st.ApplyDelta(ctx, 1, func(*store.Workflow) error { return nil }); err != nil {
				return kernel.RenderOutput{}, err
			}
		}
		return kernel.RenderOutput{Table: in.Table}, nil
	})

	sched, err := NewScheduler(h.st, h.blobs, h.registry, k,
		WithLogger(log.Nop()), WithEmitter(h.events), WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	h.sched = sched
	return h
}

func (h *harness) register(spec kernel.Spec, render func(context.Context, kernel.RenderInput) (kernel.RenderOutput, error)) {
	h.t.Helper()
	id := spec.ID
	err := h.registry.RegisterBuiltin(spec, kernel.Impl{
		Render: func(ctx context.Context, in kernel.RenderInput) (kernel.RenderOutput, error) {
			h.mu.Lock()
			h.calls[id]++
			h.mu.Unlock()
			return render(ctx, in)
		},
	})
	if err != nil {
		h.t.Fatalf("register %s: %v", id, err)
	}
}

func (h *harness) callCount(module string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[module]
}

func (h *harness) create(tabs ...store.Tab) *store.Workflow {
	h.t.Helper()
	wf := &store.Workflow{ID: 1, StateVersion: 1, Tabs: tabs}
	if err := h.st.CreateWorkflow(context.Background(), wf); err != nil {
		h.t.Fatalf("CreateWorkflow: %v", err)
	}
	return wf
}

func (h *harness) render() Outcome {
	h.t.Helper()
	out, err := h.sched.Render(context.Background(), 1)
	if err != nil {
		h.t.Fatalf("Render: %v", err)
	}
	return out
}

func (h *harness) cached(stepID int64) *store.CachedRenderResult {
	h.t.Helper()
	row, err := h.st.GetCachedResult(context.Background(), 1, stepID)
	if err != nil {
		h.t.Fatalf("GetCachedResult(%d): %v", stepID, err)
	}
	return row
}

func (h *harness) blobBytes(key string) []byte {
	h.t.Helper()
	rc, err := h.blobs.Get(context.Background(), key)
	if err != nil {
		h.t.Fatalf("blob %s: %v", key, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		h.t.Fatalf("read blob %s: %v", key, err)
	}
	return raw
}

func (h *harness) workflow() *store.Workflow {
	h.t.Helper()
	wf, err := h.st.LoadWorkflow(context.Background(), 1)
	if err != nil {
		h.t.Fatalf("LoadWorkflow: %v", err)
	}
	return wf
}

func tab(slug string, steps ...store.Step) store.Tab {
	return store.Tab{Slug: slug, Name: "Tab " + slug, Steps: steps}
}

func step(id int64, module string, p map[string]any) store.Step {
	if p == nil {
		p = map[string]any{}
	}
	return store.Step{ID: id, Slug: fmt.Sprintf("step-%d", id), ModuleSlug: module, Params: p, LastRelevantStateVersion: 1}
}

// faultyLoader fails Load for the slugs in fail and defers to the harness
// registry otherwise.
type faultyLoader struct {
	ModuleLoader
	fail map[string]error
}

func (l faultyLoader) Load(ctx context.Context, slug string) (kernel.Module, error) {
	if err, ok := l.fail[slug]; ok {
		return nil, err
	}
	return l.ModuleLoader.Load(ctx, slug)
}

// unreadableModuleDir is what the registry returns when it cannot read a
// module's spec file.
func unreadableModuleDir(slug string) error {
	return &kernel.InfrastructureError{Op: "load", Module: slug, Cause: errors.New("input/output error")}
}

// withLoader rebuilds the harness scheduler around modules.
func (h *harness) withLoader(modules ModuleLoader) {
	h.t.Helper()
	sched, err := NewScheduler(h.st, h.blobs, modules, h.kernel,
		WithLogger(log.Nop()), WithEmitter(h.events), WithTempDir(h.t.TempDir()))
	if err != nil {
		h.t.Fatalf("NewScheduler: %v", err)
	}
	h.sched = sched
}
