package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// builtinModule calls an Impl in-process behind panic recovery.
type builtinModule struct {
	spec *Spec
	impl Impl
}

// NewBuiltin wraps compiled module code.
func NewBuiltin(spec *Spec, impl Impl) Module {
	return &builtinModule{spec: spec, impl: impl}
}

func (m *builtinModule) Spec() *Spec { return m.spec }

func (m *builtinModule) validate(ctx context.Context, env *callEnv) error {
	if m.impl.Render == nil {
		return &StructuralError{Module: m.spec.ID, Reason: "missing render function"}
	}
	if m.spec.Fetches && m.impl.Fetch == nil {
		return &StructuralError{Module: m.spec.ID, Reason: "spec declares fetches but there is no fetch function"}
	}
	return nil
}

func (m *builtinModule) migrateParams(ctx context.Context, env *callEnv, raw map[string]any) (out map[string]any, err error) {
	if m.impl.MigrateParams == nil {
		return raw, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v at %s", r, panicLocation())
		}
	}()
	return m.impl.MigrateParams(raw)
}

func (m *builtinModule) render(ctx context.Context, env *callEnv, req RenderRequest) (res result.RenderResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = result.WithErrors(moduleBug(m.spec.ID, fmt.Sprint(r), panicLocation())), nil
		}
	}()
	out, callErr := m.impl.Render(ctx, RenderInput{
		Table:  req.Input,
		Params: req.Params,
		Tab:    req.Tab,
		Fetch:  req.Fetch,
	})
	if callErr != nil {
		return result.WithErrors(moduleError(m.spec.ID, callErr.Error())), nil
	}
	return checkOutput(m.spec.ID, out), nil
}

func (m *builtinModule) fetch(ctx context.Context, env *callEnv, req FetchRequest) (res result.FetchResult, err error) {
	if m.impl.Fetch == nil {
		return result.FetchResult{}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = result.FetchResult{Errors: []result.RenderError{moduleBug(m.spec.ID, fmt.Sprint(r), panicLocation())}}, nil
		}
	}()
	out, callErr := m.impl.Fetch(ctx, FetchInput{Params: req.Params, Secrets: req.Secrets, Prior: req.Prior})
	if callErr != nil {
		return result.FetchResult{Errors: []result.RenderError{moduleError(m.spec.ID, callErr.Error())}}, nil
	}
	return writeFetchOutput(m.spec.ID, req.OutputPath, out)
}

// legacyModule adapts a TableFunc: it renders, never fetches and never
// migrates params.
type legacyModule struct {
	spec *Spec
	fn   TableFunc
}

// NewLegacy wraps a single-function module.
func NewLegacy(spec *Spec, fn TableFunc) Module {
	return &legacyModule{spec: spec, fn: fn}
}

func (m *legacyModule) Spec() *Spec { return m.spec }

func (m *legacyModule) validate(ctx context.Context, env *callEnv) error {
	if m.fn == nil {
		return &StructuralError{Module: m.spec.ID, Reason: "missing table function"}
	}
	if m.spec.Fetches {
		return &StructuralError{Module: m.spec.ID, Reason: "legacy modules cannot fetch"}
	}
	return nil
}

func (m *legacyModule) migrateParams(ctx context.Context, env *callEnv, raw map[string]any) (map[string]any, error) {
	return raw, nil
}

func (m *legacyModule) render(ctx context.Context, env *callEnv, req RenderRequest) (res result.RenderResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = result.WithErrors(moduleBug(m.spec.ID, fmt.Sprint(r), panicLocation())), nil
		}
	}()
	out, callErr := m.fn(req.Input, req.Params)
	if callErr != nil {
		return result.WithErrors(moduleError(m.spec.ID, callErr.Error())), nil
	}
	return checkOutput(m.spec.ID, RenderOutput{Table: out}), nil
}

func (m *legacyModule) fetch(ctx context.Context, env *callEnv, req FetchRequest) (result.FetchResult, error) {
	return result.FetchResult{}, nil
}

// checkOutput applies the same validation to in-process output that bytes
// from a module process get.
func checkOutput(module string, out RenderOutput) result.RenderResult {
	t := out.Table
	if t == nil {
		t = table.Empty()
	}
	if err := table.Check(t); err != nil {
		return result.WithErrors(append(out.Errors, invalidOutput(module, err))...)
	}
	md := table.InferMetadata(t)
	if out.Metadata != nil {
		md = *out.Metadata
	}
	vt, err := table.Reconcile(t, md)
	if err != nil {
		return result.WithErrors(append(out.Errors, invalidOutput(module, err))...)
	}
	return result.RenderResult{Table: vt.Table, Errors: out.Errors, JSON: out.JSON, Columns: vt.Metadata.Columns}
}

func writeFetchOutput(module, path string, out FetchOutput) (result.FetchResult, error) {
	if out.Table == nil || path == "" {
		return result.FetchResult{Errors: out.Errors}, nil
	}
	if err := table.Check(out.Table); err != nil {
		return result.FetchResult{Errors: append(out.Errors, invalidOutput(module, err))}, nil
	}
	if err := table.WriteFile(path, out.Table); err != nil {
		return result.FetchResult{}, &InfrastructureError{Op: "fetch", Module: module, Cause: err}
	}
	return result.FetchResult{Path: path, Errors: out.Errors}, nil
}

// panicLocation returns file:line of the frame that panicked. It must be
// called from a deferred function while the panic is in flight.
func panicLocation() string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	panicking := false
	for {
		f, more := frames.Next()
		switch {
		case f.Function == "runtime.gopanic":
			panicking = true
		case panicking && !strings.HasPrefix(f.Function, "runtime."):
			return fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		}
		if !more {
			return ""
		}
	}
}
