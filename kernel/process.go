package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

const (
	inputFile   = "input.tftb"
	outputFile  = "output.tftb"
	fetchedFile = "fetch.tftb"
	priorFile   = "prior.tftb"

	// stderrTail is how much of a crashed process's stderr is kept.
	stderrTail = 4096

	// waitDelay bounds how long a killed process may hold its pipes open.
	waitDelay = 2 * time.Second
)

// processModule runs a module executable once per call. Each call gets its own
// temp directory holding every table the process may read or write, removed
// when the call returns.
type processModule struct {
	spec *Spec
}

// NewProcess wraps a module executable described by spec.Command.
func NewProcess(spec *Spec) Module {
	return &processModule{spec: spec}
}

func (m *processModule) Spec() *Spec { return m.spec }

func (m *processModule) validate(ctx context.Context, env *callEnv) error {
	if len(m.spec.Command) == 0 {
		return &StructuralError{Module: m.spec.ID, Reason: "process module has no command"}
	}
	var rep *reply
	err := m.withCallDir(env, "validate", func(dir string) error {
		var err error
		rep, err = m.run(ctx, dir, &request{Op: opValidate, Module: m.spec.ID, Fetches: m.spec.Fetches})
		return err
	})
	if err != nil {
		return err
	}
	if rep.Structural != "" {
		return &StructuralError{Module: m.spec.ID, Reason: rep.Structural}
	}
	return nil
}

func (m *processModule) migrateParams(ctx context.Context, env *callEnv, raw map[string]any) (map[string]any, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	var rep *reply
	err := m.withCallDir(env, "migrate_params", func(dir string) error {
		var err error
		rep, err = m.run(ctx, dir, &request{Op: opMigrate, Module: m.spec.ID, RawParams: raw})
		return err
	})
	if err != nil {
		return nil, err
	}
	switch {
	case rep.Panic != "":
		return nil, fmt.Errorf("panic: %s at %s", rep.Panic, rep.Line)
	case rep.ModuleErr != "":
		return nil, errors.New(rep.ModuleErr)
	case rep.RawParams == nil:
		return map[string]any{}, nil
	}
	return rep.RawParams, nil
}

func (m *processModule) render(ctx context.Context, env *callEnv, req RenderRequest) (result.RenderResult, error) {
	var res result.RenderResult
	err := m.withCallDir(env, "render", func(dir string) error {
		r := &request{
			Op:         opRender,
			Module:     m.spec.ID,
			Params:     req.Params,
			Tab:        req.Tab,
			InputPath:  filepath.Join(dir, inputFile),
			OutputPath: filepath.Join(dir, outputFile),
		}
		if err := table.WriteFile(r.InputPath, req.Input); err != nil {
			return err
		}
		if req.Fetch != nil {
			r.Fetch = &result.FetchResult{Errors: req.Fetch.Errors}
			if req.Fetch.Path != "" {
				r.Fetch.Path = filepath.Join(dir, fetchedFile)
				if err := copyFile(req.Fetch.Path, r.Fetch.Path); err != nil {
					return err
				}
			}
		}

		rep, err := m.run(ctx, dir, r)
		if err != nil {
			return err
		}
		switch {
		case rep.Panic != "":
			res = result.WithErrors(moduleBug(m.spec.ID, rep.Panic, rep.Line))
		case rep.ModuleErr != "":
			res = result.WithErrors(moduleError(m.spec.ID, rep.ModuleErr))
		case !rep.WroteTable:
			res = checkOutput(m.spec.ID, RenderOutput{Errors: rep.Errors, JSON: rep.JSON})
		default:
			t, err := table.ReadFile(r.OutputPath)
			if err != nil {
				res = result.WithErrors(append(rep.Errors, invalidOutput(m.spec.ID, err))...)
				return nil
			}
			res = checkOutput(m.spec.ID, RenderOutput{Table: t, Metadata: rep.Metadata, Errors: rep.Errors, JSON: rep.JSON})
		}
		return nil
	})
	return res, err
}

func (m *processModule) fetch(ctx context.Context, env *callEnv, req FetchRequest) (result.FetchResult, error) {
	var res result.FetchResult
	err := m.withCallDir(env, "fetch", func(dir string) error {
		r := &request{
			Op:         opFetch,
			Module:     m.spec.ID,
			Params:     req.Params,
			Secrets:    req.Secrets,
			OutputPath: filepath.Join(dir, outputFile),
		}
		if req.Prior != nil {
			r.Prior = &result.FetchResult{Errors: req.Prior.Errors}
			if req.Prior.Path != "" {
				r.Prior.Path = filepath.Join(dir, priorFile)
				if err := copyFile(req.Prior.Path, r.Prior.Path); err != nil {
					return err
				}
			}
		}

		rep, err := m.run(ctx, dir, r)
		if err != nil {
			return err
		}
		switch {
		case rep.Panic != "":
			res = result.FetchResult{Errors: []result.RenderError{moduleBug(m.spec.ID, rep.Panic, rep.Line)}}
			return nil
		case rep.ModuleErr != "":
			res = result.FetchResult{Errors: []result.RenderError{moduleError(m.spec.ID, rep.ModuleErr)}}
			return nil
		case !rep.WroteTable:
			res = result.FetchResult{Errors: rep.Errors}
			return nil
		}
		t, err := table.ReadFile(r.OutputPath)
		if err != nil {
			res = result.FetchResult{Errors: append(rep.Errors, invalidOutput(m.spec.ID, err))}
			return nil
		}
		res, err = writeFetchOutput(m.spec.ID, req.OutputPath, FetchOutput{Table: t, Errors: rep.Errors})
		return err
	})
	return res, err
}

// withCallDir runs fn with a fresh directory under the kernel's temp dir and
// removes the directory afterwards. Filesystem failures are infrastructure
// errors.
func (m *processModule) withCallDir(env *callEnv, op string, fn func(dir string) error) error {
	dir, err := os.MkdirTemp(env.tempDir, "call-*")
	if err != nil {
		return &InfrastructureError{Op: op, Module: m.spec.ID, Cause: err}
	}
	defer os.RemoveAll(dir)

	if err := fn(dir); err != nil {
		var ie *InfrastructureError
		if errors.As(err, &ie) {
			return err
		}
		return &InfrastructureError{Op: op, Module: m.spec.ID, Cause: err}
	}
	return nil
}

// run sends one request frame on stdin and decodes the reply from stdout.
// Tab tables referenced by the params are written into dir first.
func (m *processModule) run(ctx context.Context, dir string, req *request) (*reply, error) {
	op := opName(req.Op)
	ntabs := 0
	frame, err := encodeRequest(req, func(tab *params.TabOutput) (string, error) {
		ntabs++
		path := filepath.Join(dir, fmt.Sprintf("tab-%d.tftb", ntabs))
		return path, table.WriteFile(path, tab.Table)
	})
	if err != nil {
		return nil, &InfrastructureError{Op: op, Module: m.spec.ID, Cause: err}
	}

	cmd := exec.CommandContext(ctx, m.spec.Command[0], m.spec.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = m.environ(dir)
	cmd.Stdin = bytes.NewReader(frame)
	cmd.WaitDelay = waitDelay
	killGroupOnCancel(cmd)
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		cause := ctxErr
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			cause = ErrModuleTimeout
		}
		return nil, &InfrastructureError{Op: op, Module: m.spec.ID, Cause: cause}
	}
	if runErr != nil {
		return nil, &InfrastructureError{Op: op, Module: m.spec.ID, Cause: ErrSandboxCrashed,
			Detail: fmt.Sprintf("%v: %s", runErr, stderr.String())}
	}
	rep, err := decodeReply(stdout.Bytes(), req.Op)
	if err != nil {
		return nil, &InfrastructureError{Op: op, Module: m.spec.ID, Cause: err}
	}
	return rep, nil
}

// environ is the process environment: PATH, a private TMPDIR and whatever
// the module spec declares. The worker's own environment is not inherited.
func (m *processModule) environ(dir string) []string {
	env := []string{"PATH=" + os.Getenv("PATH"), "TMPDIR=" + dir}
	for k, v := range m.spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func opName(op byte) string {
	switch op {
	case opValidate:
		return "validate"
	case opMigrate:
		return "migrate_params"
	case opRender:
		return "render"
	case opFetch:
		return "fetch"
	}
	return fmt.Sprintf("op%d", op)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
