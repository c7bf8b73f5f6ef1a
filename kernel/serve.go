package kernel

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dshills/tabflow/table"
)

// Serve is the main loop of a process module: it answers the single request
// frame on stdin and returns the exit code. Module binaries end main with
// os.Exit(kernel.Serve(impl)).
//
// Example:
//
//	func main() {
//		os.Exit(kernel.Serve(kernel.Impl{Render: render}))
//	}
func Serve(impl Impl) int {
	if err := ServeIO(context.Background(), impl, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// ServeIO answers one request read from r, writing the reply to w. Module
// failures go in the reply; only I/O and protocol faults are returned.
func ServeIO(ctx context.Context, impl Impl, r io.Reader, w io.Writer) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	req, err := decodeRequest(raw, table.ReadFile)
	if err != nil {
		return err
	}

	rep := &reply{}
	switch req.Op {
	case opValidate:
		switch {
		case impl.Render == nil:
			rep.Structural = "missing render function"
		case req.Fetches && impl.Fetch == nil:
			rep.Structural = "spec declares fetches but there is no fetch function"
		}
	case opMigrate:
		serveMigrate(impl, req, rep)
	case opRender:
		if err := serveRender(ctx, impl, req, rep); err != nil {
			return err
		}
	case opFetch:
		if err := serveFetch(ctx, impl, req, rep); err != nil {
			return err
		}
	}

	frame, err := encodeReply(req.Op, rep)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

// recoverInto records a panic in rep. It must be deferred directly.
func recoverInto(rep *reply) {
	if r := recover(); r != nil {
		rep.Panic = fmt.Sprint(r)
		rep.Line = panicLocation()
	}
}

func serveMigrate(impl Impl, req *request, rep *reply) {
	if impl.MigrateParams == nil {
		rep.RawParams = req.RawParams
		return
	}
	defer recoverInto(rep)
	out, err := impl.MigrateParams(req.RawParams)
	if err != nil {
		rep.ModuleErr = err.Error()
		return
	}
	rep.RawParams = out
	if rep.RawParams == nil {
		rep.RawParams = map[string]any{}
	}
}

func serveRender(ctx context.Context, impl Impl, req *request, rep *reply) error {
	in := table.Empty()
	if req.InputPath != "" {
		t, err := table.ReadFile(req.InputPath)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		in = t
	}

	out, ok := callRender(ctx, impl, RenderInput{Table: in, Params: req.Params, Tab: req.Tab, Fetch: req.Fetch}, rep)
	if !ok {
		return nil
	}
	rep.Metadata = out.Metadata
	rep.Errors = out.Errors
	rep.JSON = out.JSON
	if out.Table != nil {
		if err := table.WriteFile(req.OutputPath, out.Table); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		rep.WroteTable = true
	}
	return nil
}

func callRender(ctx context.Context, impl Impl, in RenderInput, rep *reply) (out RenderOutput, ok bool) {
	defer recoverInto(rep)
	out, err := impl.Render(ctx, in)
	if err != nil {
		rep.ModuleErr = err.Error()
		return RenderOutput{}, false
	}
	return out, true
}

func serveFetch(ctx context.Context, impl Impl, req *request, rep *reply) error {
	if impl.Fetch == nil {
		return nil
	}
	out, ok := callFetch(ctx, impl, FetchInput{Params: req.Params, Secrets: req.Secrets, Prior: req.Prior}, rep)
	if !ok {
		return nil
	}
	rep.Errors = out.Errors
	if out.Table != nil {
		if err := table.WriteFile(req.OutputPath, out.Table); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		rep.WroteTable = true
	}
	return nil
}

func callFetch(ctx context.Context, impl Impl, in FetchInput, rep *reply) (out FetchOutput, ok bool) {
	defer recoverInto(rep)
	out, err := impl.Fetch(ctx, in)
	if err != nil {
		rep.ModuleErr = err.Error()
		return FetchOutput{}, false
	}
	return out, true
}
