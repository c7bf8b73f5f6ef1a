// Package kernel runs module code behind a trust boundary.
//
// Module code is untrusted: it may panic, hang, return garbage or crash its
// process. Every call goes through a Kernel, which dispatches it to a bounded
// worker pool, enforces a wall-clock timeout and converts module failures
// into result errors. Only faults on the caller's side (timeouts, sandbox
// crashes, protocol corruption) are returned as errors, as
// *InfrastructureError.
//
// A module is one of a closed set of variants chosen when it is loaded:
//
//   - builtin: an Impl compiled into the worker and called in-process
//   - legacy: a single TableFunc adapted to the four operations
//   - process: a separate executable speaking the wire protocol on stdin/stdout
package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// Kind names a module variant.
type Kind string

// Module variants.
const (
	KindBuiltin Kind = "builtin"
	KindLegacy  Kind = "legacy"
	KindProcess Kind = "process"
)

// Spec is a module's declaration, usually read from a YAML spec file.
type Spec struct {
	ID         string              `yaml:"id_name"`
	Name       string              `yaml:"name"`
	Kind       Kind                `yaml:"kind"`
	Command    []string            `yaml:"command,omitempty"`
	Env        map[string]string   `yaml:"env,omitempty"`
	LoadsData  bool                `yaml:"loads_data,omitempty"`
	Fetches    bool                `yaml:"fetches,omitempty"`
	Timeout    time.Duration       `yaml:"timeout,omitempty"`
	Parameters []params.FieldSpec  `yaml:"parameters"`

	// Schema is built from Parameters when the module is loaded.
	Schema params.DictType `yaml:"-"`
	// Path is the module spec file the module was loaded from, if any.
	Path string `yaml:"-"`
}

// TabInfo identifies the tab a step renders in.
type TabInfo struct {
	Slug string
	Name string
}

// RenderRequest is the input to a render call.
type RenderRequest struct {
	// Input is the output of the previous step, already validated.
	Input *table.Table
	// Params are cleaned against the module's schema.
	Params params.Value
	Tab    TabInfo
	// Fetch is the step's latest fetch result, or nil.
	Fetch *result.FetchResult
}

// FetchRequest is the input to a fetch call.
type FetchRequest struct {
	Params  params.Value
	Secrets map[string]string
	Prior   *result.FetchResult
	// OutputPath is where the fetched table is written.
	OutputPath string
}

// RenderInput is what module code receives on render.
type RenderInput struct {
	Table  *table.Table
	Params params.Value
	Tab    TabInfo
	Fetch  *result.FetchResult
}

// RenderOutput is what module code returns from render. A nil Metadata is
// inferred from Table.
type RenderOutput struct {
	Table    *table.Table
	Metadata *table.TableMetadata
	Errors   []result.RenderError
	JSON     json.RawMessage
}

// FetchInput is what module code receives on fetch.
type FetchInput struct {
	Params  params.Value
	Secrets map[string]string
	Prior   *result.FetchResult
}

// FetchOutput is what module code returns from fetch.
type FetchOutput struct {
	Table  *table.Table
	Errors []result.RenderError
}

// Impl is module code. Render is required; Fetch is required when the module spec
// declares fetches; a nil MigrateParams leaves params unchanged.
//
// An error returned from Render or Fetch is shown to the user as the step's
// error message.
type Impl struct {
	Render        func(ctx context.Context, in RenderInput) (RenderOutput, error)
	Fetch         func(ctx context.Context, in FetchInput) (FetchOutput, error)
	MigrateParams func(raw map[string]any) (map[string]any, error)
}

// TableFunc is the legacy single-function module convention.
type TableFunc func(t *table.Table, p params.Value) (*table.Table, error)

// Module is a loaded module. Its operations are only reachable through a
// Kernel, which owns the pool and the timeouts.
type Module interface {
	Spec() *Spec
	validate(ctx context.Context, env *callEnv) error
	migrateParams(ctx context.Context, env *callEnv, raw map[string]any) (map[string]any, error)
	render(ctx context.Context, env *callEnv, req RenderRequest) (result.RenderResult, error)
	fetch(ctx context.Context, env *callEnv, req FetchRequest) (result.FetchResult, error)
}

// callEnv is per-kernel state a variant may need during a call.
type callEnv struct {
	tempDir string
}
