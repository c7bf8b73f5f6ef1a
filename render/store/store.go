// Package store persists workflow metadata and cached render results.
//
// A Store holds the relational half of the render cache: the workflows, tabs
// and steps a render pass plans from, plus one CachedRenderResult row per
// step. Table bytes live in a blob store under BlobKey; the render/cache
// package keeps the two in step.
//
// Implementations:
//   - MemStore: in-memory, for tests and single-process setups
//   - SQLiteStore: single-file database (modernc.org/sqlite)
//   - MySQLStore: shared database for multi-worker deployments
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

var (
	// ErrNotFound is returned when a workflow, step or cached result does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStale is returned by PutCachedResult when the step no longer wants
	// the state version being written, or no longer exists.
	ErrStale = errors.New("stale state version")

	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Workflow is a snapshot of a workflow's definition.
type Workflow struct {
	ID int64 `json:"id"`
	// StateVersion increases with every edit (delta) applied to the workflow.
	StateVersion int64 `json:"state_version"`
	Tabs         []Tab `json:"tabs"`
}

// Tab is an ordered list of steps producing one table.
type Tab struct {
	Slug  string `json:"slug"`
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// Step is one module instance within a tab.
type Step struct {
	ID         int64          `json:"id"`
	Slug       string         `json:"slug"`
	ModuleSlug string         `json:"module_slug"`
	Params     map[string]any `json:"params"`

	// LastRelevantStateVersion is the state version this step's output must
	// be cached at to count as fresh.
	LastRelevantStateVersion int64 `json:"last_relevant_state_version"`

	// FetchBlobKey names the blob holding the step's latest fetched table.
	FetchBlobKey string               `json:"fetch_blob_key,omitempty"`
	FetchErrors  []result.RenderError `json:"fetch_errors,omitempty"`

	// Cached is the step's cache row as of the snapshot, or nil.
	Cached *CachedRenderResult `json:"cached,omitempty"`
}

// Fresh reports whether the step's cached row matches its current state version.
func (s *Step) Fresh() bool {
	return s.Cached != nil && s.Cached.StateVersion == s.LastRelevantStateVersion
}

// CachedRenderResult is the persisted projection of a RenderResult. The
// table bytes are in the blob store at BlobKey; zero-column results have no
// blob.
type CachedRenderResult struct {
	WorkflowID   int64                `json:"workflow_id"`
	StepID       int64                `json:"step_id"`
	StateVersion int64                `json:"state_version"`
	Status       result.Status        `json:"status"`
	Errors       []result.RenderError `json:"errors"`
	JSON         json.RawMessage      `json:"json,omitempty"`
	Metadata     table.TableMetadata  `json:"metadata"`
}

// BlobKey is where the result's table bytes live.
func (c *CachedRenderResult) BlobKey() string {
	return BlobKey(c.WorkflowID, c.StepID, c.StateVersion)
}

// HasTable reports whether the result has a blob.
func (c *CachedRenderResult) HasTable() bool {
	return len(c.Metadata.Columns) > 0
}

// BlobKey returns the deterministic blob key for (workflow, step, version).
func BlobKey(workflowID, stepID, stateVersion int64) string {
	return fmt.Sprintf("%s%d.tbl", StepBlobPrefix(workflowID, stepID), stateVersion)
}

// StepBlobPrefix is the key prefix shared by every cached blob of one step.
func StepBlobPrefix(workflowID, stepID int64) string {
	return fmt.Sprintf("wf-%d/step-%d/delta-", workflowID, stepID)
}

// FetchBlobKey returns the key of one fetched table of a step. version must
// sort in fetch order.
func FetchBlobKey(workflowID, stepID int64, version string) string {
	return fmt.Sprintf("%s%s.tbl", FetchBlobPrefix(workflowID, stepID), version)
}

// FetchBlobPrefix is the key prefix shared by every fetched table of one step.
func FetchBlobPrefix(workflowID, stepID int64) string {
	return fmt.Sprintf("wf-%d/step-%d/fetch-", workflowID, stepID)
}

// Store persists workflows and cached render results.
type Store interface {
	// CreateWorkflow stores a new workflow with caller-assigned ids.
	CreateWorkflow(ctx context.Context, wf *Workflow) error

	// LoadWorkflow returns a consistent snapshot of the workflow, including
	// each step's cache row. Returns ErrNotFound for unknown ids.
	LoadWorkflow(ctx context.Context, id int64) (*Workflow, error)

	// StateVersion returns the workflow's current state version.
	StateVersion(ctx context.Context, id int64) (int64, error)

	// ApplyDelta increments the workflow's state version and lets mutate edit
	// the snapshot, which already carries the new version. Steps removed by
	// mutate lose their cache rows. The edited workflow is returned.
	ApplyDelta(ctx context.Context, id int64, mutate func(wf *Workflow) error) (*Workflow, error)

	// PutCachedResult replaces the step's cache row, but only while the step
	// still has LastRelevantStateVersion == c.StateVersion. Otherwise it
	// returns ErrStale and writes nothing.
	PutCachedResult(ctx context.Context, c *CachedRenderResult) error

	// GetCachedResult returns the step's cache row or ErrNotFound.
	GetCachedResult(ctx context.Context, workflowID, stepID int64) (*CachedRenderResult, error)

	// DeleteCachedResult removes the step's cache row, if any.
	DeleteCachedResult(ctx context.Context, workflowID, stepID int64) error

	// Close releases the store's resources.
	Close() error
}

// Steps returns every step of the workflow in declaration order.
func (w *Workflow) Steps() []*Step {
	var out []*Step
	for ti := range w.Tabs {
		for si := range w.Tabs[ti].Steps {
			out = append(out, &w.Tabs[ti].Steps[si])
		}
	}
	return out
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id int64) *Step {
	for _, s := range w.Steps() {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Tab returns the tab with the given slug, or nil.
func (w *Workflow) Tab(slug string) *Tab {
	for i := range w.Tabs {
		if w.Tabs[i].Slug == slug {
			return &w.Tabs[i]
		}
	}
	return nil
}

// Clone returns a deep copy of w.
func (w *Workflow) Clone() *Workflow {
	raw, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("store: clone workflow: %v", err))
	}
	out := &Workflow{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("store: clone workflow: %v", err))
	}
	return out
}

func validateWorkflow(wf *Workflow) error {
	tabs := map[string]bool{}
	steps := map[int64]bool{}
	for _, t := range wf.Tabs {
		if t.Slug == "" {
			return fmt.Errorf("workflow %d: tab without slug", wf.ID)
		}
		if tabs[t.Slug] {
			return fmt.Errorf("workflow %d: duplicate tab %q", wf.ID, t.Slug)
		}
		tabs[t.Slug] = true
		for _, s := range t.Steps {
			if steps[s.ID] {
				return fmt.Errorf("workflow %d: duplicate step id %d", wf.ID, s.ID)
			}
			steps[s.ID] = true
		}
	}
	return nil
}
