package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type stepKey struct {
	workflow int64
	step     int64
}

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process render workers
//
// MemStore is thread-safe. Every value crossing its API is deep-copied, so
// callers may mutate what they get back.
type MemStore struct {
	mu        sync.RWMutex
	workflows map[int64]*Workflow
	cached    map[stepKey]*CachedRenderResult
	closed    bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[int64]*Workflow),
		cached:    make(map[stepKey]*CachedRenderResult),
	}
}

// CreateWorkflow stores a copy of wf. Cached fields on its steps are ignored.
func (m *MemStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	if err := validateWorkflow(wf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.workflows[wf.ID]; ok {
		return fmt.Errorf("workflow %d already exists", wf.ID)
	}
	m.workflows[wf.ID] = stripCached(wf.Clone())
	return nil
}

// LoadWorkflow returns a snapshot of the workflow with cache rows attached.
func (m *MemStore) LoadWorkflow(_ context.Context, id int64) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := wf.Clone()
	for _, s := range out.Steps() {
		if c, ok := m.cached[stepKey{id, s.ID}]; ok {
			s.Cached = cloneCached(c)
		}
	}
	return out, nil
}

// StateVersion returns the workflow's current state version.
func (m *MemStore) StateVersion(_ context.Context, id int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	wf, ok := m.workflows[id]
	if !ok {
		return 0, ErrNotFound
	}
	return wf.StateVersion, nil
}

// ApplyDelta bumps the state version and applies mutate atomically.
func (m *MemStore) ApplyDelta(_ context.Context, id int64, mutate func(*Workflow) error) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	cur, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	next.StateVersion++
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	if err := validateWorkflow(next); err != nil {
		return nil, err
	}
	stripCached(next)

	kept := map[int64]bool{}
	for _, s := range next.Steps() {
		kept[s.ID] = true
	}
	for k := range m.cached {
		if k.workflow == id && !kept[k.step] {
			delete(m.cached, k)
		}
	}
	m.workflows[id] = next
	return next.Clone(), nil
}

// PutCachedResult replaces the step's cache row if the step still wants it.
func (m *MemStore) PutCachedResult(_ context.Context, c *CachedRenderResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	wf, ok := m.workflows[c.WorkflowID]
	if !ok {
		return ErrStale
	}
	s := wf.Step(c.StepID)
	if s == nil || s.LastRelevantStateVersion != c.StateVersion {
		return ErrStale
	}
	m.cached[stepKey{c.WorkflowID, c.StepID}] = cloneCached(c)
	return nil
}

// GetCachedResult returns the step's cache row.
func (m *MemStore) GetCachedResult(_ context.Context, workflowID, stepID int64) (*CachedRenderResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.cached[stepKey{workflowID, stepID}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCached(c), nil
}

// DeleteCachedResult removes the step's cache row.
func (m *MemStore) DeleteCachedResult(_ context.Context, workflowID, stepID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.cached, stepKey{workflowID, stepID})
	return nil
}

// Close marks the store closed. Further calls return ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func stripCached(wf *Workflow) *Workflow {
	for _, s := range wf.Steps() {
		s.Cached = nil
	}
	return wf
}

func cloneCached(c *CachedRenderResult) *CachedRenderResult {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("store: clone cached result: %v", err))
	}
	out := &CachedRenderResult{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("store: clone cached result: %v", err))
	}
	return out
}
