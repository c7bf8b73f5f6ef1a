package emit

import (
	"sort"
	"sync"
)

// BufferedEmitter keeps every event in memory, grouped by workflow.
//
// Use cases:
//   - Tests asserting on the sequence of pass states
//   - Debugging a single worker
//
// It never drops events, so long-running workers should Clear it.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[int64][]Event
}

// HistoryFilter selects events. Empty fields match everything; set fields are
// combined with AND.
type HistoryFilter struct {
	TabSlug      string
	Msg          string
	StepID       int64
	StateVersion int64
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[int64][]Event)}
}

// Emit stores event.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// GetHistory returns a copy of the workflow's events in emission order.
func (b *BufferedEmitter) GetHistory(workflowID int64) []Event {
	return b.GetHistoryWithFilter(workflowID, HistoryFilter{})
}

// GetHistoryWithFilter returns the workflow's events matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(workflowID int64, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []Event{}
	for _, e := range b.events[workflowID] {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// States returns the sequence of pass states recorded for the workflow.
func (b *BufferedEmitter) States(workflowID int64) []string {
	var out []string
	for _, e := range b.GetHistoryWithFilter(workflowID, HistoryFilter{Msg: MsgPassState}) {
		if s, ok := e.Meta["state"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clear drops the workflow's events, or every event when workflowID is 0.
func (b *BufferedEmitter) Clear(workflowID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if workflowID == 0 {
		b.events = make(map[int64][]Event)
		return
	}
	delete(b.events, workflowID)
}

func (f HistoryFilter) matches(e Event) bool {
	if f.TabSlug != "" && e.TabSlug != f.TabSlug {
		return false
	}
	if f.Msg != "" && e.Msg != f.Msg {
		return false
	}
	if f.StepID != 0 && e.StepID != f.StepID {
		return false
	}
	if f.StateVersion != 0 && e.StateVersion != f.StateVersion {
		return false
	}
	return true
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
