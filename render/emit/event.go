// Package emit delivers render observability events to pluggable backends.
package emit

// Event is one observable moment of a render pass.
//
// Events carry:
//   - pass state transitions (Msg "pass_state", Meta["state"])
//   - step start/end and cache hits
//   - lock, requeue and failure notices
type Event struct {
	// WorkflowID identifies the workflow being rendered.
	WorkflowID int64

	// StateVersion is the delta the pass renders.
	StateVersion int64

	// TabSlug is empty for workflow-level events.
	TabSlug string

	// StepID is zero for tab- and workflow-level events.
	StepID int64

	// Msg names the event, e.g. "step_end".
	Msg string

	// Meta holds event-specific data. Common keys:
	//   - "module": module slug of the step
	//   - "status": ok, error or unreachable
	//   - "duration_ms": step wall time
	//   - "error": failure detail; marks the event as an error
	Meta map[string]interface{}
}

// Event names emitted by the render scheduler, gateway and fetcher.
const (
	MsgPassState   = "pass_state"
	MsgStepStart   = "step_start"
	MsgStepEnd     = "step_end"
	MsgStepCached  = "step_cached"
	MsgLockBusy    = "lock_busy"
	MsgRequeue     = "requeue"
	MsgCorruptRead = "cache_corrupt"
	MsgFetchEnd    = "fetch_end"
)
