package emit

import (
	"github.com/dshills/tabflow/log"
)

// LogEmitter writes each event as one structured log entry.
//
// Events whose Meta carries an "error" are logged at warn level, everything
// else at debug level, except pass state changes which are logged at info.
//
// Example console output:
//
//	INFO	pass_state	{"workflow_id": 7, "state_version": 12, "state": "Executing"}
//	DEBUG	step_end	{"workflow_id": 7, "state_version": 12, "tab": "tab-1", "step_id": 3, "status": "ok"}
type LogEmitter struct {
	logger log.Logger
}

// NewLogEmitter returns an emitter logging through l, or log.Default when l
// is nil.
func NewLogEmitter(l log.Logger) *LogEmitter {
	if l == nil {
		l = log.Default
	}
	return &LogEmitter{logger: l}
}

// Emit logs event.
func (l *LogEmitter) Emit(event Event) {
	kv := make([]interface{}, 0, 8+2*len(event.Meta))
	kv = append(kv, "workflow_id", event.WorkflowID, "state_version", event.StateVersion)
	if event.TabSlug != "" {
		kv = append(kv, "tab", event.TabSlug)
	}
	if event.StepID != 0 {
		kv = append(kv, "step_id", event.StepID)
	}
	for _, k := range sortedKeys(event.Meta) {
		kv = append(kv, k, event.Meta[k])
	}

	switch {
	case event.Meta["error"] != nil:
		l.logger.Warnw(event.Msg, kv...)
	case event.Msg == MsgPassState:
		l.logger.Infow(event.Msg, kv...)
	default:
		l.logger.Debugw(event.Msg, kv...)
	}
}
