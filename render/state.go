package render

// State is a render pass's position in its lifecycle.
//
//	Queued -> Locking -> Planning -> Executing -> Deciding -> Done | Superseded | Failed
type State int

// Pass states.
const (
	StateQueued State = iota
	StateLocking
	StatePlanning
	StateExecuting
	StateDeciding
	StateDone
	StateSuperseded
	StateFailed
)

var stateNames = [...]string{
	StateQueued:     "Queued",
	StateLocking:    "Locking",
	StatePlanning:   "Planning",
	StateExecuting:  "Executing",
	StateDeciding:   "Deciding",
	StateDone:       "Done",
	StateSuperseded: "Superseded",
	StateFailed:     "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s ends a pass.
func (s State) Terminal() bool {
	return s == StateDone || s == StateSuperseded || s == StateFailed
}

// Outcome is how a pass ended.
type Outcome struct {
	State State
	// StateVersion is the version the pass planned against, or 0 when the
	// workflow did not exist.
	StateVersion int64
}
