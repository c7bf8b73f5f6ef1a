package emit

// Emitter receives render events.
//
// Implementations must be safe for concurrent use and must not block the
// render pass; a slow or failing backend drops or buffers events instead.
type Emitter interface {
	Emit(event Event)
}

// Multi fans each event out to every emitter in order.
type Multi []Emitter

// Emit forwards event to each emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
