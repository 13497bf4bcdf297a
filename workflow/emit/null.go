package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it to disable a backend without changing wiring, or in tests
// that don't assert on events.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter. Safe for concurrent use, zero
// overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
