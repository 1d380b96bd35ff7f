package emit

// NullEmitter discards all events. Useful as a default when observability
// is not wired up.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter by doing nothing.
func (*NullEmitter) Emit(Event) {}
