package emit

// Emitter receives observability events from workflow execution.
//
// Implementations must be safe for concurrent use: parallel nodes emit
// concurrently. They should never block execution for long and must not
// panic; backend failures are the emitter's problem, not the workflow's.
type Emitter interface {
	Emit(event Event)
}

// Multi fans one event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
