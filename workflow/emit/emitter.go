package emit

// Emitter receives lifecycle events from workflow execution.
//
// Emitters enable pluggable observability backends: logging, tracing,
// buffering for dashboards. Implementations must be safe for
// concurrent use and must never panic into the caller; the Bus
// isolates panics from handlers, but standalone emitter use does not.
//
// Emit is called synchronously after the durable state write, so slow
// backends should buffer or drop rather than block the engine.
type Emitter interface {
	Emit(event Event)
}
