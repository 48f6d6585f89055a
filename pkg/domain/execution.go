package domain

// ExecutionContext describes why an event is being folded. When an event is
// folded on behalf of another event (for example a routed or substituted event),
// ParentEvent points at the originating event.
type ExecutionContext struct {
	ParentEvent *Event
	Metadata    map[string]string
}

// NewExecutionContext returns a context whose parent is the given event.
func NewExecutionContext(parent *Event) *ExecutionContext {
	return &ExecutionContext{ParentEvent: parent}
}
