package event

// Record is a thin envelope wrapping one Event. It exists for source
// compatibility and carries no state of its own; a record is owned by exactly
// one component at a time along a pipeline edge.
type Record struct {
	event *Event
}

func NewRecord(e *Event) *Record {
	return &Record{event: e}
}

func (r *Record) Event() *Event {
	return r.event
}
