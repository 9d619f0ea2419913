package domain

// EventType names an event on a batch's progress stream.
type EventType string

const (
	EventCurrent        EventType = "current"
	EventRowUpdate      EventType = "row_update"
	EventBatchActivated EventType = "batch_activated"
	EventCompleted      EventType = "completed"
)

func (t EventType) String() string { return string(t) }

// Event is one message delivered to batch subscribers.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// ActivationData is the payload of a batch_activated event.
type ActivationData struct {
	Activated bool `json:"batch_activated"`
}

func CurrentEvent(record BatchRecord) Event {
	return Event{Type: EventCurrent, Data: record}
}

func RowUpdateEvent(outcome RowOutcome) Event {
	return Event{Type: EventRowUpdate, Data: outcome}
}

func BatchActivatedEvent() Event {
	return Event{Type: EventBatchActivated, Data: ActivationData{Activated: true}}
}

func CompletedEvent(record BatchRecord) Event {
	return Event{Type: EventCompleted, Data: record}
}

// Terminal reports whether no further events follow for the current pass.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted
}
