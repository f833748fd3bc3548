package orchestrator

// EventType discriminates streamed events.
type EventType string

const (
	EventStart       EventType = "start"
	EventModelSwitch EventType = "model_switch"
	EventContent     EventType = "content"
	EventError       EventType = "error"
	EventEnd         EventType = "end"
)

// Event is one item of a streamed response.
type Event struct {
	Type    EventType `json:"type"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Content string    `json:"content,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Sink receives events. A Send error means the caller is gone.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })
