package core

// EventType identifies a turn lifecycle event.
type EventType string

const (
	EventTurnStart    EventType = "turn_start"
	EventMessageStart EventType = "message_start"
	EventTextDelta    EventType = "text_delta"
	EventMessageEnd   EventType = "message_end"
	EventTurnEnd      EventType = "turn_end"
	EventToolStart    EventType = "tool_start"
	EventToolEnd      EventType = "tool_end"
)

// Event is one turn lifecycle notification. Fields are populated per type:
// TextDelta on text_delta, Message on message_end, ToolName on tool events.
type Event struct {
	Type      EventType
	TurnID    string
	TextDelta string
	Message   Message
	ToolName  string
	Err       error
}

// EventHandler receives turn lifecycle events. Handlers are invoked
// synchronously, in registration order, once per event.
type EventHandler func(Event)
