package gamepads

import "context"

// EventChannel represents an event channel that can be used to receive events from gamepads.
// Events are dropped for this channel while its buffer is full.
type EventChannel struct {
	Ctx        context.Context
	Ch         chan *Event
	CancelFunc context.CancelFunc
	filters    []FilterFunc
}

// FilterFunc is a function type used to filter events before they are sent to the event channel.
// An event is delivered only if every filter returns true.
type FilterFunc func(e *Event) bool

// OnlyConnectivity passes connect and disconnect events.
func OnlyConnectivity(e *Event) bool {
	return e.Type == ConnectEventType || e.Type == DisconnectEventType
}
