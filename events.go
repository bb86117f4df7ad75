package gamepads

type EventType uint8

const (
	ConnectEventType EventType = iota
	DisconnectEventType
	ControlEventType
)

func (t EventType) String() string {
	switch t {
	case ConnectEventType:
		return "connect"
	case DisconnectEventType:
		return "disconnect"
	case ControlEventType:
		return "control"
	default:
		return "unknown"
	}
}

// Event is emitted on every connect, disconnect and control change.
// Data holds a Gamepad for connect events and a ControlEvent for control
// events.
type Event struct {
	Type EventType
	ID   string
	Data any
}

type ControlType uint8

const (
	Button ControlType = 0x01
	Axes   ControlType = 0x02
	// InitialState is or-ed into the type of the synthetic events the kernel
	// sends right after open to describe the current device state.
	InitialState ControlType = 0x80
)

// Kind strips the InitialState flag.
func (t ControlType) Kind() ControlType {
	return t &^ InitialState
}

type ControlEvent struct {
	Timestamp uint32
	Type      ControlType
	Index     int
	Value     int16
}
