package protocol

import (
	"errors"

	"github.com/doingharm/gamepad-relay/state"
)

// Port protocol between a page context and the broadcast router.
const (
	TypeInit           Type = "INIT"
	TypeUpdateState    Type = "UPDATE_STATE"
	TypeCleanup        Type = "CLEANUP"
	TypeBroadcastState Type = "BROADCAST_STATE"
	TypeDebugLog       Type = "DEBUG_LOG"
)

// Init registers the sending connection.
type Init struct {
	IsPublic bool   `json:"isPublic"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

func (*Init) MessageType() Type { return TypeInit }

// UpdateState carries a state from the producing page. A null state means
// the controller went away.
type UpdateState struct {
	State *state.NormalizedState `json:"state"`
}

func (*UpdateState) MessageType() Type { return TypeUpdateState }

func (m *UpdateState) Validate() error {
	return validateState(m.State)
}

// Cleanup detaches the sending connection.
type Cleanup struct{}

func (*Cleanup) MessageType() Type { return TypeCleanup }

// BroadcastState is fanned out to every registered connection.
type BroadcastState struct {
	State         *state.NormalizedState `json:"state"`
	ButtonChanges state.ButtonChanges    `json:"buttonChanges"`
	Timestamp     int64                  `json:"timestamp"`
}

func (*BroadcastState) MessageType() Type { return TypeBroadcastState }

// DebugLog is a diagnostic line sent to connections when debug mode is on.
type DebugLog struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (*DebugLog) MessageType() Type { return TypeDebugLog }

// WorkerInbound accepts what pages may send to the router.
var WorkerInbound = newSchema("worker inbound",
	func() Message { return &Init{} },
	func() Message { return &UpdateState{} },
	func() Message { return &Cleanup{} },
)

// WorkerOutbound accepts what the router sends to pages.
var WorkerOutbound = newSchema("worker outbound",
	func() Message { return &BroadcastState{} },
	func() Message { return &DebugLog{} },
)

func validateState(s *state.NormalizedState) error {
	if s == nil {
		return nil
	}
	for _, b := range s.Buttons {
		if b.Value < 0 || b.Value > 1 {
			return errors.New("button value out of range")
		}
	}
	for _, a := range s.Axes {
		if a < -1 || a > 1 {
			return errors.New("axis value out of range")
		}
	}
	return nil
}
