package protocol

import (
	"errors"
	"strings"

	"github.com/doingharm/gamepad-relay/state"
)

// Extension inter-context protocol.
const (
	TypeGamepadState           Type = "GAMEPAD_STATE"
	TypeGamepadConnectionState Type = "GAMEPAD_CONNECTION_STATE"
	TypeConsole                Type = "CONSOLE"
	TypeContentScriptReady     Type = "CONTENT_SCRIPT_READY"
	TypeMonitoringStateChanged Type = "MONITORING_STATE_CHANGED"
	TypeInitChannel            Type = "INIT_CHANNEL"
	TypeSetupGamepadChannel    Type = "SETUP_GAMEPAD_CHANNEL"
	TypeGetExtensionID         Type = "GET_EXTENSION_ID"
	TypePing                   Type = "PING"
	TypeExtensionError         Type = "EXTENSION_ERROR"
)

// ChannelPrefix starts every realtime channel name.
const ChannelPrefix = "gamepad:"

// GamepadState carries one significant sample. A null state means no
// controller is connected.
type GamepadState struct {
	State *state.NormalizedState `json:"state"`
}

func (*GamepadState) MessageType() Type { return TypeGamepadState }

func (m *GamepadState) Validate() error {
	return validateState(m.State)
}

// GamepadConnectionState reports a device connect or disconnect.
type GamepadConnectionState struct {
	Connected bool   `json:"connected"`
	ID        string `json:"id,omitempty"`
}

func (*GamepadConnectionState) MessageType() Type { return TypeGamepadConnectionState }

// Console forwards a log line from another context to the background.
type Console struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (*Console) MessageType() Type { return TypeConsole }

func (m *Console) Validate() error {
	if m.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// ContentScriptReady announces a content script to the background.
type ContentScriptReady struct {
	TabID string `json:"tabId"`
}

func (*ContentScriptReady) MessageType() Type { return TypeContentScriptReady }

func (m *ContentScriptReady) Validate() error {
	if m.TabID == "" {
		return errors.New("tabId is required")
	}
	return nil
}

// MonitoringStateChanged toggles forwarding in the content script.
type MonitoringStateChanged struct {
	Enabled bool `json:"enabled"`
}

func (*MonitoringStateChanged) MessageType() Type { return TypeMonitoringStateChanged }

// InitChannel points the offscreen document at a realtime channel.
type InitChannel struct {
	ChannelID string `json:"channelId"`
}

func (*InitChannel) MessageType() Type { return TypeInitChannel }

func (m *InitChannel) Validate() error {
	if !strings.HasPrefix(m.ChannelID, ChannelPrefix) || len(m.ChannelID) == len(ChannelPrefix) {
		return errors.New("channelId must start with " + ChannelPrefix)
	}
	return nil
}

// SetupGamepadChannel asks the background to mint a channel for username.
type SetupGamepadChannel struct {
	Username string `json:"username"`
}

func (*SetupGamepadChannel) MessageType() Type { return TypeSetupGamepadChannel }

func (m *SetupGamepadChannel) Validate() error {
	return ValidateUsername(m.Username)
}

// GetExtensionID queries the extension's id.
type GetExtensionID struct{}

func (*GetExtensionID) MessageType() Type { return TypeGetExtensionID }

// Ping is a liveness probe.
type Ping struct{}

func (*Ping) MessageType() Type { return TypePing }

// ExtensionError surfaces an extension failure to the page.
type ExtensionError struct {
	Error string `json:"error"`
}

func (*ExtensionError) MessageType() Type { return TypeExtensionError }

// Internal accepts messages exchanged between background, offscreen and
// content script contexts.
var Internal = newSchema("extension internal",
	func() Message { return &GamepadState{} },
	func() Message { return &GamepadConnectionState{} },
	func() Message { return &Console{} },
	func() Message { return &ContentScriptReady{} },
	func() Message { return &MonitoringStateChanged{} },
	func() Message { return &InitChannel{} },
	func() Message { return &Ping{} },
)

// External accepts messages invoked from web pages.
var External = newSchema("extension external",
	func() Message { return &SetupGamepadChannel{} },
	func() Message { return &GetExtensionID{} },
	func() Message { return &Ping{} },
)

// ValidateUsername checks that a username can be embedded in a channel name.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username is required")
	}
	if strings.ContainsAny(username, " \t\r\n.*>:") {
		return errors.New("username contains reserved characters")
	}
	return nil
}

// ChannelName is the direct per-user channel name.
func ChannelName(username string) string {
	return ChannelPrefix + username
}

// Response is returned by every handler.
type Response struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	ExtensionID string `json:"extensionId,omitempty"`
}

// UnknownMessageType is the error text for unrecognized types.
const UnknownMessageType = "Unknown message type"

// OK is a bare success response.
func OK() Response {
	return Response{Success: true}
}

// Failure converts err into a failed response.
func Failure(err error) Response {
	if errors.Is(err, ErrUnknownType) {
		return Response{Error: UnknownMessageType}
	}
	return Response{Error: err.Error()}
}
