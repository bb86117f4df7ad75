package protocol

import (
	"encoding/json"
	"fmt"
)

// EnvelopeSource tags every window message posted by the extension.
const EnvelopeSource = "GAMEPAD_EXTENSION"

// Page accepts the variants the hosting page understands.
var Page = newSchema("page envelope",
	func() Message { return &GamepadState{} },
	func() Message { return &GamepadConnectionState{} },
	func() Message { return &MonitoringStateChanged{} },
	func() Message { return &ExtensionError{} },
	func() Message { return &ContentScriptReady{} },
)

// Envelope is a page-visible window message.
type Envelope struct {
	Message Message
}

// MarshalJSON flattens the message next to the source and type tags.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Message == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformed)
	}
	return encodeWith(e.Message, map[string]any{"source": EnvelopeSource})
}

// OpenEnvelope decodes a window message. Messages without the extension
// source tag return ErrForeign and must be ignored.
func OpenEnvelope(data []byte) (Message, error) {
	var head struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Source != EnvelopeSource {
		return nil, ErrForeign
	}
	return Page.Decode(data)
}
