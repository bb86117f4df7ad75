// Package realtime publishes gamepad state onto named pub/sub channels
// consumed by public overlay views.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/state"
)

// EventGamepadState is the broadcast event carrying state payloads.
const EventGamepadState = "gamepadState"

var (
	ErrInvalidChannel = errors.New("invalid channel name")
	ErrClosed         = errors.New("channel closed")
)

// Channel is one named pub/sub channel.
type Channel interface {
	Name() string
	Send(ctx context.Context, event string, payload any) error
	On(event string, handler func(payload []byte)) (unsubscribe func(), err error)
	Close() error
}

// Broker hands out channels and reports transport health.
type Broker interface {
	Channel(name string) (Channel, error)
	Ping(ctx context.Context) error
}

// Payload is the wire body of a gamepadState event.
type Payload struct {
	GamepadState *state.NormalizedState `json:"gamepadState"`
}

func validateChannelName(name string) error {
	if !strings.HasPrefix(name, protocol.ChannelPrefix) || len(name) == len(protocol.ChannelPrefix) {
		return ErrInvalidChannel
	}
	if strings.ContainsAny(name, " \t\r\n.*>") {
		return ErrInvalidChannel
	}
	return nil
}

// Subscribe decodes every gamepadState event on ch and hands it to fn.
// Undecodable payloads are passed to onError when it is non-nil.
func Subscribe(ch Channel, fn func(*state.NormalizedState), onError func(error)) (func(), error) {
	return ch.On(EventGamepadState, func(data []byte) {
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		fn(p.GamepadState)
	})
}
