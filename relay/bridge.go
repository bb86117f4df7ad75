package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/state"
)

// StateConsumer takes gamepad states posted by the extension. The router
// satisfies it.
type StateConsumer interface {
	UpdateState(ctx context.Context, s *state.NormalizedState) bool
}

// PageBridge is the dashboard page's side of the window channel. It accepts
// only envelopes tagged by the extension and feeds relayed state into a
// StateConsumer.
type PageBridge struct {
	consumer StateConsumer
	logger   zerolog.Logger

	mu         sync.Mutex
	ready      bool
	connected  bool
	monitoring bool
	lastError  string
}

func NewPageBridge(consumer StateConsumer, logger zerolog.Logger) *PageBridge {
	return &PageBridge{consumer: consumer, logger: logger, monitoring: true}
}

// PostMessage implements Window. Foreign messages are ignored.
func (p *PageBridge) PostMessage(data []byte) error {
	msg, err := protocol.OpenEnvelope(data)
	if errors.Is(err, protocol.ErrForeign) {
		return nil
	}
	if err != nil {
		p.logger.Warn().Err(err).Msg("dropping malformed extension message")
		return err
	}

	switch m := msg.(type) {
	case *protocol.GamepadState:
		p.consumer.UpdateState(context.Background(), m.State)
	case *protocol.GamepadConnectionState:
		p.mu.Lock()
		p.connected = m.Connected
		p.mu.Unlock()
		p.logger.Info().Bool("connected", m.Connected).Msg("extension gamepad presence changed")
	case *protocol.MonitoringStateChanged:
		p.mu.Lock()
		p.monitoring = m.Enabled
		p.mu.Unlock()
	case *protocol.ContentScriptReady:
		p.mu.Lock()
		p.ready = true
		p.mu.Unlock()
	case *protocol.ExtensionError:
		p.mu.Lock()
		p.lastError = m.Error
		p.mu.Unlock()
		p.logger.Warn().Str("error", m.Error).Msg("extension reported an error")
	}
	return nil
}

// BridgeStatus is what the page knows about the extension.
type BridgeStatus struct {
	Ready      bool   `json:"ready"`
	Connected  bool   `json:"connected"`
	Monitoring bool   `json:"monitoring"`
	LastError  string `json:"lastError,omitempty"`
}

func (p *PageBridge) Status() BridgeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return BridgeStatus{
		Ready:      p.ready,
		Connected:  p.connected,
		Monitoring: p.monitoring,
		LastError:  p.lastError,
	}
}
