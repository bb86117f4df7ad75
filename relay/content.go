package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/state"
)

// Window is the hosting page as seen by the content script.
type Window interface {
	PostMessage(data []byte) error
}

type ContentConfig struct {
	TabID         string
	Deadzone      float64
	ReadyAttempts int
	ReadyBackoff  time.Duration
}

// ContentScript forwards relayed state into the hosting page.
type ContentScript struct {
	rt     *Runtime
	kv     KV
	win    Window
	cfg    ContentConfig
	logger zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	unregister func()
	monitoring bool
	deadzone   float64
	last       *state.NormalizedState
}

func NewContentScript(rt *Runtime, kv KV, win Window, cfg ContentConfig, logger zerolog.Logger) *ContentScript {
	if cfg.ReadyAttempts <= 0 {
		cfg.ReadyAttempts = 3
	}
	if cfg.ReadyBackoff <= 0 {
		cfg.ReadyBackoff = 100 * time.Millisecond
	}
	return &ContentScript{
		rt:         rt,
		kv:         kv,
		win:        win,
		cfg:        cfg,
		logger:     logger.With().Str("tab", cfg.TabID).Logger(),
		now:        time.Now,
		monitoring: true,
		deadzone:   cfg.Deadzone,
	}
}

// SetDeadzone changes the deadzone applied to forwarded states.
func (c *ContentScript) SetDeadzone(deadzone float64) {
	c.mu.Lock()
	c.deadzone = deadzone
	c.mu.Unlock()
}

// Start registers the content script for its tab and performs the ready
// handshake with the background. A second registration for the same tab
// fails with ErrAlreadyRegistered.
func (c *ContentScript) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.unregister != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, ContentTarget(c.cfg.TabID))
	}
	unregister, err := c.rt.Register(ContentTarget(c.cfg.TabID), c.handle)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.unregister = unregister
	c.mu.Unlock()

	if v, ok, err := c.kv.Get(ctx, KeyMonitoringEnabled); err != nil {
		c.logger.Warn().Err(err).Msg("failed to load monitoring flag")
	} else if ok {
		enabled, _ := strconv.ParseBool(v)
		c.mu.Lock()
		c.monitoring = enabled
		c.mu.Unlock()
	}

	err = retry(ctx, c.cfg.ReadyAttempts, c.cfg.ReadyBackoff, func() error {
		resp, err := c.rt.Send(ctx, TargetBackground, &protocol.ContentScriptReady{TabID: c.cfg.TabID})
		if err != nil {
			c.logger.Debug().Err(err).Msg("ready handshake failed")
			return err
		}
		if !resp.Success {
			return errors.New(resp.Error)
		}
		return nil
	})
	if err != nil {
		c.Stop()
		c.post(&protocol.ExtensionError{Error: err.Error()})
		return fmt.Errorf("ready handshake: %w", err)
	}

	c.post(&protocol.ContentScriptReady{TabID: c.cfg.TabID})
	c.logger.Info().Bool("monitoring", c.Monitoring()).Msg("content script registered")
	return nil
}

// Stop unregisters the content script. It is idempotent.
func (c *ContentScript) Stop() {
	c.mu.Lock()
	unregister := c.unregister
	c.unregister = nil
	c.mu.Unlock()

	if unregister != nil {
		unregister()
	}
}

// Monitoring reports whether state is forwarded to the page.
func (c *ContentScript) Monitoring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitoring
}

// SetMonitoring persists the flag. Turning monitoring off forwards one
// final rest state (or a disconnected state when nothing was seen yet) so
// the page never keeps showing a stale pressed button.
func (c *ContentScript) SetMonitoring(ctx context.Context, enabled bool) error {
	if err := c.kv.Set(ctx, KeyMonitoringEnabled, strconv.FormatBool(enabled)); err != nil {
		return err
	}

	c.mu.Lock()
	was := c.monitoring
	c.monitoring = enabled
	last := c.last
	c.mu.Unlock()

	if was && !enabled {
		c.post(&protocol.GamepadState{State: last.Rest(c.now().UnixMilli())})
	}
	c.post(&protocol.MonitoringStateChanged{Enabled: enabled})
	return nil
}

func (c *ContentScript) handle(ctx context.Context, msg protocol.Message) protocol.Response {
	switch m := msg.(type) {
	case *protocol.GamepadState:
		if !c.Monitoring() {
			return protocol.OK()
		}
		c.mu.Lock()
		s := state.Renormalize(m.State, c.deadzone)
		c.last = s
		c.mu.Unlock()
		if err := c.post(&protocol.GamepadState{State: s}); err != nil {
			return protocol.Failure(err)
		}
		return protocol.OK()
	case *protocol.GamepadConnectionState:
		if err := c.post(m); err != nil {
			return protocol.Failure(err)
		}
		return protocol.OK()
	case *protocol.MonitoringStateChanged:
		if err := c.SetMonitoring(ctx, m.Enabled); err != nil {
			return protocol.Failure(err)
		}
		return protocol.OK()
	case *protocol.Ping:
		return protocol.OK()
	default:
		return protocol.Failure(fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.MessageType()))
	}
}

func (c *ContentScript) post(msg protocol.Message) error {
	data, err := json.Marshal(protocol.Envelope{Message: msg})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode window message")
		return err
	}
	if err = c.win.PostMessage(data); err != nil {
		c.logger.Warn().Err(err).Str("type", string(msg.MessageType())).Msg("failed to post window message")
		return err
	}
	return nil
}
