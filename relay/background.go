package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/doingharm/gamepad-relay/protocol"
)

// Extension-local storage keys.
const (
	KeyChannelID         = "channelId"
	KeyMonitoringEnabled = "monitoringEnabled"
)

// KV is extension-local persistent storage.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// OffscreenFactory creates the offscreen document. It must register
// TargetOffscreen on the runtime before returning.
type OffscreenFactory func(ctx context.Context) error

type BackgroundConfig struct {
	ExtensionID      string
	AllowedOrigins   []string
	WatchdogInterval time.Duration
}

// Background is the extension service worker. It owns the channel id,
// keeps the offscreen document alive and relays gamepad state to the
// runtime listeners and the active tab.
type Background struct {
	rt              *Runtime
	kv              KV
	createOffscreen OffscreenFactory
	cfg             BackgroundConfig
	allowed         protocol.Origins
	logger          zerolog.Logger

	mu         sync.Mutex
	channelID  string
	tabs       map[string]struct{}
	activeTab  string
	unregister func()
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewBackground(rt *Runtime, kv KV, createOffscreen OffscreenFactory, cfg BackgroundConfig, logger zerolog.Logger) *Background {
	return &Background{
		rt:              rt,
		kv:              kv,
		createOffscreen: createOffscreen,
		cfg:             cfg,
		allowed:         protocol.NewOrigins(cfg.AllowedOrigins),
		logger:          logger,
		tabs:            make(map[string]struct{}),
	}
}

// Start registers the background context, restores the persisted channel,
// makes sure the offscreen document exists and starts the watchdog.
func (b *Background) Start(ctx context.Context) error {
	unregister, err := b.rt.Register(TargetBackground, b.handle)
	if err != nil {
		return err
	}

	channelID, ok, err := b.kv.Get(ctx, KeyChannelID)
	if err != nil {
		unregister()
		return fmt.Errorf("failed to load channel id: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if ok {
		b.channelID = channelID
	}
	b.unregister = unregister
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	if err = b.ensureOffscreen(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("failed to create offscreen document, watchdog will retry")
	} else {
		b.initChannel(ctx)
	}

	go b.watchdog(ctx, done)
	return nil
}

// Stop halts the watchdog and unregisters the background context.
func (b *Background) Stop() {
	b.mu.Lock()
	cancel, done, unregister := b.cancel, b.done, b.unregister
	b.cancel, b.done, b.unregister = nil, nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	unregister()
}

// ChannelID returns the current channel id, or "" before setup.
func (b *Background) ChannelID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelID
}

// Tabs lists the tabs with a registered content script.
func (b *Background) Tabs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tabs := make([]string, 0, len(b.tabs))
	for t := range b.tabs {
		tabs = append(tabs, t)
	}
	return tabs
}

// SetActiveTab selects the tab that receives forwarded state.
func (b *Background) SetActiveTab(tabID string) {
	b.mu.Lock()
	b.activeTab = tabID
	b.mu.Unlock()
}

func (b *Background) watchdog(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.rt.Alive(TargetOffscreen) {
				continue
			}
			b.logger.Warn().Msg("offscreen document missing, recreating")
			if err := b.ensureOffscreen(ctx); err != nil {
				b.logger.Error().Err(err).Msg("failed to recreate offscreen document")
				continue
			}
			b.initChannel(ctx)
		}
	}
}

func (b *Background) ensureOffscreen(ctx context.Context) error {
	if b.rt.Alive(TargetOffscreen) {
		return nil
	}
	if err := b.createOffscreen(ctx); err != nil {
		return err
	}
	if !b.rt.Alive(TargetOffscreen) {
		return fmt.Errorf("%w: %s", ErrContextInvalidated, TargetOffscreen)
	}
	return nil
}

// initChannel re-sends the persisted channel id to the offscreen document.
func (b *Background) initChannel(ctx context.Context) {
	channelID := b.ChannelID()
	if channelID == "" {
		b.logger.Debug().Msg("no channel configured yet")
		return
	}
	b.rt.Notify(ctx, TargetOffscreen, &protocol.InitChannel{ChannelID: channelID})
}

func (b *Background) handle(ctx context.Context, msg protocol.Message) protocol.Response {
	switch m := msg.(type) {
	case *protocol.GamepadState:
		b.rt.Broadcast(m)
		b.forward(ctx, m)
		return protocol.OK()
	case *protocol.GamepadConnectionState:
		b.rt.Broadcast(m)
		b.forward(ctx, m)
		return protocol.OK()
	case *protocol.MonitoringStateChanged:
		b.forward(ctx, m)
		return protocol.OK()
	case *protocol.ContentScriptReady:
		b.mu.Lock()
		b.tabs[m.TabID] = struct{}{}
		b.activeTab = m.TabID
		b.mu.Unlock()
		b.logger.Info().Str("tab", m.TabID).Msg("content script ready")
		return protocol.OK()
	case *protocol.Console:
		b.console(m)
		return protocol.OK()
	case *protocol.Ping:
		return protocol.OK()
	default:
		return protocol.Failure(fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.MessageType()))
	}
}

func (b *Background) console(m *protocol.Console) {
	level, err := zerolog.ParseLevel(strings.ToLower(m.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	b.logger.WithLevel(level).Str("source", "extension").Msg(m.Message)
}

// forward sends msg to the active tab's content script. A tab whose content
// script is gone is forgotten.
func (b *Background) forward(ctx context.Context, msg protocol.Message) {
	b.mu.Lock()
	tab := b.activeTab
	b.mu.Unlock()
	if tab == "" {
		return
	}

	_, err := b.rt.Send(ctx, ContentTarget(tab), msg)
	if err == nil {
		return
	}

	b.logger.Debug().Err(err).Str("tab", tab).Msg("failed to forward to content script")
	if errors.Is(err, ErrContextInvalidated) {
		b.mu.Lock()
		delete(b.tabs, tab)
		if b.activeTab == tab {
			b.activeTab = ""
		}
		b.mu.Unlock()
	}
}

// HandleExternal processes a message sent by a web page. Callers outside
// the origin allow-list are rejected before the message is decoded.
func (b *Background) HandleExternal(ctx context.Context, origin string, data []byte) protocol.Response {
	if !b.allowed.Allows(origin) {
		b.logger.Warn().Str("origin", origin).Msg("rejected external message")
		return protocol.Failure(ErrUnauthorizedSender)
	}

	msg, err := protocol.External.Decode(data)
	if err != nil {
		return protocol.Failure(err)
	}

	switch m := msg.(type) {
	case *protocol.SetupGamepadChannel:
		return b.setupChannel(ctx, m.Username)
	case *protocol.GetExtensionID:
		return protocol.Response{Success: true, ExtensionID: b.cfg.ExtensionID}
	case *protocol.Ping:
		return protocol.OK()
	default:
		return protocol.Failure(fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.MessageType()))
	}
}

// HandleExternalMessage is HandleExternal for an already-built message.
func (b *Background) HandleExternalMessage(ctx context.Context, origin string, msg protocol.Message) protocol.Response {
	data, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Failure(err)
	}
	return b.HandleExternal(ctx, origin, data)
}

func (b *Background) setupChannel(ctx context.Context, username string) protocol.Response {
	channelID := NewChannelID(username)

	if err := b.kv.Set(ctx, KeyChannelID, channelID); err != nil {
		b.logger.Error().Err(err).Msg("failed to persist channel id")
		return protocol.Failure(err)
	}

	b.mu.Lock()
	b.channelID = channelID
	b.mu.Unlock()

	b.logger.Info().Str("channel", channelID).Msg("gamepad channel set up")

	if err := b.ensureOffscreen(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("offscreen document unavailable, watchdog will retry")
	} else {
		b.initChannel(ctx)
	}

	return protocol.Response{Success: true, ChannelID: channelID}
}

// NewChannelID mints a channel id of the form gamepad:<username>:<uuid>.
func NewChannelID(username string) string {
	return protocol.ChannelName(username) + ":" + uuid.NewString()
}
