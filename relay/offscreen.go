package relay

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	gamepads "github.com/doingharm/gamepad-relay"
	"github.com/doingharm/gamepad-relay/mailbox"
	"github.com/doingharm/gamepad-relay/protocol"
	"github.com/doingharm/gamepad-relay/realtime"
	"github.com/doingharm/gamepad-relay/state"
)

type OffscreenConfig struct {
	Poller    gamepads.PollerConfig
	Detector  state.DetectorConfig
	Publisher []realtime.PublisherOption
}

// Offscreen is the document that keeps polling while the dashboard tab is
// hidden. It samples the capture source, runs change detection and sends
// every significant sample to the background and to the realtime channel.
// Delivery runs off the poll goroutine, so a slow background or realtime
// backend costs samples, never poll ticks.
type Offscreen struct {
	rt     *Runtime
	source gamepads.SnapshotSource
	broker realtime.Broker
	cfg    OffscreenConfig
	logger zerolog.Logger

	initMu     sync.Mutex
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	unregister func()
	poller     *gamepads.Poller
	publisher  *realtime.Publisher
	channel    realtime.Channel
	outbox     *mailbox.Mailbox[*state.NormalizedState]
	presence   *mailbox.Mailbox[bool]
	deadzone   atomic.Uint64

	// owned by the poll goroutine
	detector *state.Detector
	prev     *state.NormalizedState
}

func NewOffscreen(rt *Runtime, source gamepads.SnapshotSource, broker realtime.Broker, cfg OffscreenConfig, logger zerolog.Logger) *Offscreen {
	o := &Offscreen{
		rt:       rt,
		source:   source,
		broker:   broker,
		cfg:      cfg,
		logger:   logger,
		detector: state.NewDetector(cfg.Detector),
	}
	o.deadzone.Store(math.Float64bits(cfg.Poller.Deadzone))
	return o
}

// SetDeadzone changes the deadzone of the running poller and of any poller
// started by a later INIT_CHANNEL.
func (o *Offscreen) SetDeadzone(deadzone float64) {
	o.deadzone.Store(math.Float64bits(deadzone))

	o.mu.Lock()
	poller := o.poller
	o.mu.Unlock()
	if poller != nil {
		poller.SetDeadzone(deadzone)
	}
}

// Deadzone returns the deadzone new samples are normalized with.
func (o *Offscreen) Deadzone() float64 {
	return math.Float64frombits(o.deadzone.Load())
}

// Start registers the offscreen context. Polling begins on INIT_CHANNEL.
func (o *Offscreen) Start(ctx context.Context) error {
	unregister, err := o.rt.Register(TargetOffscreen, o.handle)
	if err != nil {
		return err
	}

	o.mu.Lock()
	ctx, o.cancel = context.WithCancel(ctx)
	o.ctx = ctx
	o.unregister = unregister
	o.outbox = mailbox.Start(func(s *state.NormalizedState) { o.deliver(ctx, s) })
	o.presence = mailbox.Start(func(connected bool) { o.announce(ctx, connected) })
	o.mu.Unlock()

	o.logger.Info().Msg("offscreen document created")
	return nil
}

// Close stops polling, drops the channel and unregisters the context, as
// when the browser reclaims the document. It is idempotent.
func (o *Offscreen) Close() {
	o.mu.Lock()
	poller, channel, cancel, unregister := o.poller, o.channel, o.cancel, o.unregister
	outbox, presence := o.outbox, o.presence
	o.poller, o.channel, o.cancel, o.unregister = nil, nil, nil, nil
	o.outbox, o.presence = nil, nil
	o.ctx = nil
	o.mu.Unlock()

	if poller != nil {
		poller.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if outbox != nil {
		outbox.Close()
		presence.Close()
	}

	o.mu.Lock()
	o.publisher = nil
	o.mu.Unlock()
	if channel != nil {
		if err := channel.Close(); err != nil {
			o.logger.Debug().Err(err).Msg("failed to close realtime channel")
		}
	}
	if unregister != nil {
		unregister()
	}
}

// ChannelID returns the realtime channel currently published to.
func (o *Offscreen) ChannelID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.channel == nil {
		return ""
	}
	return o.channel.Name()
}

// Polling reports whether the poll loop runs.
func (o *Offscreen) Polling() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.poller != nil && o.poller.Running()
}

func (o *Offscreen) handle(_ context.Context, msg protocol.Message) protocol.Response {
	switch m := msg.(type) {
	case *protocol.InitChannel:
		if err := o.initChannel(m.ChannelID); err != nil {
			o.logger.Error().Err(err).Str("channel", m.ChannelID).Msg("failed to init channel")
			return protocol.Failure(err)
		}
		return protocol.OK()
	case *protocol.Ping:
		return protocol.OK()
	default:
		return protocol.Failure(fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.MessageType()))
	}
}

// initChannel (re)subscribes to channelID and makes sure the poll loop runs.
func (o *Offscreen) initChannel(channelID string) error {
	o.initMu.Lock()
	defer o.initMu.Unlock()

	ch, err := o.broker.Channel(channelID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.ctx == nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContextInvalidated, TargetOffscreen)
	}
	old, poller := o.channel, o.poller
	o.poller = nil
	o.mu.Unlock()

	// the poll goroutine owns the detector, so it must be stopped before
	// the publisher and detector are swapped
	if poller != nil {
		poller.Stop()
	}
	if old != nil {
		if err = old.Close(); err != nil {
			o.logger.Debug().Err(err).Msg("failed to close previous channel")
		}
	}

	o.detector.Reset()
	o.prev = nil

	o.mu.Lock()
	defer o.mu.Unlock()

	o.channel = ch
	o.publisher = realtime.NewPublisher(ch, o.logger, o.cfg.Publisher...)
	pollerCfg := o.cfg.Poller
	pollerCfg.Deadzone = o.Deadzone()
	o.poller = gamepads.NewPoller(o.source, o.sample, pollerCfg, o.logger)
	o.poller.OnConnection(o.connection)
	if err = o.poller.Start(o.ctx); err != nil {
		return err
	}

	o.logger.Info().Str("channel", channelID).Msg("polling started")
	return nil
}

// sample runs on the poll goroutine and never waits on delivery.
func (o *Offscreen) sample(_ context.Context, s *state.NormalizedState) {
	res := o.detector.Detect(o.prev, s)
	o.prev = s
	if s == nil {
		o.detector.Reset()
	}
	if !res.Changed {
		return
	}

	o.mu.Lock()
	outbox := o.outbox
	o.mu.Unlock()
	if outbox != nil {
		outbox.Offer(s)
	}
}

func (o *Offscreen) deliver(ctx context.Context, s *state.NormalizedState) {
	o.rt.Notify(ctx, TargetBackground, &protocol.GamepadState{State: s})

	o.mu.Lock()
	publisher := o.publisher
	o.mu.Unlock()
	if publisher != nil {
		publisher.Publish(ctx, s)
	}
}

func (o *Offscreen) connection(connected bool) {
	o.mu.Lock()
	presence := o.presence
	o.mu.Unlock()
	if presence != nil {
		presence.Offer(connected)
	}
}

func (o *Offscreen) announce(ctx context.Context, connected bool) {
	o.rt.Notify(ctx, TargetBackground, &protocol.GamepadConnectionState{Connected: connected})
}

// Dropped counts significant samples superseded before delivery.
func (o *Offscreen) Dropped() uint64 {
	o.mu.Lock()
	outbox := o.outbox
	o.mu.Unlock()
	if outbox == nil {
		return 0
	}
	return outbox.Drops()
}
