package gamepads

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/doingharm/gamepad-relay/state"
)

// gateSlack absorbs timer jitter so a frame clock running at the poll rate
// does not skip every other frame.
const gateSlack = time.Millisecond

// SnapshotSource produces the raw state of the active device, or nil when
// no device is connected. Implementations must not block.
type SnapshotSource interface {
	Snapshot() *state.RawSnapshot
}

// StateSink receives every normalized sample. A nil state means the device
// went away; it is delivered once per disconnect.
type StateSink func(ctx context.Context, s *state.NormalizedState)

// ConnectionSink is told about device presence transitions.
type ConnectionSink func(connected bool)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// FrameInterval is the period of the frame clock.
	FrameInterval time.Duration
	// MinInterval gates samples: frames arriving sooner than this after the
	// previous sample are skipped.
	MinInterval time.Duration
	Deadzone    float64
}

// Poller samples a SnapshotSource on a frame clock, normalizes each sample
// and hands it to a StateSink. Missed frames are skipped, never replayed.
type Poller struct {
	source       SnapshotSource
	sink         StateSink
	onConnection ConnectionSink
	logger       zerolog.Logger
	frame        time.Duration
	minInterval  time.Duration
	deadzone     atomic.Uint64
	epoch        time.Time

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}

	// owned by the poll goroutine
	lastSample time.Time
	connected  bool
}

// NewPoller returns a stopped Poller.
func NewPoller(source SnapshotSource, sink StateSink, cfg PollerConfig, logger zerolog.Logger) *Poller {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = time.Second / 120
	}
	p := &Poller{
		source:      source,
		sink:        sink,
		logger:      logger,
		frame:       cfg.FrameInterval,
		minInterval: cfg.MinInterval,
		epoch:       time.Now(),
	}
	p.SetDeadzone(cfg.Deadzone)
	return p
}

// OnConnection registers a presence callback. Call before Start.
func (p *Poller) OnConnection(fn ConnectionSink) {
	p.onConnection = fn
}

// SetDeadzone changes the deadzone applied to subsequent samples.
func (p *Poller) SetDeadzone(deadzone float64) {
	p.deadzone.Store(math.Float64bits(deadzone))
}

// Deadzone returns the active deadzone.
func (p *Poller) Deadzone() float64 {
	return math.Float64frombits(p.deadzone.Load())
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) error {
	if p.source == nil {
		return errors.New(ErrPollerNoSource)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancelFunc != nil {
		return errors.New(ErrPollerRunning)
	}

	ctx, p.cancelFunc = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.run(ctx, p.done)
	return nil
}

// Stop cancels the poll loop and waits for it to exit. Stopping a stopped
// Poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancelFunc, p.done
	p.cancelFunc, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelFunc != nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.frame)
	defer ticker.Stop()

	p.logger.Debug().Dur("frame", p.frame).Dur("min_interval", p.minInterval).Msg("poller started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().Msg("poller stopped")
			return
		case now := <-ticker.C:
			p.Tick(ctx, now)
		}
	}
}

// Tick takes one sample at now unless the minimum-interval gate rejects it.
// It reports whether a sample was taken.
func (p *Poller) Tick(ctx context.Context, now time.Time) bool {
	if !p.lastSample.IsZero() && now.Sub(p.lastSample) < p.minInterval-gateSlack {
		return false
	}
	p.lastSample = now

	raw := p.source.Snapshot()
	if raw == nil {
		if p.connected {
			p.connected = false
			p.notify(false)
			// suppress stale state: consumers see "no controller" exactly once
			p.sink(ctx, nil)
		}
		return true
	}

	if !p.connected {
		p.connected = true
		p.notify(true)
	}

	raw.Timestamp = p.timestamp(now)
	p.sink(ctx, state.Normalize(raw, p.Deadzone()))
	return true
}

func (p *Poller) notify(connected bool) {
	p.logger.Info().Bool("connected", connected).Msg("gamepad presence changed")
	if p.onConnection != nil {
		p.onConnection(connected)
	}
}

// timestamp is wall-anchored milliseconds that advance with the monotonic clock.
func (p *Poller) timestamp(now time.Time) int64 {
	return p.epoch.UnixMilli() + now.Sub(p.epoch).Milliseconds()
}
