package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/doingharm/gamepad-relay/state"
)

// Availability caches the result of a broker ping. Pings run on their own
// goroutine with their own timeout, at most once per cooldown, so callers
// on the poll path never wait on an unreachable backend.
type Availability struct {
	ping     func(ctx context.Context) error
	timeout  time.Duration
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	checked   bool
	available bool
	pinging   bool
	wg        sync.WaitGroup
}

// NewAvailability wraps ping (typically Broker.Ping).
func NewAvailability(ping func(ctx context.Context) error, timeout, cooldown time.Duration) *Availability {
	return &Availability{
		ping:     ping,
		timeout:  timeout,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Available returns the cached verdict without blocking. Once the cooldown
// has expired a background ping is started and the stale verdict is
// returned until it finishes. Before the first ping completes the backend
// is assumed up; a failed send invalidates that assumption.
func (a *Availability) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.checked || a.now().Sub(a.checkedAt) >= a.cooldown {
		a.refreshLocked()
	}
	if !a.checked {
		return true
	}
	return a.available
}

func (a *Availability) refreshLocked() {
	if a.pinging {
		return
	}
	a.pinging = true
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Check(context.Background())
		a.mu.Lock()
		a.pinging = false
		a.mu.Unlock()
	}()
}

// Check pings synchronously, bounded by the timeout, and records the
// verdict.
func (a *Availability) Check(ctx context.Context) bool {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	ok := a.ping(ctx) == nil

	a.mu.Lock()
	a.available = ok
	a.checked = true
	a.checkedAt = a.now()
	a.mu.Unlock()
	return ok
}

// Invalidate marks the backend down and schedules a fresh ping on the next
// Available call.
func (a *Availability) Invalidate() {
	a.mu.Lock()
	a.available = false
	a.checked = true
	a.checkedAt = time.Time{}
	a.mu.Unlock()
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithSendTimeout bounds every send. Zero disables the bound.
func WithSendTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.sendTimeout = d }
}

// WithAvailability skips sends while the backend is known to be down.
func WithAvailability(a *Availability) PublisherOption {
	return func(p *Publisher) { p.availability = a }
}

// WithDeadzone sets the deadzone used to classify idle payloads.
func WithDeadzone(deadzone float64) PublisherOption {
	return func(p *Publisher) { p.deadzone = deadzone }
}

// Publisher sends NormalizedState onto one channel, fire-and-forget.
// Failures are logged and dropped; the next tick is the next attempt.
type Publisher struct {
	ch           Channel
	logger       zerolog.Logger
	sendTimeout  time.Duration
	deadzone     float64
	availability *Availability

	mu      sync.Mutex
	lastKey string
	hasLast bool
}

// NewPublisher returns a Publisher for ch.
func NewPublisher(ch Channel, logger zerolog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:       ch,
		logger:   logger.With().Str("channel", ch.Name()).Logger(),
		deadzone: state.DefaultDeadzone,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Channel returns the channel being published to.
func (p *Publisher) Channel() Channel {
	return p.ch
}

// Publish sends s as a gamepadState event and reports whether a send was
// attempted and succeeded. An idle payload identical to the previous one is
// skipped.
func (p *Publisher) Publish(ctx context.Context, s *state.NormalizedState) bool {
	key := dedupeKey(s)

	p.mu.Lock()
	if p.hasLast && key == p.lastKey && !s.Active(p.deadzone) {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	if p.availability != nil && !p.availability.Available() {
		p.logger.Debug().Msg("realtime backend unavailable, dropping state")
		return false
	}

	sendCtx := ctx
	if p.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.sendTimeout)
		defer cancel()
	}

	if err := p.ch.Send(sendCtx, EventGamepadState, Payload{GamepadState: s}); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish gamepad state")
		if p.availability != nil {
			p.availability.Invalidate()
		}
		return false
	}

	p.mu.Lock()
	p.lastKey = key
	p.hasLast = true
	p.mu.Unlock()
	return true
}

// dedupeKey identifies a payload ignoring its timestamp.
func dedupeKey(s *state.NormalizedState) string {
	if s == nil {
		return "null"
	}
	data, _ := json.Marshal(struct {
		Buttons []state.Button `json:"b"`
		Axes    []float64      `json:"a"`
	}{s.Buttons, s.Axes})
	return string(data)
}
