package gamepads

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/doingharm/gamepad-relay/state"
)

const (
	eventBuffer   = 256
	channelBuffer = 64
	errBuffer     = 16
)

type bus struct {
	sync.RWMutex
	logger       zerolog.Logger
	ctx          context.Context
	cancelFunc   context.CancelFunc
	eventChannel chan *Event
	errChannel   chan error
	notifier     notify
	channels     []*EventChannel
	dispatchDone chan struct{}
}

type Bus interface {
	NewEventChannel(filters ...FilterFunc) (dest *EventChannel)
	Gamepads() (gamepads []Gamepad)
	Subscribe(id string) (err error)
	Unsubscribe(id string) (err error)
	// Snapshot returns the raw state of the first subscribed gamepad, or nil
	// when none is connected.
	Snapshot() *state.RawSnapshot
	Close()
}

type options struct {
	logger        zerolog.Logger
	autoSubscribe bool
	inputPath     string
}

// Option configures New.
type Option func(*options)

// WithLogger sets the bus logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAutoSubscribe subscribes every gamepad as soon as it connects.
func WithAutoSubscribe() Option {
	return func(o *options) { o.autoSubscribe = true }
}

// WithInputPath overrides the device directory watched for gamepads.
func WithInputPath(path string) Option {
	return func(o *options) { o.inputPath = path }
}

func New(opts ...Option) (b Bus, errCh <-chan error, err error) {

	o := options{logger: zerolog.Nop(), inputPath: defaultInputPath}
	for _, opt := range opts {
		opt(&o)
	}

	dest := &bus{
		logger:       o.logger,
		eventChannel: make(chan *Event, eventBuffer),
		errChannel:   make(chan error, errBuffer),
		dispatchDone: make(chan struct{}),
	}
	dest.ctx, dest.cancelFunc = context.WithCancel(context.Background())

	go dest.dispatch()

	if dest.notifier, err = newNotifier(dest.ctx, o, dest.emit, dest.emitErr); err != nil {
		dest.cancelFunc()
		return nil, nil, err
	}

	return dest, dest.errChannel, nil
}

func (b *bus) emit(e *Event) {
	select {
	case <-b.ctx.Done():
	case b.eventChannel <- e:
	}
}

func (b *bus) emitErr(err error) {
	b.logger.Warn().Err(err).Msg("gamepad bus error")
	select {
	case b.errChannel <- err:
	default:
	}
}

// dispatch delivers every event to every channel whose filters accept it.
func (b *bus) dispatch() {
	defer close(b.dispatchDone)
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChannel:
			b.RLock()
			for _, ch := range b.channels {
				if !accept(event, ch.filters) {
					continue
				}
				select {
				case ch.Ch <- event:
				default:
					b.logger.Debug().Str("gamepad", event.ID).Stringer("type", event.Type).Msg("event channel full, dropping event")
				}
			}
			b.RUnlock()
		}
	}
}

func accept(e *Event, filters []FilterFunc) bool {
	for _, filter := range filters {
		if !filter(e) {
			return false
		}
	}
	return true
}

func (b *bus) NewEventChannel(filters ...FilterFunc) (dest *EventChannel) {

	if b.notifier == nil {
		return nil
	}

	ctx, cancelFunc := context.WithCancel(b.ctx)

	dest = &EventChannel{
		Ctx:     ctx,
		Ch:      make(chan *Event, channelBuffer),
		filters: filters,
	}

	var once sync.Once
	dest.CancelFunc = func() {
		cancelFunc()
		once.Do(func() { b.removeChannel(dest) })
	}

	b.Lock()
	b.channels = append(b.channels, dest)
	b.Unlock()

	return
}

func (b *bus) removeChannel(ch *EventChannel) {
	b.Lock()
	defer b.Unlock()

	var clean []*EventChannel
	for _, channel := range b.channels {
		if channel != ch {
			clean = append(clean, channel)
		}
	}
	b.channels = clean
	close(ch.Ch)
}

func (b *bus) Gamepads() (devices []Gamepad) {
	if b.notifier == nil {
		return nil
	}
	return b.notifier.gamepads()
}

func (b *bus) Subscribe(id string) (err error) {
	if b.notifier == nil {
		return errors.New(ErrNotifierNotInitialized)
	}
	return b.notifier.subscribe(id)
}

func (b *bus) Unsubscribe(id string) (err error) {
	if b.notifier == nil {
		return errors.New(ErrNotifierNotInitialized)
	}
	return b.notifier.unsubscribe(id)
}

func (b *bus) Snapshot() *state.RawSnapshot {
	if b.notifier == nil {
		return nil
	}
	return b.notifier.snapshot()
}

func (b *bus) Close() {

	if b.notifier == nil {
		return
	}

	if err := b.notifier.stop(); err != nil {
		b.emitErr(err)
	}
	b.notifier = nil

	b.cancelFunc()
	<-b.dispatchDone

	b.RLock()
	channels := append([]*EventChannel(nil), b.channels...)
	b.RUnlock()
	for _, ch := range channels {
		ch.CancelFunc()
	}
}
