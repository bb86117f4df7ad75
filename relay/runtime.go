// Package relay runs the three extension contexts (background, offscreen,
// content script) that capture gamepad state while the dashboard tab is
// hidden. Contexts share no memory; they only talk through a Runtime, which
// copies and validates every message it carries.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/doingharm/gamepad-relay/protocol"
)

var (
	// ErrContextInvalidated is returned when the target context is gone or
	// was never registered.
	ErrContextInvalidated = errors.New("extension context invalidated")
	ErrAlreadyRegistered  = errors.New("context already registered")
	ErrUnauthorizedSender = errors.New("unauthorized sender")
)

// Target names one extension context on the runtime.
type Target string

const (
	TargetBackground Target = "background"
	TargetOffscreen  Target = "offscreen"
)

// ContentTarget is the address of the content script in tab tabID.
func ContentTarget(tabID string) Target {
	return Target("content:" + tabID)
}

// Handler processes one message and produces a response.
type Handler func(ctx context.Context, msg protocol.Message) protocol.Response

const DefaultSendTimeout = 2 * time.Second

// Runtime is the in-process message bus between extension contexts.
type Runtime struct {
	logger  zerolog.Logger
	timeout time.Duration

	mu        sync.RWMutex
	handlers  map[Target]Handler
	listeners map[uint64]func(protocol.Message)
	nextID    uint64
}

// NewRuntime returns an empty runtime. timeout bounds every Send; zero uses
// DefaultSendTimeout.
func NewRuntime(logger zerolog.Logger, timeout time.Duration) *Runtime {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Runtime{
		logger:    logger,
		timeout:   timeout,
		handlers:  make(map[Target]Handler),
		listeners: make(map[uint64]func(protocol.Message)),
	}
}

// Register installs the handler for target. The returned function tears
// the context down; after it runs, sends to target fail with
// ErrContextInvalidated.
func (r *Runtime) Register(target Target, h Handler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[target]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, target)
	}
	r.handlers[target] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers, target)
			r.mu.Unlock()
		})
	}, nil
}

// Alive reports whether target is registered.
func (r *Runtime) Alive(target Target) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[target]
	return ok
}

// Send delivers a copy of msg to target and waits for its response. The
// target is checked before the call and again after it returns, so a
// context torn down mid-call reports ErrContextInvalidated.
func (r *Runtime) Send(ctx context.Context, target Target, msg protocol.Message) (protocol.Response, error) {
	h, ok := r.handler(target)
	if !ok {
		return protocol.Response{}, fmt.Errorf("%w: %s", ErrContextInvalidated, target)
	}

	copied, err := protocol.Internal.RoundTrip(msg)
	if err != nil {
		return protocol.Failure(err), err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan protocol.Response, 1)
	go func() {
		done <- h(ctx, copied)
	}()

	select {
	case resp := <-done:
		if !r.Alive(target) {
			return protocol.Response{}, fmt.Errorf("%w: %s", ErrContextInvalidated, target)
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", msg.MessageType(), target, ctx.Err())
	}
}

// Notify is Send without waiting for a meaningful answer. Failures are
// logged and swallowed.
func (r *Runtime) Notify(ctx context.Context, target Target, msg protocol.Message) {
	resp, err := r.Send(ctx, target, msg)
	switch {
	case err != nil:
		r.logger.Debug().Err(err).Str("target", string(target)).Str("type", string(msg.MessageType())).Msg("message not delivered")
	case !resp.Success:
		r.logger.Debug().Str("target", string(target)).Str("type", string(msg.MessageType())).Str("error", resp.Error).Msg("message rejected")
	}
}

// AddListener subscribes fn to Broadcast, the way popups and devtools
// panels observe runtime messages.
func (r *Runtime) AddListener(fn func(protocol.Message)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Broadcast hands msg to every listener.
func (r *Runtime) Broadcast(msg protocol.Message) {
	r.mu.RLock()
	listeners := make([]func(protocol.Message), 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	for _, l := range listeners {
		l(msg)
	}
}

func (r *Runtime) handler(target Target) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[target]
	return h, ok
}

// retry calls fn up to attempts times, doubling the delay after each
// ErrContextInvalidated. Other errors end the loop immediately.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, ErrContextInvalidated) {
			return err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff << i):
		}
	}
	return err
}
