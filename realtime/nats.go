package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NatsBroker maps channels onto NATS subjects "<channel>.<event>".
type NatsBroker struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect dials NATS with logging connection handlers.
func Connect(url string, logger zerolog.Logger, extraOpts ...nats.Option) (*NatsBroker, error) {
	opts := []nats.Option{
		nats.Name("gamepad-relay"),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn().Err(err).Msg("NATS error")
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	opts = append(opts, extraOpts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return NewNatsBroker(nc, logger), nil
}

// NewNatsBroker wraps an existing connection.
func NewNatsBroker(nc *nats.Conn, logger zerolog.Logger) *NatsBroker {
	return &NatsBroker{nc: nc, logger: logger}
}

// Channel returns a handle on the named channel.
func (b *NatsBroker) Channel(name string) (Channel, error) {
	if err := validateChannelName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}
	return &natsChannel{nc: b.nc, name: name}, nil
}

// Ping round-trips to the server.
func (b *NatsBroker) Ping(ctx context.Context) error {
	return b.nc.FlushWithContext(ctx)
}

// Close drains and closes the connection.
func (b *NatsBroker) Close() error {
	return b.nc.Drain()
}

type natsChannel struct {
	nc   *nats.Conn
	name string

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

func (c *natsChannel) Name() string { return c.name }

func (c *natsChannel) subject(event string) string {
	return c.name + "." + event
}

func (c *natsChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	if err = c.nc.Publish(c.subject(event), data); err != nil {
		return fmt.Errorf("failed to publish %s on %s: %w", event, c.name, err)
	}
	return nil
}

func (c *natsChannel) On(event string, handler func(payload []byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	sub, err := c.nc.Subscribe(c.subject(event), func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s on %s: %w", event, c.name, err)
	}
	c.subs = append(c.subs, sub)

	return func() { _ = sub.Unsubscribe() }, nil
}

func (c *natsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	return nil
}
