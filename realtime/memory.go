package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process broker for single-node deployments without
// NATS. Handlers run synchronously on the sender's goroutine.
type MemoryBroker struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]func([]byte)
	nextID   uint64
	down     error
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{handlers: make(map[string]map[uint64]func([]byte))}
}

// SetDown makes Ping and Send fail with err until called with nil.
func (b *MemoryBroker) SetDown(err error) {
	b.mu.Lock()
	b.down = err
	b.mu.Unlock()
}

func (b *MemoryBroker) Channel(name string) (Channel, error) {
	if err := validateChannelName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}
	return &memoryChannel{broker: b, name: name}, nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.down
}

func (b *MemoryBroker) publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.down != nil {
		b.mu.RUnlock()
		return b.down
	}
	handlers := make([]func([]byte), 0, len(b.handlers[subject]))
	for _, h := range b.handlers[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *MemoryBroker) subscribe(subject string, h func([]byte)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[uint64]func([]byte))
	}
	b.handlers[subject][id] = h

	return func() {
		b.mu.Lock()
		delete(b.handlers[subject], id)
		b.mu.Unlock()
	}
}

type memoryChannel struct {
	broker *MemoryBroker
	name   string

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

func (c *memoryChannel) Name() string { return c.name }

func (c *memoryChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.broker.publish(c.name+"."+event, data)
}

func (c *memoryChannel) On(event string, handler func([]byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	unsub := c.broker.subscribe(c.name+"."+event, handler)
	c.unsubs = append(c.unsubs, unsub)
	return unsub, nil
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, unsub := range c.unsubs {
		unsub()
	}
	return nil
}
