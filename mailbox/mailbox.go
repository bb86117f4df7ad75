// Package mailbox hands values from a producer that must never block (a
// poll tick, the router's broadcast path) to one consumer goroutine.
//
// The mailbox holds a single value. Offering while the previous value is
// still unconsumed replaces it and counts a drop, so a slow consumer only
// ever sees the latest value and never a backlog.
package mailbox

import (
	"sync"
	"sync/atomic"
)

type Mailbox[T any] struct {
	consume func(T)

	mu     sync.Mutex
	cond   *sync.Cond
	value  T
	full   bool
	closed bool

	drops     atomic.Uint64
	delivered atomic.Uint64
	done      chan struct{}
}

// Start returns a mailbox whose values are passed to consume on a
// dedicated goroutine, one at a time and in offer order.
func Start[T any](consume func(T)) *Mailbox[T] {
	m := &Mailbox[T]{consume: consume, done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.loop()
	return m
}

// Offer stores v, replacing any unconsumed value. It never blocks on the
// consumer and reports false once the mailbox is closed.
func (m *Mailbox[T]) Offer(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if m.full {
		m.drops.Add(1)
	}
	m.value = v
	m.full = true
	m.cond.Signal()
	return true
}

// Close stops the consumer goroutine and waits for it to exit. A value not
// yet consumed is discarded. Close must not be called from consume.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	var zero T
	m.value = zero
	m.full = false
	m.cond.Broadcast()
	m.mu.Unlock()

	<-m.done
}

// Drops counts values replaced before the consumer got to them.
func (m *Mailbox[T]) Drops() uint64 {
	return m.drops.Load()
}

// Delivered counts values handed to the consumer.
func (m *Mailbox[T]) Delivered() uint64 {
	return m.delivered.Load()
}

func (m *Mailbox[T]) loop() {
	defer close(m.done)

	for {
		m.mu.Lock()
		for !m.full && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		v := m.value
		var zero T
		m.value = zero
		m.full = false
		m.mu.Unlock()

		m.consume(v)
		m.delivered.Add(1)
	}
}
