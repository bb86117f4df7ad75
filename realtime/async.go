package realtime

import (
	"context"

	"github.com/doingharm/gamepad-relay/mailbox"
	"github.com/doingharm/gamepad-relay/state"
)

// AsyncPublisher puts a Publisher behind a one-slot mailbox. Offer returns
// immediately; a state waiting behind a slow send is replaced by a newer
// one instead of queueing.
type AsyncPublisher struct {
	p   *Publisher
	box *mailbox.Mailbox[*state.NormalizedState]
}

// NewAsyncPublisher starts the send goroutine. ctx bounds every send.
func NewAsyncPublisher(ctx context.Context, p *Publisher) *AsyncPublisher {
	return &AsyncPublisher{
		p: p,
		box: mailbox.Start(func(s *state.NormalizedState) {
			p.Publish(ctx, s)
		}),
	}
}

// Offer hands s to the send goroutine.
func (a *AsyncPublisher) Offer(s *state.NormalizedState) {
	a.box.Offer(s)
}

// Dropped counts states superseded before they were sent.
func (a *AsyncPublisher) Dropped() uint64 {
	return a.box.Drops()
}

// Close stops the send goroutine.
func (a *AsyncPublisher) Close() {
	a.box.Close()
}
