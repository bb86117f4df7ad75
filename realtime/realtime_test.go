package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doingharm/gamepad-relay/logger"
	"github.com/doingharm/gamepad-relay/state"
)

type recorder struct {
	mu     sync.Mutex
	states []*state.NormalizedState
}

func (r *recorder) add(s *state.NormalizedState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func idle(ts int64) *state.NormalizedState {
	return &state.NormalizedState{Buttons: []state.Button{{}}, Axes: []float64{0, 0}, Timestamp: ts}
}

func pressed(ts int64) *state.NormalizedState {
	return &state.NormalizedState{Buttons: []state.Button{{Pressed: true, Value: 1}}, Axes: []float64{0, 0}, Timestamp: ts}
}

func TestChannelNames(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker()

	for _, name := range []string{"gamepad:alice", "gamepad:alice:2b1c-uuid"} {
		_, err := b.Channel(name)
		assert.NoError(t, err, name)
	}
	for _, name := range []string{"", "gamepad:", "other:alice", "gamepad:a.b", "gamepad:>"} {
		_, err := b.Channel(name)
		assert.ErrorIs(t, err, ErrInvalidChannel, name)
	}
}

func TestPublishAndSubscribe(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker()
	ch, err := b.Channel("gamepad:alice")
	require.NoError(t, err)

	rec := &recorder{}
	unsub, err := Subscribe(ch, rec.add, nil)
	require.NoError(t, err)

	p := NewPublisher(ch, logger.NewTestLogger())
	assert.True(t, p.Publish(context.Background(), pressed(1)))
	require.Equal(t, 1, rec.len())
	assert.True(t, rec.states[0].Buttons[0].Pressed)

	unsub()
	assert.True(t, p.Publish(context.Background(), idle(2)))
	assert.Equal(t, 1, rec.len())
}

func TestPublishSkipsIdenticalIdlePayload(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker()
	ch, _ := b.Channel("gamepad:alice")
	p := NewPublisher(ch, logger.NewTestLogger())
	ctx := context.Background()

	assert.True(t, p.Publish(ctx, idle(1)))
	assert.False(t, p.Publish(ctx, idle(2)), "same idle payload, later timestamp")
	assert.True(t, p.Publish(ctx, pressed(3)))
	assert.True(t, p.Publish(ctx, pressed(4)), "active payloads are never deduplicated")
	assert.True(t, p.Publish(ctx, nil))
	assert.False(t, p.Publish(ctx, nil))
}

func TestPublishSwallowsErrors(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker()
	ch, _ := b.Channel("gamepad:alice")
	p := NewPublisher(ch, logger.NewTestLogger())

	b.SetDown(errors.New("rate limited"))
	assert.False(t, p.Publish(context.Background(), pressed(1)))

	b.SetDown(nil)
	assert.True(t, p.Publish(context.Background(), pressed(2)))
}

func TestAvailabilityCooldown(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var down atomic.Bool
	down.Store(true)
	a := NewAvailability(func(ctx context.Context) error {
		calls.Add(1)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		if down.Load() {
			return errors.New("down")
		}
		return nil
	}, time.Second, time.Minute)

	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }

	assert.True(t, a.Available(), "assumed up until the first ping finishes")
	a.wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	assert.False(t, a.Available())
	down.Store(false)
	assert.False(t, a.Available(), "cached inside cooldown")
	a.wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(61 * time.Second)
	assert.False(t, a.Available(), "stale verdict while the next ping runs")
	a.wg.Wait()
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, a.Available())

	a.Invalidate()
	assert.False(t, a.Available())
	a.wg.Wait()
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, a.Available())
}

func TestAvailabilityNeverBlocks(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	a := NewAvailability(func(ctx context.Context) error {
		calls.Add(1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, 5*time.Second, time.Minute)

	start := time.Now()
	for i := 0; i < 20; i++ {
		a.Available()
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(release)
	a.wg.Wait()
	assert.Equal(t, int32(1), calls.Load(), "one ping in flight at a time")
	assert.True(t, a.Available())
}

func TestPublisherRespectsAvailability(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker()
	ch, _ := b.Channel("gamepad:alice")

	b.SetDown(errors.New("offline"))
	avail := NewAvailability(b.Ping, time.Second, time.Hour)
	p := NewPublisher(ch, logger.NewTestLogger(), WithAvailability(avail), WithSendTimeout(time.Second))

	assert.False(t, p.Publish(context.Background(), pressed(1)), "send fails and marks the backend down")
	avail.wg.Wait()
	b.SetDown(nil)
	assert.False(t, p.Publish(context.Background(), pressed(2)), "verdict cached until cooldown expires")
}

func TestAsyncPublisherDoesNotWaitForBackend(t *testing.T) {
	t.Parallel()
	b := NewMemoryBroker()
	ch, _ := b.Channel("gamepad:alice")

	rec := &recorder{}
	unsub, err := Subscribe(ch, rec.add, nil)
	require.NoError(t, err)
	defer unsub()

	// the health ping hangs for the whole test
	release := make(chan struct{})
	avail := NewAvailability(func(ctx context.Context) error {
		<-release
		return nil
	}, 0, time.Hour)
	defer func() {
		close(release)
		avail.wg.Wait()
	}()

	ap := NewAsyncPublisher(context.Background(), NewPublisher(ch, logger.NewTestLogger(), WithAvailability(avail)))
	defer ap.Close()

	start := time.Now()
	for i := int64(1); i <= 20; i++ {
		ap.Offer(pressed(i))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.states) > 0 && rec.states[len(rec.states)-1].Timestamp == 20
	}, time.Second, 5*time.Millisecond)
}
