package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doingharm/gamepad-relay/logger"
)

func runNatsServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	return srv
}

func TestNatsBrokerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	srv := runNatsServer(t)
	t.Cleanup(srv.Shutdown)

	b, err := Connect(srv.ClientURL(), logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Ping(ctx))

	_, err = b.Channel("gamepad:a.b")
	require.ErrorIs(t, err, ErrInvalidChannel)

	ch, err := b.Channel("gamepad:alice:7f3e")
	require.NoError(t, err)

	rec := &recorder{}
	unsub, err := Subscribe(ch, rec.add, nil)
	require.NoError(t, err)
	// make sure the server has the subscription before publishing
	require.NoError(t, b.Ping(ctx))

	p := NewPublisher(ch, logger.NewTestLogger(), WithAvailability(NewAvailability(b.Ping, time.Second, time.Minute)))
	assert.True(t, p.Publish(ctx, pressed(1)))
	assert.True(t, p.Publish(ctx, idle(2)))

	require.Eventually(t, func() bool { return rec.len() == 2 }, 5*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	assert.True(t, rec.states[0].Buttons[0].Pressed)
	assert.Equal(t, int64(2), rec.states[1].Timestamp)
	rec.mu.Unlock()

	unsub()
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(ctx, EventGamepadState, Payload{}), ErrClosed)
}

func TestNatsBrokerPingFailsWhenServerGone(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	srv := runNatsServer(t)

	b, err := Connect(srv.ClientURL(), logger.NewTestLogger(), nats.ReconnectWait(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { b.nc.Close() })

	avail := NewAvailability(b.Ping, 200*time.Millisecond, time.Hour)
	require.True(t, avail.Check(context.Background()))

	srv.Shutdown()
	assert.False(t, avail.Check(context.Background()))
	assert.False(t, avail.Available(), "verdict cached inside the cooldown")
}
