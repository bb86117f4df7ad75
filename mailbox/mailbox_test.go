package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	seen []int
}

func (c *collector) add(v int) {
	c.mu.Lock()
	c.seen = append(c.seen, v)
	c.mu.Unlock()
}

func (c *collector) values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.seen...)
}

func TestDeliversInOrder(t *testing.T) {
	t.Parallel()

	c := &collector{}
	m := Start(c.add)
	defer m.Close()

	for i := 1; i <= 3; i++ {
		require.True(t, m.Offer(i))
		require.Eventually(t, func() bool { return m.Delivered() == uint64(i) }, time.Second, time.Millisecond)
	}
	assert.Equal(t, []int{1, 2, 3}, c.values())
	assert.Zero(t, m.Drops())
}

func TestLatestWinsWhileConsumerBusy(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	c := &collector{}
	m := Start(func(v int) {
		if v == 1 {
			entered <- struct{}{}
			<-release
		}
		c.add(v)
	})
	defer m.Close()

	m.Offer(1)
	<-entered

	start := time.Now()
	for i := 2; i <= 10; i++ {
		assert.True(t, m.Offer(i))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "offer must not wait on the consumer")

	close(release)
	require.Eventually(t, func() bool { return len(c.values()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 10}, c.values())
	assert.Equal(t, uint64(8), m.Drops())
}

func TestNilValuesAreDelivered(t *testing.T) {
	t.Parallel()

	got := make(chan *int, 1)
	m := Start(func(v *int) { got <- v })
	defer m.Close()

	m.Offer(nil)
	select {
	case v := <-got:
		assert.Nil(t, v)
	case <-time.After(time.Second):
		t.Fatal("nil value not delivered")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	m := Start(func(int) {})
	m.Close()
	m.Close()
	assert.False(t, m.Offer(1))
}
