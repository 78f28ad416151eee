package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu      sync.Mutex
	written []Event
	pings   int
	failOn  int
	closed  bool
	gate    chan struct{}
}

func (f *fakeTransport) WriteJSON(v any) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.written)+1 >= f.failOn {
		return errors.New("broken pipe")
	}
	f.written = append(f.written, v.(Event))
	return nil
}

func (f *fakeTransport) WritePing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() ([]Event, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.written...), f.pings, f.closed
}

func TestClientDropsOldestOnOverflow(t *testing.T) {
	c := NewClient("c1", &fakeTransport{}, 3)
	for i := 0; i < 5; i++ {
		require.True(t, c.Enqueue(Event{Type: EventLocationUpdate, TripID: string(rune('a' + i))}))
	}
	assert.Equal(t, uint64(2), c.Dropped())
	assert.Equal(t, 3, c.Pending())

	got := c.drain()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].TripID)
	assert.Equal(t, "e", got[2].TripID)
	assert.Equal(t, 0, c.Pending())
}

func TestClientRunWritesInOrder(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient("c1", tr, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Hour)
		close(done)
	}()

	for i := 0; i < 4; i++ {
		c.Enqueue(Event{Type: EventLocationUpdate, TripID: string(rune('a' + i))})
	}
	require.Eventually(t, func() bool {
		w, _, _ := tr.snapshot()
		return len(w) == 4
	}, time.Second, 5*time.Millisecond)

	w, _, _ := tr.snapshot()
	for i, ev := range w {
		assert.Equal(t, string(rune('a'+i)), ev.TripID)
	}

	cancel()
	<-done
	_, _, closed := tr.snapshot()
	assert.True(t, closed)
	assert.True(t, c.Dead())
	assert.False(t, c.Enqueue(Event{Type: EventError}))
}

func TestClientWriteFailureMarksDead(t *testing.T) {
	tr := &fakeTransport{failOn: 1}
	c := NewClient("c1", tr, 8)
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), time.Hour)
		close(done)
	}()

	c.Enqueue(Event{Type: EventLocationUpdate})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop after a failed write")
	}
	assert.True(t, c.Dead())

	h := NewHub(nil)
	h.Register(c)
	require.NoError(t, h.Subscribe("t1", "c1"))
	assert.Equal(t, 0, h.Publish("t1", Event{Type: EventLocationUpdate}))
	assert.Equal(t, 0, h.Subscribers("t1"))
}

func TestClientKeepalive(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient("c1", tr, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, pings, _ := tr.snapshot()
		return pings >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestSlowTransportDoesNotBlockEnqueue(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	c := NewClient("c1", tr, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, time.Hour)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.Enqueue(Event{Type: EventLocationUpdate})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a stalled transport")
	}
	close(tr.gate)
	assert.Greater(t, c.Dropped(), uint64(0))
}
