package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []Event
	dead   bool
	closed int
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Enqueue(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeConn) Dead() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = true
	f.closed++
}

func (f *fakeConn) kill() {
	f.mu.Lock()
	f.dead = true
	f.mu.Unlock()
}

func (f *fakeConn) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	c := &fakeConn{id: "c1"}
	h.Register(c)

	require.NoError(t, h.Subscribe("t1", "c1"))
	require.NoError(t, h.Subscribe("t1", "c1"))
	assert.Equal(t, 1, h.Subscribers("t1"))

	assert.Equal(t, 1, h.Publish("t1", Event{Type: EventLocationUpdate, TripID: "t1"}))
	assert.Len(t, c.received(), 1)
}

func TestSubscribeUnknownConnection(t *testing.T) {
	h := NewHub(nil)
	assert.ErrorIs(t, h.Subscribe("t1", "ghost"), ErrUnknownConnection)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	h.Register(a)
	h.Register(b)
	require.NoError(t, h.Subscribe("t1", "a"))
	require.NoError(t, h.Subscribe("t1", "b"))

	h.Unsubscribe("t1", "a")
	h.Unsubscribe("t1", "a")
	h.Unsubscribe("t2", "a")
	assert.Equal(t, 1, h.Subscribers("t1"))

	h.Publish("t1", Event{Type: EventStatusChange})
	assert.Empty(t, a.received())
	assert.Len(t, b.received(), 1)

	h.Unsubscribe("t1", "b")
	assert.Equal(t, 0, h.Subscribers("t1"))
	assert.Equal(t, 2, h.Connections(), "unsubscribing never drops the connection")
}

func TestPublishPrunesDeadConnectionsLazily(t *testing.T) {
	h := NewHub(nil)
	live, dying := &fakeConn{id: "live"}, &fakeConn{id: "dying"}
	h.Register(live)
	h.Register(dying)
	require.NoError(t, h.Subscribe("t1", "live"))
	require.NoError(t, h.Subscribe("t1", "dying"))
	require.NoError(t, h.Subscribe("t2", "dying"))

	dying.kill()
	assert.Equal(t, 2, h.Subscribers("t1"), "nothing is pruned until a publish notices")

	assert.Equal(t, 1, h.Publish("t1", Event{Type: EventLocationUpdate}))
	assert.Equal(t, 1, h.Subscribers("t1"))
	assert.Equal(t, 0, h.Subscribers("t2"), "a pruned connection leaves every topic")
	assert.Equal(t, 1, h.Connections())
}

func TestOnDisconnect(t *testing.T) {
	h := NewHub(nil)
	c := &fakeConn{id: "c1"}
	h.Register(c)
	require.NoError(t, h.Subscribe("t1", "c1"))
	require.NoError(t, h.Subscribe("t2", "c1"))
	assert.ElementsMatch(t, []string{"t1", "t2"}, h.Topics("c1"))

	h.OnDisconnect("c1")
	h.OnDisconnect("c1")

	assert.Equal(t, 0, h.Subscribers("t1"))
	assert.Equal(t, 0, h.Subscribers("t2"))
	assert.Equal(t, 0, h.Connections())
	assert.Equal(t, 1, c.closed)
	assert.False(t, h.Send("c1", Event{Type: EventError}))
}

func TestCloseAll(t *testing.T) {
	h := NewHub(nil)
	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	h.Register(a)
	h.Register(b)
	require.NoError(t, h.Subscribe("t1", "a"))
	require.NoError(t, h.Subscribe("mover:m1", "b"))

	assert.Equal(t, 2, h.CloseAll())
	assert.Equal(t, 0, h.Connections())
	assert.Equal(t, 0, h.Subscribers("t1"))
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)

	h.OnDisconnect("a")
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 0, h.CloseAll())
}

func TestCloseTopic(t *testing.T) {
	h := NewHub(nil)
	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	h.Register(a)
	h.Register(b)
	require.NoError(t, h.Subscribe("t1", "a"))
	require.NoError(t, h.Subscribe("t1", "b"))
	require.NoError(t, h.Subscribe("t2", "a"))

	ids := h.CloseTopic("t1")
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
	assert.Equal(t, 0, h.Subscribers("t1"))
	assert.Equal(t, 1, h.Subscribers("t2"))
	assert.Equal(t, 2, h.Connections())
}

func TestRegisterReplacesConnection(t *testing.T) {
	h := NewHub(nil)
	first, second := &fakeConn{id: "c1"}, &fakeConn{id: "c1"}
	h.Register(first)
	h.Register(second)
	assert.Equal(t, 1, first.closed)
	assert.True(t, h.Send("c1", Event{Type: EventSubscriptionAck}))
	assert.Len(t, second.received(), 1)
}

func TestConcurrentPublishAndChurn(t *testing.T) {
	h := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		c := &fakeConn{id: string(rune('a' + i))}
		h.Register(c)
		require.NoError(t, h.Subscribe("t1", c.id))
	}
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Publish("t1", Event{Type: EventLocationUpdate})
		}()
		go func(id string) {
			defer wg.Done()
			h.OnDisconnect(id)
		}(string(rune('a' + i)))
	}
	wg.Wait()
	assert.Equal(t, 0, h.Subscribers("t1"))
}
