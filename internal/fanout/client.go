package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/trip-dispatch/internal/observability"
)

const (
	DefaultQueueSize    = 64
	DefaultPingInterval = 25 * time.Second
)

// Transport is the wire side of a client, e.g. a websocket. Implementations
// apply their own write deadlines.
type Transport interface {
	WriteJSON(v any) error
	WritePing() error
	Close() error
}

// Client buffers outbound events in a bounded queue. When the queue is full
// the oldest event is dropped so a slow reader never stalls publishers.
type Client struct {
	id string
	t  Transport

	mu   sync.Mutex
	buf  []Event
	head int
	n    int

	wake      chan struct{}
	done      chan struct{}
	dead      atomic.Bool
	dropped   atomic.Uint64
	closeOnce sync.Once
}

func NewClient(id string, t Transport, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Client{
		id:   id,
		t:    t,
		buf:  make([]Event, queueSize),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Dead() bool { return c.dead.Load() }

// Dropped is the number of events discarded on overflow.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) Enqueue(ev Event) bool {
	if c.dead.Load() {
		return false
	}
	c.mu.Lock()
	if c.n == len(c.buf) {
		c.head = (c.head + 1) % len(c.buf)
		c.n--
		c.dropped.Add(1)
		observability.FanoutDropped.Inc()
	}
	c.buf[(c.head+c.n)%len(c.buf)] = ev
	c.n++
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Client) drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, c.n)
	for c.n > 0 {
		out = append(out, c.buf[c.head])
		c.buf[c.head] = Event{}
		c.head = (c.head + 1) % len(c.buf)
		c.n--
	}
	return out
}

// Pending is the number of queued events.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Run is the write pump. It returns when ctx is done, the client is closed,
// or a write fails; in the last case the client is marked dead so the hub
// prunes it on the next publish.
func (c *Client) Run(ctx context.Context, pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.done:
			return
		case <-c.wake:
			for _, ev := range c.drain() {
				if err := c.t.WriteJSON(ev); err != nil {
					c.Close()
					return
				}
			}
		case <-ticker.C:
			if err := c.t.WritePing(); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Close marks the client dead and closes the transport once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.dead.Store(true)
		close(c.done)
		_ = c.t.Close()
	})
}
