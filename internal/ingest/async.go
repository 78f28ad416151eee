package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

const (
	DefaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

var ErrQueueFull = errors.New("sink queue full")

type job struct {
	loc    *models.LocationEvent
	status *models.StatusEvent
}

// Async hands events to a worker goroutine through a bounded queue. When the
// queue is full the event is dropped and counted; failures of the wrapped
// sink are logged and never reach the caller.
type Async struct {
	name   string
	sink   Sink
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan job
	closed bool
	done   chan struct{}
}

func NewAsync(name string, sink Sink, queueSize int, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		name:   name,
		sink:   sink,
		logger: logger.With("component", "sink", "sink", name),
		queue:  make(chan job, queueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) AppendLocationEvent(_ context.Context, ev models.LocationEvent) error {
	return a.enqueue(job{loc: &ev})
}

func (a *Async) AppendStatusEvent(_ context.Context, ev models.StatusEvent) error {
	return a.enqueue(job{status: &ev})
}

func (a *Async) enqueue(j job) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.queue <- j:
		return nil
	default:
		observability.SinkDropped.Inc()
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for j := range a.queue {
		a.write(j)
	}
}

func (a *Async) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	var err error
	switch {
	case j.loc != nil:
		err = a.sink.AppendLocationEvent(ctx, *j.loc)
	case j.status != nil:
		err = a.sink.AppendStatusEvent(ctx, *j.status)
	}
	if err != nil {
		observability.SinkWrites.WithLabelValues(a.name, "error").Inc()
		a.logger.Warn("sink write failed", "error", err)
		return
	}
	observability.SinkWrites.WithLabelValues(a.name, "ok").Inc()
}

// Pending is the number of queued events.
func (a *Async) Pending() int { return len(a.queue) }

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
