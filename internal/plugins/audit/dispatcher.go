package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// sinkTimeout bounds a single Record call made from the dispatcher goroutine.
const sinkTimeout = 5 * time.Second

// Emitter is what the auth orchestrator depends on. Emit must never block
// the caller and never report an error.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Dispatcher asynchronously forwards audit events to a sink through a
// bounded buffer. When the buffer is full new events are dropped and counted
// rather than blocking the request path.
type Dispatcher struct {
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once

	// mu orders sends against Close: once closed is set under the write
	// lock, every accepted event is already in ch.
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the forwarding goroutine. A nil sink discards events.
func NewDispatcher(bufferSize int, sink Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.record(event)
		case <-d.done:
			// Drain what was queued before Close.
			for {
				select {
				case event := <-d.ch:
					d.record(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) record(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := d.sink.Record(ctx, event); err != nil {
		slog.Warn("audit sink failed",
			slog.String("action", event.Action),
			slog.Any("error", err),
		)
	}
}

// Emit queues an event. It returns immediately; if the buffer is full or the
// dispatcher is closed the event is dropped and counted.
func (d *Dispatcher) Emit(_ context.Context, event Event) {
	if d == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}

	select {
	case d.ch <- event:
	default:
		d.dropped.Add(1)
	}
}

// Close stops accepting events, flushes the buffer and waits for the
// forwarding goroutine to exit. Safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.done)
		d.mu.Unlock()

		d.wg.Wait()
	})
}

// Dropped returns how many events were discarded, either because the buffer
// was full or because they arrived after Close.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
