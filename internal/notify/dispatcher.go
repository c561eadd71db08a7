package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbparthas/scriptlock/internal/metrics"
)

// Sender delivers an event synchronously. *Manager satisfies it.
type Sender interface {
	Notify(ctx context.Context, event Event) error
}

// DispatcherOptions tunes a Dispatcher.
type DispatcherOptions struct {
	// Buffer is the queue depth; events beyond it are dropped.
	Buffer int
	// SendTimeout bounds a single delivery.
	SendTimeout time.Duration
}

// Dispatcher delivers events in the background. Publish never blocks the
// caller: when the queue is full or the dispatcher is closed the event is
// dropped and counted.
type Dispatcher struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration

	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

// NewDispatcher starts a dispatcher worker.
func NewDispatcher(sender Sender, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d := &Dispatcher{
		sender:  sender,
		logger:  logger,
		timeout: opts.SendTimeout,
		events:  make(chan Event, opts.Buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish queues an event for delivery.
func (d *Dispatcher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(event, "closed")
		return
	}

	select {
	case d.events <- event:
	default:
		d.drop(event, "queue full")
	}
}

// Dropped returns the number of events discarded so far.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered
// or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) drop(event Event, reason string) {
	d.dropped.Add(1)
	metrics.EventsDropped.Inc()
	d.logger.Warn("dropping lock event",
		"type", event.Type,
		"resource", event.ResourceID,
		"reason", reason,
	)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notifier panicked", "type", event.Type, "resource", event.ResourceID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sender.Notify(ctx, event); err != nil {
		d.logger.Warn("failed to deliver lock event",
			"type", event.Type,
			"resource", event.ResourceID,
			"error", err,
		)
	}
}
