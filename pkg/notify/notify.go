// Package notify is the fire-and-forget event emitter used by the engines.
//
// Engines call Emit after their unit of work has committed. Emit never
// blocks on delivery and never reports failure: a notification that
// cannot be queued or written is logged and dropped. The state
// transition that triggered it is already durable.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/daviddao/labcoord/pkg/model"
)

// Emitter accepts notifications for best-effort, at-most-once delivery.
type Emitter interface {
	Emit(ctx context.Context, n model.Notification)
}

// Sink persists one notification. *store.Store satisfies it.
type Sink interface {
	InsertNotification(ctx context.Context, n *model.Notification) (int64, error)
}

// DefaultQueueSize is used when NewDispatcher is given a non-positive size.
const DefaultQueueSize = 256

// Dispatcher queues notifications in a bounded buffer drained by a single
// worker goroutine that writes them to a Sink.
type Dispatcher struct {
	sink   Sink
	log    *slog.Logger
	queue  chan model.Notification
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher writing to sink. Call Close to flush
// the queue and stop the worker.
func NewDispatcher(sink Sink, queueSize int, log *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sink:  sink,
		log:   log,
		queue: make(chan model.Notification, queueSize),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues n without blocking. A full or closed queue drops n.
func (d *Dispatcher) Emit(ctx context.Context, n model.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn("notification dropped: dispatcher closed",
			"recipient", n.RecipientID, "kind", n.Kind)
		return
	}
	select {
	case d.queue <- n:
	default:
		d.log.Warn("notification dropped: queue full",
			"recipient", n.RecipientID, "kind", n.Kind, "capacity", cap(d.queue))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		n := n
		if _, err := d.sink.InsertNotification(context.Background(), &n); err != nil {
			d.log.Error("notification write failed",
				"recipient", n.RecipientID, "kind", n.Kind, "error", err)
			continue
		}
		d.log.Debug("notification delivered",
			"recipient", n.RecipientID, "kind", n.Kind, "seq", n.Seq)
	}
}

// Close stops accepting notifications and waits until every queued one
// has been written, or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard drops every notification.
type Discard struct{}

// Emit does nothing.
func (Discard) Emit(context.Context, model.Notification) {}

// Recorder keeps emitted notifications in memory. Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	sent []model.Notification
}

// Emit records n.
func (r *Recorder) Emit(_ context.Context, n model.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// For returns the notifications recorded for recipientID.
func (r *Recorder) For(recipientID string) []model.Notification {
	var out []model.Notification
	for _, n := range r.Sent() {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	return out
}

// Or returns e, or Discard if e is nil.
func Or(e Emitter) Emitter {
	if e == nil {
		return Discard{}
	}
	return e
}
