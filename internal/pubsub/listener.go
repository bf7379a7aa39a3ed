package pubsub

import "context"

// ContinuousListener maintains subscription state for a long-lived consumer
// of broker events (e.g. an RPC log-tailing stream). Unlike a one-shot
// Subscribe call, it exposes Next as a simple blocking read so callers don't
// need to manage the underlying channel directly.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener creates a new listener that subscribes to the broker.
// The subscription is torn down automatically when ctx is cancelled.
func NewContinuousListener[T any](ctx context.Context, broker *Broker[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until an event is available, the context is cancelled, or the
// broker is closed. ok is false in the latter two cases.
func (l *ContinuousListener[T]) Next() (Event[T], bool) {
	select {
	case ev, ok := <-l.ch:
		return ev, ok
	case <-l.ctx.Done():
		var zero Event[T]
		return zero, false
	}
}
