// Package watch provides a concurrency-safe observable cell.
//
// A Value holds the latest state and notifies subscribers when it changes.
// Notification is conflating: a slow subscriber skips intermediate states
// but always observes the most recent one. Sequence watermarks and
// replication status both fit this model, since only the latest value
// matters to a waiter.
package watch

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Value is an observable holding a current value of type T.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[uuid.UUID]chan T
	closed  bool
}

// NewValue returns a Value initialised to initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current: initial,
		subs:    make(map[uuid.UUID]chan T),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set replaces the current value and notifies all subscribers. A subscriber
// that has not drained its previous notification loses it; the channel always
// carries the newest value.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.current = next
	for _, ch := range v.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next:
		default:
		}
	}
}

// Update applies fn to the current value under the lock and publishes the
// result. It returns the new value.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	if v.closed {
		cur := v.current
		v.mu.Unlock()
		return cur
	}
	v.current = fn(v.current)
	next := v.current
	for _, ch := range v.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next:
		default:
		}
	}
	v.mu.Unlock()
	return next
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function. The channel receives the value current at subscription
// time first, so a subscriber never misses state set before it registered.
// Cancel is idempotent and closes the channel.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan T, 1)
	if v.closed {
		close(ch)
		return ch, func() {}
	}

	id := uuid.New()
	v.subs[id] = ch
	ch <- v.current

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			if _, ok := v.subs[id]; ok {
				delete(v.subs, id)
				close(ch)
			}
			v.mu.Unlock()
		})
	}
	return ch, cancel
}

// WaitFor blocks until pred holds for the current value, returning that
// value. It returns the context error if ctx ends first.
func (v *Value[T]) WaitFor(ctx context.Context, pred func(T) bool) (T, error) {
	ch, cancel := v.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case cur, ok := <-ch:
			if !ok {
				var zero T
				return zero, context.Canceled
			}
			if pred(cur) {
				return cur, nil
			}
		}
	}
}

// Close detaches and closes all subscriber channels. Further Set calls are
// ignored; Get keeps returning the final value.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	for id, ch := range v.subs {
		delete(v.subs, id)
		close(ch)
	}
}
