// Package ucasevent provides a small multi-subscriber broadcast
// channel, standing in for a language-neutral Event<T> type, used for
// Dispatcher.Mounted and Dispatcher.SignatureFailed.
package ucasevent

import "sync"

// Event is a broadcast channel of values of type T. The zero value is
// ready to use.
type Event[T any] struct {
	mu   sync.Mutex
	subs []chan T
}

// Subscribe returns a buffered channel that receives every value
// broadcast after this call. The returned channel is never closed by
// Event; callers drop it by letting it be garbage collected.
func (e *Event[T]) Subscribe(buf int) <-chan T {
	ch := make(chan T, buf)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

// Broadcast sends v to every current subscriber. Subscribers that
// would block (full buffer) are skipped rather than stalling the
// dispatcher thread.
func (e *Event[T]) Broadcast(v T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
