// Package emitter implements a listener set keyed by event name and
// handler identity. Registering the same pair twice is a no-op.
package emitter

import "sync"

// Key identifies a registration.
type Key struct {
	Event string
	ID    string
}

type entry[T any] struct {
	key Key
	fn  func(T)
}

// Emitter delivers values of type T to listeners in registration order.
type Emitter[T any] struct {
	mu        sync.Mutex
	listeners []entry[T]
}

// On registers fn under (event, id). It reports false when the pair was
// already registered, in which case the original fn is kept.
func (e *Emitter[T]) On(event, id string, fn func(T)) bool {
	if fn == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	k := Key{Event: event, ID: id}
	for _, l := range e.listeners {
		if l.key == k {
			return false
		}
	}
	e.listeners = append(e.listeners, entry[T]{key: k, fn: fn})
	return true
}

// Off removes (event, id). It reports whether a registration was removed.
func (e *Emitter[T]) Off(event, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := Key{Event: event, ID: id}
	for i, l := range e.listeners {
		if l.key == k {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Emit calls every listener registered for event. Listeners run on the
// caller's goroutine; the set is snapshotted so listeners may unregister.
func (e *Emitter[T]) Emit(event string, v T) int {
	e.mu.Lock()
	var fns []func(T)
	for _, l := range e.listeners {
		if l.key.Event == event {
			fns = append(fns, l.fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return len(fns)
}

// Len returns the number of registrations.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Keys returns the registered pairs in order.
func (e *Emitter[T]) Keys() []Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Key, 0, len(e.listeners))
	for _, l := range e.listeners {
		out = append(out, l.key)
	}
	return out
}

// Clear drops every registration.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}
