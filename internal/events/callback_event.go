// Package events provides small type-safe pub/sub primitives used to fan out
// telemetry records and transport events to any number of consumers.
package events

import "sync"

// CallbackEvent delivers values to registered callback functions.
type CallbackEvent[T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]func(T)
	nextID    uint64

	replayLast bool
	last       *T
}

// NewCallbackEvent creates a CallbackEvent. When replayLast is true, a new
// listener is immediately called with the most recent value, if any: useful
// for snapshot-style events (device lists) where a late consumer still wants
// the current state.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners:  make(map[uint64]func(T)),
		replayLast: replayLast,
	}
}

// Listen registers a callback and returns a function that removes it again.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = callback
	var replay *T
	if e.replayLast && e.last != nil {
		v := *e.last
		replay = &v
	}
	e.mu.Unlock()

	// Replay outside the lock so the callback may re-enter the event
	if replay != nil {
		callback(*replay)
	}

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify calls every registered listener with value.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		v := value
		e.last = &v
	}
	listeners := make([]func(T), 0, len(e.listeners))
	for _, cb := range e.listeners {
		listeners = append(listeners, cb)
	}
	e.mu.Unlock()

	for _, cb := range listeners {
		cb(value)
	}
}

// ListenerCount returns the number of registered listeners.
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
