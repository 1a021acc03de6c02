package events

import "sync"

// ChannelEvent delivers values to registered channels. Sends are
// non-blocking: a value is dropped for any subscriber whose channel is full,
// so a stalled consumer cannot back-pressure the producer.
type ChannelEvent[T any] struct {
	mu       sync.RWMutex
	channels map[uint64]chan T
	nextID   uint64

	replayLast bool
	last       *T
}

// NewChannelEvent creates a ChannelEvent. replayLast behaves as in
// NewCallbackEvent: a newly subscribed channel receives the most recent
// value first, if one exists.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:   make(map[uint64]chan T),
		replayLast: replayLast,
	}
}

// Subscribe creates a buffered channel of the given capacity, registers it,
// and returns it together with an unsubscribe function. Unsubscribing closes
// the channel.
func (e *ChannelEvent[T]) Subscribe(capacity int) (<-chan T, func()) {
	if capacity <= 0 {
		panic("capacity must be positive")
	}

	ch := make(chan T, capacity)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	if e.replayLast && e.last != nil {
		ch <- *e.last
	}
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		if registered, ok := e.channels[id]; ok {
			delete(e.channels, id)
			close(registered)
		}
		e.mu.Unlock()
	}
}

// Notify sends value to every subscribed channel, dropping it where the
// channel buffer is full.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.replayLast {
		v := value
		e.last = &v
	}
	for _, ch := range e.channels {
		select {
		case ch <- value:
		default:
		}
	}
}

// SubscriberCount returns the number of subscribed channels.
func (e *ChannelEvent[T]) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}
