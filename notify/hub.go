package notify

import "sync"

// Subscription receives values broadcast on a Hub until it is unsubscribed.
type Subscription[T any] struct {
	ch chan T
}

// C exposes the delivery channel. It is closed on unsubscribe.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Hub fans values out to every subscriber without ever blocking the sender;
// subscribers with a full buffer miss the value.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscription[T]]struct{})}
}

func (h *Hub[T]) Subscribe(buffer int) *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe is safe to call more than once.
func (h *Hub[T]) Unsubscribe(sub *Subscription[T]) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Broadcast reports how many subscribers accepted the value.
func (h *Hub[T]) Broadcast(value T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.subs {
		select {
		case sub.ch <- value:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unsubscribes everyone; later subscriptions start closed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription[T]]struct{})
	h.closed = true
	h.mu.Unlock()
	for sub := range subs {
		close(sub.ch)
	}
}
