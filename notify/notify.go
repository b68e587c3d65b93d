// Package notify is the human-facing side channel for engine status and
// command outcomes. Command results never depend on it.
package notify

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Severity ranks an Event.
type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

// Event is one toast/status line for an operator.
type Event struct {
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Transport string    `json:"transport"`
	Time      time.Time `json:"time"`
}

const defaultBuffer = 32

// Notifier delivers events to subscribed handlers, each on its own goroutine.
// A subscriber that falls behind loses non-critical events once its queue
// holds buffer entries; Critical events are always queued.
type Notifier struct {
	logger *log.Logger
	buffer int
	now    func() time.Time

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool

	dropped atomic.Int64
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithLogger logs every published event to logger.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(size int) Option {
	return func(n *Notifier) {
		if size <= 0 {
			size = 1
		}
		n.buffer = size
	}
}

func New(opts ...Option) *Notifier {
	n := &Notifier{
		buffer: defaultBuffer,
		now:    time.Now,
		subs:   make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe runs handler for every event until the returned function is called
// or the notifier is closed. Events already queued when that happens are
// still delivered.
func (n *Notifier) Subscribe(handler func(Event)) (unsubscribe func()) {
	sub := &subscriber{handler: handler, limit: n.buffer, wake: make(chan struct{}, 1)}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return func() {}
	}
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, sub)
			n.mu.Unlock()
			sub.stop()
		})
	}
}

func (n *Notifier) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = n.now()
	}
	if n.logger != nil {
		n.logger.Printf("[notify] %s via %s: %s", ev.Severity, ev.Transport, ev.Message)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		if !sub.offer(ev) {
			total := n.dropped.Add(1)
			n.logf("[notify] subscriber queue full, dropped %s event (%d dropped so far)", ev.Severity, total)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// queue was full.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close drops every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for sub := range n.subs {
		sub.stop()
		delete(n.subs, sub)
	}
}

func (n *Notifier) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

type subscriber struct {
	handler func(Event)
	limit   int
	wake    chan struct{}

	mu      sync.Mutex
	queue   []Event
	stopped bool
}

// offer queues ev, refusing only non-critical events when the queue is full.
func (s *subscriber) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return true
	}
	if ev.Severity != Critical && len(s.queue) >= s.limit {
		return false
	}
	s.queue = append(s.queue, ev)
	s.signal()
	return true
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.signal()
	s.mu.Unlock()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.stopped {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(ev)
	}
}
