package engine

import (
	"context"
	"log"
	"sync"
)

// resolution is one negotiation run shared by every caller that asked for it.
type resolution struct {
	done      chan struct{}
	transport Transport
	err       error
}

// Negotiator picks one transport from an ordered candidate list and keeps it
// until Reset or Close.
type Negotiator struct {
	candidates []Candidate
	prober     Prober
	factory    TransportFactory
	logger     *log.Logger
	onChange   func(ConnectionState)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    ConnectionState
	active   Transport
	inflight *resolution
	closed   bool
}

// NegotiatorOption customises a Negotiator.
type NegotiatorOption func(*Negotiator)

func WithNegotiatorLogger(logger *log.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

// WithStateHook registers fn to observe every ConnectionState change. fn must
// not call back into the Negotiator.
func WithStateHook(fn func(ConnectionState)) NegotiatorOption {
	return func(n *Negotiator) {
		n.onChange = fn
	}
}

func NewNegotiator(candidates []Candidate, prober Prober, factory TransportFactory, opts ...NegotiatorOption) *Negotiator {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		candidates: append([]Candidate(nil), candidates...),
		prober:     prober,
		factory:    factory,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Resolve returns the committed transport, negotiating first if needed.
// Concurrent callers share a single in-flight negotiation. If ctx ends first
// the caller gets NegotiationTimeout while the negotiation keeps running.
func (n *Negotiator) Resolve(ctx context.Context) (Transport, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	if n.active != nil {
		t := n.active
		n.mu.Unlock()
		return t, nil
	}
	r := n.inflight
	started := false
	if r == nil {
		r = &resolution{done: make(chan struct{})}
		n.inflight = r
		n.state = ConnectionState{Phase: Resolving}
		started = true
	}
	n.mu.Unlock()

	if started {
		n.notify(ConnectionState{Phase: Resolving})
		go n.negotiate(r)
	}

	select {
	case <-r.done:
		return r.transport, r.err
	case <-ctx.Done():
		return nil, &Error{Kind: NegotiationTimeout, Err: ctx.Err()}
	}
}

// Active returns the committed transport without negotiating.
func (n *Negotiator) Active() Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

func (n *Negotiator) State() ConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Reset drops the committed transport so the next Resolve negotiates again.
// A negotiation already in flight is left to finish.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	t := n.active
	n.active = nil
	changed := n.inflight == nil && n.state.Phase != Unresolved
	if n.inflight == nil {
		n.state = ConnectionState{}
	}
	n.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			n.logf("[negotiator] closing %s transport: %v", t.Kind(), err)
		}
	}
	if changed {
		n.notify(ConnectionState{})
	}
}

// Close cancels any in-flight probes and closes the committed transport.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	t := n.active
	n.active = nil
	n.state = ConnectionState{}
	n.mu.Unlock()

	n.cancel()
	if t != nil {
		return t.Close()
	}
	return nil
}

func (n *Negotiator) negotiate(r *resolution) {
	for _, c := range n.candidates {
		attempts := c.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			if n.ctx.Err() != nil {
				n.finish(r, nil, ConnectionState{}, ErrClosed)
				return
			}
			outcome := n.prober.Probe(n.ctx, c)
			n.logf("[negotiator] %s %s attempt %d/%d: %s", c.Kind, c.Address, attempt, attempts, outcome)
			if !outcome.Usable() {
				continue
			}
			t, err := n.factory.Open(n.ctx, c)
			if err != nil {
				n.logf("[negotiator] open %s: %v", c.Kind, err)
				continue
			}
			n.finish(r, t, ConnectionState{Phase: Resolved, Transport: c.Kind}, nil)
			return
		}
	}

	n.logf("[negotiator] no candidate reachable, falling back to simulated")
	t, err := n.factory.Open(n.ctx, Candidate{Kind: Simulated})
	if err != nil {
		t = NewSimulated(defaultSimulatedDelay)
	}
	n.finish(r, t, ConnectionState{Phase: Degraded, Transport: Simulated}, nil)
}

func (n *Negotiator) finish(r *resolution, t Transport, state ConnectionState, err error) {
	n.mu.Lock()
	if n.closed && err == nil {
		err = ErrClosed
	}
	if err != nil {
		if t != nil {
			_ = t.Close()
			t = nil
		}
	} else {
		n.active = t
		n.state = state
	}
	n.inflight = nil
	r.transport, r.err = t, err
	n.mu.Unlock()

	// Observers see the new state before any waiter is released.
	if err == nil {
		n.notify(state)
	}
	close(r.done)
}

func (n *Negotiator) notify(state ConnectionState) {
	if n.onChange != nil {
		n.onChange(state)
	}
}

func (n *Negotiator) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf(format, args...)
	}
}
