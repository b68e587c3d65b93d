package engine

import (
	"fmt"
	"sync"
	"time"

	"tradectl/notify"
)

// Status is the operator-facing connectivity state.
type Status int

const (
	Offline Status = iota
	Connecting
	Online
	TradingActive
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	case TradingActive:
		return "trading_active"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusState carries the transport for Online and TradingActive.
type StatusState struct {
	Status    Status        `json:"status"`
	Transport TransportKind `json:"transport"`
}

func (s StatusState) String() string {
	if s.Status == Online || s.Status == TradingActive {
		return fmt.Sprintf("%s(%s)", s.Status, s.Transport)
	}
	return s.Status.String()
}

// StatusEvent is published on every transition.
type StatusEvent struct {
	From StatusState `json:"from"`
	To   StatusState `json:"to"`
	Time time.Time   `json:"time"`
}

// StatusMachine is the single source of truth for connectivity and trading
// state. Failures never move it backwards; only Reset returns it to Offline.
type StatusMachine struct {
	mu    sync.Mutex
	state StatusState
	hub   *notify.Hub[StatusEvent]
	now   func() time.Time
}

func NewStatusMachine() *StatusMachine {
	return &StatusMachine{
		hub: notify.NewHub[StatusEvent](),
		now: time.Now,
	}
}

func (m *StatusMachine) Current() StatusState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NegotiationStarted moves Offline to Connecting.
func (m *StatusMachine) NegotiationStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == Offline {
		m.transition(StatusState{Status: Connecting})
	}
}

// Resolved moves Offline or Connecting to Online(kind).
func (m *StatusMachine) Resolved(kind TransportKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == Offline || m.state.Status == Connecting {
		m.transition(StatusState{Status: Online, Transport: kind})
	}
}

// TradingChanged records a successful enable or disable.
func (m *StatusMachine) TradingChanged(enabled bool, kind TransportKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		m.transition(StatusState{Status: TradingActive, Transport: kind})
	} else {
		m.transition(StatusState{Status: Online, Transport: kind})
	}
}

func (m *StatusMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(StatusState{})
}

// Subscribe returns a subscription that receives every later transition.
// Events are dropped for a subscriber whose buffer is full.
func (m *StatusMachine) Subscribe(buffer int) *notify.Subscription[StatusEvent] {
	return m.hub.Subscribe(buffer)
}

func (m *StatusMachine) Unsubscribe(sub *notify.Subscription[StatusEvent]) {
	m.hub.Unsubscribe(sub)
}

func (m *StatusMachine) Close() {
	m.hub.Close()
}

// transition must be called with m.mu held so events are published in order.
func (m *StatusMachine) transition(to StatusState) {
	if to == m.state {
		return
	}
	ev := StatusEvent{From: m.state, To: to, Time: m.now()}
	m.state = to
	m.hub.Broadcast(ev)
}
