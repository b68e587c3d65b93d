package engine

import (
	"fmt"
	"strings"
	"time"

	"tradectl/trading"
)

// TransportKind identifies a strategy for reaching the control backend.
type TransportKind int

const (
	// NoTransport is the zero value, reported before anything is resolved.
	NoTransport TransportKind = iota
	// Embedded uses a control client already living in the host process.
	Embedded
	// DirectProbe talks to the key-value store itself.
	DirectProbe
	// RelaySocket goes through the websocket relay.
	RelaySocket
	// Simulated has no external effect.
	Simulated
)

func (k TransportKind) String() string {
	switch k {
	case NoTransport:
		return "none"
	case Embedded:
		return "embedded"
	case DirectProbe:
		return "direct"
	case RelaySocket:
		return "relay"
	case Simulated:
		return "simulated"
	default:
		return fmt.Sprintf("transport(%d)", int(k))
	}
}

// ParseTransportKind accepts the canonical names and the legacy dashboard
// names (qml, redis-direct, simulation).
func ParseTransportKind(value string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none", "":
		return NoTransport, nil
	case "embedded", "qml":
		return Embedded, nil
	case "direct", "redis-direct", "directprobe":
		return DirectProbe, nil
	case "relay", "relaysocket", "websocket", "ws":
		return RelaySocket, nil
	case "simulated", "simulation", "sim":
		return Simulated, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", value)
	}
}

func (k TransportKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *TransportKind) UnmarshalText(text []byte) error {
	parsed, err := ParseTransportKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Candidate is one entry of the negotiator's preference list.
type Candidate struct {
	Kind         TransportKind
	Address      string // host:port, or a full ws:// URL for RelaySocket
	Credential   string
	ProbeTimeout time.Duration
	MaxAttempts  int
}

// Phase is the negotiator's progress.
type Phase int

const (
	Unresolved Phase = iota
	Resolving
	Resolved
	// Degraded means nothing was reachable and the engine fell back to Simulated.
	Degraded
)

func (p Phase) String() string {
	switch p {
	case Unresolved:
		return "unresolved"
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ConnectionState pairs a phase with the committed transport, which is only
// meaningful when Phase is Resolved or Degraded.
type ConnectionState struct {
	Phase     Phase
	Transport TransportKind
}

func (s ConnectionState) IsResolved() bool {
	return s.Phase == Resolved || s.Phase == Degraded
}

func (s ConnectionState) String() string {
	if s.IsResolved() {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Transport)
	}
	return s.Phase.String()
}

// CommandResult is the machine-facing outcome of every public operation.
type CommandResult struct {
	OK        bool              `json:"ok"`
	Transport TransportKind     `json:"transport"`
	Err       ErrorKind         `json:"error,omitempty"`
	Stale     bool              `json:"stale,omitempty"`
	Settings  *trading.Settings `json:"settings,omitempty"`
}
