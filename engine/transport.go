package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"tradectl/relay"
	"tradectl/store"
	"tradectl/trading"
)

// Transport executes commands over one committed channel.
type Transport interface {
	Kind() TransportKind
	PushSettings(ctx context.Context, s trading.Settings) error
	FetchSettings(ctx context.Context) (*trading.Settings, error)
	Close() error
}

// EmbeddedClient is a control client already present in the host process.
// Command support is discovered through the optional capability interfaces
// below.
type EmbeddedClient interface {
	Connected() bool
	Connect(ctx context.Context) error
}

// SettingsWriter is implemented by embedded clients that accept a full record.
type SettingsWriter interface {
	SetTradingSettings(ctx context.Context, s trading.Settings) error
}

// TradingToggler is implemented by embedded clients that only expose an
// on/off switch.
type TradingToggler interface {
	EnableAutoTrading(ctx context.Context, enabled bool) error
}

// SettingsReader is implemented by embedded clients that can report the
// current record.
type SettingsReader interface {
	TradingSettings(ctx context.Context) (*trading.Settings, error)
}

// TransportFactory builds the transport for a winning candidate.
type TransportFactory interface {
	Open(ctx context.Context, c Candidate) (Transport, error)
}

const defaultSimulatedDelay = 500 * time.Millisecond

// DefaultFactory opens the built-in transports.
type DefaultFactory struct {
	Embedded       EmbeddedClient
	RelayPath      string
	RequestTimeout time.Duration
	SimulatedDelay time.Duration
	Logger         *log.Logger
	// OpenStore overrides how DirectProbe reaches the store.
	OpenStore func(c Candidate) (store.Store, error)
}

func (f *DefaultFactory) Open(ctx context.Context, c Candidate) (Transport, error) {
	switch c.Kind {
	case Embedded:
		if f.Embedded == nil {
			return nil, errors.New("engine: no embedded client installed")
		}
		return &embeddedTransport{client: f.Embedded}, nil

	case DirectProbe:
		open := f.OpenStore
		if open == nil {
			open = openRedis
		}
		st, err := open(c)
		if err != nil {
			return nil, err
		}
		return &directTransport{st: st, now: time.Now}, nil

	case RelaySocket:
		client, err := relay.Dial(ctx, relayURL(c.Address, f.RelayPath), relay.DialOptions{
			Credential:     c.Credential,
			RequestTimeout: f.RequestTimeout,
			Logger:         f.Logger,
		})
		if err != nil {
			return nil, err
		}
		return &relayTransport{client: client}, nil

	case Simulated:
		delay := f.SimulatedDelay
		if delay <= 0 {
			delay = defaultSimulatedDelay
		}
		return NewSimulated(delay), nil

	default:
		return nil, fmt.Errorf("engine: cannot open %s transport", c.Kind)
	}
}

func openRedis(c Candidate) (store.Store, error) {
	host, portText, err := net.SplitHostPort(c.Address)
	if err != nil {
		return nil, fmt.Errorf("engine: direct address %q: %w", c.Address, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("engine: direct port %q: %w", portText, err)
	}
	return store.NewRedis(store.Options{
		Host:        host,
		Port:        port,
		Password:    c.Credential,
		DialTimeout: c.ProbeTimeout,
	}), nil
}

type embeddedTransport struct {
	client EmbeddedClient
}

func (t *embeddedTransport) Kind() TransportKind { return Embedded }

func (t *embeddedTransport) PushSettings(ctx context.Context, s trading.Settings) error {
	_, err := callWithContext(ctx, func() (struct{}, error) {
		switch c := t.client.(type) {
		case SettingsWriter:
			return struct{}{}, c.SetTradingSettings(ctx, s)
		case TradingToggler:
			return struct{}{}, c.EnableAutoTrading(ctx, s.Enabled)
		default:
			return struct{}{}, &Error{Kind: CommandRejected, Transport: Embedded,
				Err: errors.New("embedded client exposes no trading control")}
		}
	})
	return t.classify(err)
}

func (t *embeddedTransport) FetchSettings(ctx context.Context) (*trading.Settings, error) {
	reader, ok := t.client.(SettingsReader)
	if !ok {
		return nil, &Error{Kind: CommandRejected, Transport: Embedded,
			Err: errors.New("embedded client cannot report settings")}
	}
	s, err := callWithContext(ctx, func() (*trading.Settings, error) {
		return reader.TradingSettings(ctx)
	})
	return s, t.classify(err)
}

func (t *embeddedTransport) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || !t.client.Connected() {
		return &Error{Kind: TransportUnavailable, Transport: Embedded, Err: err}
	}
	return wrap(Embedded, err)
}

// Close leaves the embedded client alone; the host process owns it.
func (t *embeddedTransport) Close() error { return nil }

type directTransport struct {
	st  store.Store
	now func() time.Time
}

func (t *directTransport) Kind() TransportKind { return DirectProbe }

func (t *directTransport) PushSettings(ctx context.Context, s trading.Settings) error {
	return wrap(DirectProbe, store.WriteSettings(ctx, t.st, s, t.now()))
}

func (t *directTransport) FetchSettings(ctx context.Context) (*trading.Settings, error) {
	s, err := store.ReadSettings(ctx, t.st)
	return s, wrap(DirectProbe, err)
}

func (t *directTransport) Close() error {
	return t.st.Close()
}

type relayTransport struct {
	client *relay.Client
}

func (t *relayTransport) Kind() TransportKind { return RelaySocket }

func (t *relayTransport) PushSettings(ctx context.Context, s trading.Settings) error {
	return wrap(RelaySocket, t.client.SetTradingSettings(ctx, s))
}

func (t *relayTransport) FetchSettings(ctx context.Context) (*trading.Settings, error) {
	s, err := t.client.GetTradingSettings(ctx)
	return s, wrap(RelaySocket, err)
}

func (t *relayTransport) Close() error {
	return t.client.Close()
}

// SimulatedTransport accepts every command after a fixed delay and keeps the
// last record in memory.
type SimulatedTransport struct {
	delay time.Duration

	mu   sync.Mutex
	last *trading.Settings
}

func NewSimulated(delay time.Duration) *SimulatedTransport {
	return &SimulatedTransport{delay: delay}
}

func (t *SimulatedTransport) Kind() TransportKind { return Simulated }

// PushSettings waits the synthetic delay so callers see the same timing as a
// real round trip.
func (t *SimulatedTransport) PushSettings(ctx context.Context, s trading.Settings) error {
	timer := time.NewTimer(t.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &Error{Kind: TransportUnavailable, Transport: Simulated, Err: ctx.Err()}
	case <-timer.C:
	}

	t.mu.Lock()
	t.last = &s
	t.mu.Unlock()
	return nil
}

func (t *SimulatedTransport) FetchSettings(ctx context.Context) (*trading.Settings, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil, nil
	}
	s := *t.last
	return &s, nil
}

func (t *SimulatedTransport) Close() error { return nil }
