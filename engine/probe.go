package engine

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"tradectl/relay"
)

// ProbeOutcome is the result of testing one candidate.
type ProbeOutcome int

const (
	Unreachable ProbeOutcome = iota
	Reachable
	// Ambiguous means the target answered, but not in the probing protocol.
	Ambiguous
)

func (o ProbeOutcome) String() string {
	switch o {
	case Reachable:
		return "reachable"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unreachable"
	}
}

// Usable reports whether the negotiator may commit to the candidate.
// Ambiguous counts as reachable.
func (o ProbeOutcome) Usable() bool {
	return o != Unreachable
}

// Prober tests a single candidate. Implementations must return within the
// candidate's probe timeout and must not retry.
type Prober interface {
	Probe(ctx context.Context, c Candidate) ProbeOutcome
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, c Candidate) ProbeOutcome

func (f ProberFunc) Probe(ctx context.Context, c Candidate) ProbeOutcome {
	return f(ctx, c)
}

const defaultProbeTimeout = 2 * time.Second

// NetworkProber probes candidates over the network.
type NetworkProber struct {
	Embedded  EmbeddedClient
	RelayPath string
	// StrictRefusal reports a refused TCP connection on DirectProbe as
	// Unreachable instead of Ambiguous.
	StrictRefusal bool
	Logger        *log.Logger
}

func (p *NetworkProber) Probe(ctx context.Context, c Candidate) ProbeOutcome {
	timeout := c.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch c.Kind {
	case Embedded:
		return p.probeEmbedded(ctx)
	case DirectProbe:
		return p.probeHandshake(ctx, c.Address)
	case RelaySocket:
		return p.probeRelay(ctx, c)
	case Simulated:
		return Reachable
	default:
		return Unreachable
	}
}

func (p *NetworkProber) probeEmbedded(ctx context.Context) ProbeOutcome {
	if p.Embedded == nil {
		return Unreachable
	}
	if p.Embedded.Connected() {
		return Reachable
	}
	if _, err := callWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, p.Embedded.Connect(ctx)
	}); err != nil {
		p.logf("[probe] embedded client connect failed: %v", err)
		return Unreachable
	}
	if p.Embedded.Connected() {
		return Reachable
	}
	return Unreachable
}

// probeHandshake opens a websocket handshake against a store that does not
// speak websocket. Any answer at all, including a rejected handshake or an
// immediate close, proves something is listening and is reported as
// Ambiguous. Silence until the deadline, a malformed address or a failed
// name lookup is Unreachable, since nothing was contacted.
func (p *NetworkProber) probeHandshake(ctx context.Context, addr string) ProbeOutcome {
	if host, port, err := net.SplitHostPort(addr); err != nil || host == "" || port == "" {
		p.logf("[probe] %s: malformed address", addr)
		return Unreachable
	}
	conn, _, err := websocket.Dial(ctx, "ws://"+addr, nil)
	if err == nil {
		conn.CloseNow()
		return Reachable
	}
	if ctx.Err() != nil {
		p.logf("[probe] %s: no response before deadline", addr)
		return Unreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		p.logf("[probe] %s: lookup failed: %v", addr, dnsErr)
		return Unreachable
	}
	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		p.logf("[probe] %s: bad address: %v", addr, addrErr)
		return Unreachable
	}
	if p.StrictRefusal && errors.Is(err, syscall.ECONNREFUSED) {
		p.logf("[probe] %s: connection refused", addr)
		return Unreachable
	}
	p.logf("[probe] %s answered with a rejection (%v), treating as reachable", addr, err)
	return Ambiguous
}

func (p *NetworkProber) probeRelay(ctx context.Context, c Candidate) ProbeOutcome {
	client, err := relay.Dial(ctx, relayURL(c.Address, p.RelayPath), relay.DialOptions{
		Credential: c.Credential,
		Logger:     p.Logger,
	})
	if err != nil {
		p.logf("[probe] relay %s: %v", c.Address, err)
		return Unreachable
	}
	defer client.Close()

	if _, err := client.Ping(ctx); err != nil {
		p.logf("[probe] relay %s ping: %v", c.Address, err)
		return Unreachable
	}
	return Reachable
}

func (p *NetworkProber) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

func relayURL(addr, path string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	if path == "" {
		path = "/redis"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + addr + path
}

// callWithContext runs fn on its own goroutine so callers are released when
// ctx ends even if fn ignores it.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn()
		done <- result{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-done:
		return res.value, res.err
	}
}
