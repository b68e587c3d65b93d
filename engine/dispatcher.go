package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradectl/notify"
	"tradectl/trading"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultStatusTimeout  = 3 * time.Second
)

// Options configures an Engine. Zero values select the network prober, the
// default factory and the documented timeouts.
type Options struct {
	Candidates     []Candidate
	Prober         Prober
	Factory        TransportFactory
	Embedded       EmbeddedClient
	RelayPath      string
	RequestTimeout time.Duration
	StatusTimeout  time.Duration
	SimulatedDelay time.Duration
	// SessionID stamps every record the engine writes.
	SessionID string
	Notifier  *notify.Notifier
	Logger    *log.Logger
}

// DefaultCandidates is the preference list used when nothing is configured:
// embedded client, relay, the store itself, then simulated.
func DefaultCandidates(relayAddr, storeAddr, credential string) []Candidate {
	return []Candidate{
		{Kind: Embedded, MaxAttempts: 1},
		{Kind: RelaySocket, Address: relayAddr, Credential: credential, ProbeTimeout: defaultProbeTimeout, MaxAttempts: 3},
		{Kind: DirectProbe, Address: storeAddr, Credential: credential, ProbeTimeout: defaultProbeTimeout, MaxAttempts: 3},
		{Kind: Simulated},
	}
}

// Engine dispatches trading commands over the negotiated transport.
type Engine struct {
	neg      *Negotiator
	status   *StatusMachine
	notifier *notify.Notifier
	logger   *log.Logger

	requestTimeout time.Duration
	statusTimeout  time.Duration
	sessionID      string
	now            func() time.Time

	// cmdSem holds one token; commands queue on it but give up when their
	// context ends.
	cmdSem chan struct{}

	cacheMu sync.Mutex
	cache   *trading.Settings

	closeOnce sync.Once
}

func New(opts Options) *Engine {
	e := &Engine{
		notifier:       opts.Notifier,
		logger:         opts.Logger,
		requestTimeout: opts.RequestTimeout,
		statusTimeout:  opts.StatusTimeout,
		sessionID:      opts.SessionID,
		now:            time.Now,
		status:         NewStatusMachine(),
		cmdSem:         make(chan struct{}, 1),
	}
	if e.requestTimeout <= 0 {
		e.requestTimeout = defaultRequestTimeout
	}
	if e.statusTimeout <= 0 {
		e.statusTimeout = defaultStatusTimeout
	}
	if e.sessionID == "" {
		e.sessionID = uuid.NewString()
	}
	if e.notifier == nil {
		e.notifier = notify.New(notify.WithLogger(opts.Logger))
	}

	prober := opts.Prober
	if prober == nil {
		prober = &NetworkProber{Embedded: opts.Embedded, RelayPath: opts.RelayPath, Logger: opts.Logger}
	}
	factory := opts.Factory
	if factory == nil {
		factory = &DefaultFactory{
			Embedded:       opts.Embedded,
			RelayPath:      opts.RelayPath,
			RequestTimeout: e.requestTimeout,
			SimulatedDelay: opts.SimulatedDelay,
			Logger:         opts.Logger,
		}
	}
	e.neg = NewNegotiator(opts.Candidates, prober, factory,
		WithNegotiatorLogger(opts.Logger),
		WithStateHook(e.connectionChanged),
	)
	return e
}

// ResolveTransport negotiates if needed and reports the committed transport.
// A degraded engine reports success on Simulated with TransportUnavailable.
func (e *Engine) ResolveTransport(ctx context.Context) CommandResult {
	t, err := e.neg.Resolve(ctx)
	if err != nil {
		return CommandResult{Transport: e.neg.State().Transport, Err: KindOf(err)}
	}
	res := CommandResult{OK: true, Transport: t.Kind()}
	if e.neg.State().Phase == Degraded {
		res.Err = TransportUnavailable
	}
	return res
}

// EnableTrading writes s with its enabled flag set to enabled.
func (e *Engine) EnableTrading(ctx context.Context, enabled bool, s trading.Settings) CommandResult {
	s.Enabled = enabled
	action := "disable trading"
	if enabled {
		action = "enable trading"
	}
	return e.push(ctx, s, action, false)
}

// SetRiskSettings writes s as given, including its enabled flag.
func (e *Engine) SetRiskSettings(ctx context.Context, s trading.Settings) CommandResult {
	return e.push(ctx, s, "update risk settings", false)
}

// EmergencyStop writes a zeroed, disabled record. It negotiates only if no
// transport was ever committed and always raises one critical notification.
func (e *Engine) EmergencyStop(ctx context.Context) CommandResult {
	return e.push(ctx, trading.Stopped(e.sessionID, e.now()), "emergency stop", true)
}

// QueryStatus reads the current record without negotiating. On any failure it
// returns the last known record marked stale.
func (e *Engine) QueryStatus(ctx context.Context) CommandResult {
	ctx, cancel := context.WithTimeout(ctx, e.statusTimeout)
	defer cancel()

	t := e.neg.Active()
	if t == nil {
		return CommandResult{OK: true, Transport: e.neg.State().Transport, Stale: true, Settings: e.cached()}
	}

	s, err := t.FetchSettings(ctx)
	if err != nil {
		kind := KindOf(err)
		e.logf("[engine] status via %s: %s: %v", t.Kind(), kind, err)
		return CommandResult{OK: true, Transport: t.Kind(), Err: kind, Stale: true, Settings: e.cached()}
	}
	if s != nil {
		e.remember(*s)
	}
	return CommandResult{OK: true, Transport: t.Kind(), Settings: s}
}

// Reset drops the committed transport and negotiates again.
func (e *Engine) Reset(ctx context.Context) CommandResult {
	if err := e.acquire(ctx); err != nil {
		return CommandResult{Transport: e.neg.State().Transport, Err: KindOf(err)}
	}
	e.neg.Reset()
	e.release()
	return e.ResolveTransport(ctx)
}

// Subscribe delivers notifications to handler until the returned function is
// called or the engine is closed.
func (e *Engine) Subscribe(handler func(notify.Event)) (unsubscribe func()) {
	return e.notifier.Subscribe(handler)
}

// SubscribeStatus streams status transitions.
func (e *Engine) SubscribeStatus(buffer int) *notify.Subscription[StatusEvent] {
	return e.status.Subscribe(buffer)
}

func (e *Engine) UnsubscribeStatus(sub *notify.Subscription[StatusEvent]) {
	e.status.Unsubscribe(sub)
}

func (e *Engine) Status() StatusState {
	return e.status.Current()
}

func (e *Engine) ConnectionState() ConnectionState {
	return e.neg.State()
}

// Close cancels negotiation, closes the transport and drops all subscribers.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.neg.Close()
		e.status.Close()
		e.notifier.Close()
	})
	return err
}

func (e *Engine) push(ctx context.Context, s trading.Settings, action string, critical bool) CommandResult {
	if s.IssuedAt.IsZero() {
		s.IssuedAt = e.now()
	}
	if s.SessionID == "" {
		s.SessionID = e.sessionID
	}

	severity := notify.Error
	if critical {
		severity = notify.Critical
	}

	if err := s.Validate(); err != nil {
		kind := e.neg.State().Transport
		e.publish(severity, kind, fmt.Sprintf("%s failed: %s: %v", action, CommandRejected, err))
		return CommandResult{Transport: kind, Err: CommandRejected}
	}

	if err := e.acquire(ctx); err != nil {
		kind := e.neg.State().Transport
		errKind := KindOf(err)
		e.logf("[engine] %s waiting for a previous command: %v", action, err)
		e.publish(severity, kind, fmt.Sprintf("%s failed: %s", action, errKind))
		return CommandResult{Transport: kind, Err: errKind}
	}
	defer e.release()

	t, err := e.neg.Resolve(ctx)
	if err != nil {
		kind := e.neg.State().Transport
		errKind := KindOf(err)
		e.publish(severity, kind, fmt.Sprintf("%s failed: %s", action, errKind))
		return CommandResult{Transport: kind, Err: errKind}
	}

	pushCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	if err := t.PushSettings(pushCtx, s); err != nil {
		errKind := KindOf(err)
		e.logf("[engine] %s via %s: %v", action, t.Kind(), err)
		e.publish(severity, t.Kind(), fmt.Sprintf("%s failed: %s", action, errKind))
		return CommandResult{Transport: t.Kind(), Err: errKind}
	}

	e.remember(s)
	e.status.TradingChanged(s.Enabled, t.Kind())
	if critical {
		e.publish(notify.Critical, t.Kind(), action+" executed")
	} else {
		e.publish(notify.Info, t.Kind(), action+" applied")
	}
	return CommandResult{OK: true, Transport: t.Kind(), Settings: &s}
}

// acquire waits for the command slot or for ctx to end.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.cmdSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &Error{Kind: TransportUnavailable, Transport: e.neg.State().Transport, Err: ctx.Err()}
	}
}

func (e *Engine) release() {
	<-e.cmdSem
}

func (e *Engine) connectionChanged(state ConnectionState) {
	switch state.Phase {
	case Resolving:
		e.status.NegotiationStarted()
	case Resolved:
		e.status.Resolved(state.Transport)
		e.publish(notify.Info, state.Transport, "connected")
	case Degraded:
		e.status.Resolved(state.Transport)
		e.publish(notify.Warning, state.Transport, "no backend reachable, running simulated")
	case Unresolved:
		e.status.Reset()
	}
}

func (e *Engine) publish(severity notify.Severity, kind TransportKind, message string) {
	e.notifier.Publish(notify.Event{Severity: severity, Message: message, Transport: kind.String()})
}

func (e *Engine) remember(s trading.Settings) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache = &s
}

func (e *Engine) cached() *trading.Settings {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.cache == nil {
		return nil
	}
	s := *e.cache
	return &s
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
