package engine

import (
	"context"
	"errors"
	"fmt"

	"tradectl/relay"
	"tradectl/store"
)

// ErrorKind classifies command failures.
type ErrorKind string

const (
	TransportUnavailable ErrorKind = "transport_unavailable"
	NegotiationTimeout   ErrorKind = "negotiation_timeout"
	RelayRequestTimeout  ErrorKind = "relay_request_timeout"
	RelayProtocolError   ErrorKind = "relay_protocol_error"
	StoreUnreachable     ErrorKind = "store_unreachable"
	CommandRejected      ErrorKind = "command_rejected"
)

// Error is a failure attributed to a transport.
type Error struct {
	Kind      ErrorKind
	Transport TransportKind
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: %s via %s", e.Kind, e.Transport)
	}
	return fmt.Sprintf("engine: %s via %s: %v", e.Kind, e.Transport, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrClosed is returned once the engine has been torn down.
var ErrClosed = errors.New("engine: closed")

// KindOf maps any error produced below the dispatcher to an ErrorKind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Kind
	}

	var remote *relay.RemoteError
	if errors.As(err, &remote) {
		switch remote.Code {
		case relay.CodeProtocol:
			return RelayProtocolError
		case relay.CodeStoreUnreachable:
			return StoreUnreachable
		default:
			return CommandRejected
		}
	}

	var protoErr *relay.ProtocolError
	switch {
	case errors.As(err, &protoErr):
		return RelayProtocolError
	case errors.Is(err, relay.ErrRequestTimeout):
		return RelayRequestTimeout
	case errors.Is(err, relay.ErrClosed), errors.Is(err, ErrClosed):
		return TransportUnavailable
	case store.IsUnreachable(err):
		return StoreUnreachable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return TransportUnavailable
	default:
		return CommandRejected
	}
}

func wrap(kind TransportKind, err error) error {
	if err == nil {
		return nil
	}
	var engErr *Error
	if errors.As(err, &engErr) {
		return err
	}
	return &Error{Kind: KindOf(err), Transport: kind, Err: err}
}
