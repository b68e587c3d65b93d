// Package relay implements the JSON message protocol that carries trading
// commands to the key-value store through the relay server.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradectl/trading"
)

// Request actions.
const (
	ActionPing               = "ping"
	ActionSetTradingSettings = "set_trading_settings"
	ActionGetTradingSettings = "get_trading_settings"
	ActionGetSystemStatus    = "get_system_status"
)

// Response types.
const (
	TypeConnection = "connection"
	TypeSuccess    = "success"
	TypeError      = "error"
	TypeData       = "data"
	TypePong       = "pong"
)

// Error codes carried by TypeError responses.
const (
	CodeProtocol         = "protocol"
	CodeStoreUnreachable = "store_unreachable"
	CodeRejected         = "rejected"
)

// MessageUnknownAction is the error message for unsupported actions.
const MessageUnknownAction = "unknown action"

// Request is a client to server message.
type Request struct {
	Action        string            `json:"action"`
	CorrelationID string            `json:"correlation_id"`
	Settings      *trading.Settings `json:"settings,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
	IssuedAt      time.Time         `json:"issued_at"`
}

// Response is a server to client message.
type Response struct {
	Type           string            `json:"type"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Action         string            `json:"action,omitempty"`
	Status         string            `json:"status,omitempty"`
	Settings       *trading.Settings `json:"settings,omitempty"`
	Key            string            `json:"key,omitempty"`
	Value          json.RawMessage   `json:"value,omitempty"`
	Code           string            `json:"code,omitempty"`
	Message        string            `json:"message,omitempty"`
	StoreConnected *bool             `json:"store_connected,omitempty"`
}

// ErrRequestTimeout means no matching response arrived before the deadline.
var ErrRequestTimeout = errors.New("relay: request timed out")

// ErrClosed is returned for requests on, or interrupted by, a closed client.
var ErrClosed = errors.New("relay: client closed")

// ProtocolError reports a malformed or unexpected message.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "relay: protocol error: " + e.Reason
}

// RemoteError is an explicit error response from the relay server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "relay: server error: " + e.Message
	}
	return fmt.Sprintf("relay: server error (%s): %s", e.Code, e.Message)
}

// DecodeRequest parses one inbound frame.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &ProtocolError{Reason: fmt.Sprintf("malformed message: %v", err)}
	}
	if req.Action == "" {
		return req, &ProtocolError{Reason: "missing action"}
	}
	return req, nil
}

// ErrorResponse builds a TypeError reply.
func ErrorResponse(correlationID, code, message string) Response {
	return Response{Type: TypeError, CorrelationID: correlationID, Code: code, Message: message}
}
