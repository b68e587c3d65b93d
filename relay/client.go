package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradectl/trading"
)

const (
	defaultRequestTimeout   = 5 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	writeWait               = 2 * time.Second
)

// DialOptions configures a Client.
type DialOptions struct {
	Credential       string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	Logger           *log.Logger
}

type pendingRequest struct {
	id       string
	deadline time.Time
	reply    chan Response
}

// Client correlates responses from the relay server with outstanding requests.
// Every request ends in exactly one response or exactly one timeout.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	logger  *log.Logger

	writeMu sync.Mutex

	mu             sync.Mutex
	pending        map[string]*pendingRequest
	storeConnected bool
	closed         bool
	done           chan struct{}
	closeErr       error
}

// Dial connects to a relay server at url, e.g. ws://localhost:6381/redis.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshake}

	header := http.Header{}
	if opts.Credential != "" {
		header.Set("Authorization", "Bearer "+opts.Credential)
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}
	return newClient(conn, opts), nil
}

func newClient(conn *websocket.Conn, opts DialOptions) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		conn:    conn,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Do sends req and waits for the response carrying the same correlation id.
// An empty CorrelationID is filled with a fresh UUID.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	if req.IssuedAt.IsZero() {
		req.IssuedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	p := &pendingRequest{id: req.CorrelationID, deadline: deadline, reply: make(chan Response, 1)}
	if err := c.register(p); err != nil {
		return Response{}, err
	}

	if err := c.write(req); err != nil {
		c.take(p.id)
		return Response{}, err
	}

	select {
	case resp := <-p.reply:
		return resp, nil
	case <-ctx.Done():
	case <-c.done:
	}

	if c.take(p.id) == nil {
		// The read loop claimed the request first; its reply is already buffered.
		return <-p.reply, nil
	}
	select {
	case <-c.done:
		return Response{}, ErrClosed
	default:
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Response{}, fmt.Errorf("%w: %s %s", ErrRequestTimeout, req.Action, req.CorrelationID)
	}
	return Response{}, ctx.Err()
}

// Ping reports whether the relay currently has a store connection.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	resp, err := c.Do(ctx, Request{Action: ActionPing})
	if err != nil {
		return false, err
	}
	if err := expect(resp, TypePong); err != nil {
		return false, err
	}
	return resp.StoreConnected != nil && *resp.StoreConnected, nil
}

// SetTradingSettings writes the full record through the relay.
func (c *Client) SetTradingSettings(ctx context.Context, s trading.Settings) error {
	resp, err := c.Do(ctx, Request{Action: ActionSetTradingSettings, Settings: &s})
	if err != nil {
		return err
	}
	return expect(resp, TypeSuccess)
}

// GetTradingSettings returns nil when the store holds no record.
func (c *Client) GetTradingSettings(ctx context.Context) (*trading.Settings, error) {
	resp, err := c.Do(ctx, Request{Action: ActionGetTradingSettings})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, TypeData); err != nil {
		return nil, err
	}
	if len(resp.Value) == 0 || string(resp.Value) == "null" {
		return nil, nil
	}
	var s trading.Settings
	if err := json.Unmarshal(resp.Value, &s); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("decode %s: %v", trading.KeySettings, err)}
	}
	return &s, nil
}

// GetSystemStatus returns the raw system_status value.
func (c *Client) GetSystemStatus(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.Do(ctx, Request{Action: ActionGetSystemStatus})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, TypeData); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// StoreConnected is the flag from the server's greeting.
func (c *Client) StoreConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeConnected
}

// Pending returns the number of outstanding requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) register(p *pendingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, dup := c.pending[p.id]; dup {
		return &ProtocolError{Reason: fmt.Sprintf("correlation id %s already in flight", p.id)}
	}
	c.pending[p.id] = p
	return nil
}

func (c *Client) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) write(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("relay: send %s: %w", req.Action, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Printf("[relay] discarding malformed frame: %v", err)
			continue
		}

		if resp.Type == TypeConnection {
			c.mu.Lock()
			c.storeConnected = resp.StoreConnected != nil && *resp.StoreConnected
			c.mu.Unlock()
			continue
		}

		p := c.take(resp.CorrelationID)
		if p == nil {
			c.logger.Printf("[relay] discarding unsolicited %s response (correlation id %q)", resp.Type, resp.CorrelationID)
			continue
		}
		p.reply <- resp
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

func expect(resp Response, typ string) error {
	if resp.Type == TypeError {
		return &RemoteError{Code: resp.Code, Message: resp.Message}
	}
	if resp.Type != typ {
		return &ProtocolError{Reason: fmt.Sprintf("expected %s response, got %q", typ, resp.Type)}
	}
	return nil
}
