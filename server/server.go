// Package server is the relay: it accepts relay-protocol websocket clients and
// forwards their validated commands to the one downstream store connection.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradectl/relay"
	"tradectl/store"
	"tradectl/trading"
)

const (
	DefaultPath = "/redis"

	defaultQueueBuffer  = 64
	defaultSendBuffer   = 16
	defaultStoreTimeout = 3 * time.Second
	writeWait           = 2 * time.Second
	maxMessageSize      = 64 * 1024
)

// Options configures a Server.
type Options struct {
	Path         string
	AuthToken    string
	StoreTimeout time.Duration
	QueueBuffer  int
	SendBuffer   int
	Logger       *log.Logger
}

// Server multiplexes every relay client over one store.
type Server struct {
	opts     Options
	st       store.Store
	queue    *storeQueue
	upgrader websocket.Upgrader
	logger   *log.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

type healthResponse struct {
	StoreConnected bool `json:"store_connected"`
	Clients        int  `json:"clients"`
}

func New(st store.Store, opts Options) *Server {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.QueueBuffer <= 0 {
		opts.QueueBuffer = defaultQueueBuffer
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		opts:     opts,
		st:       st,
		queue:    newStoreQueue(st, opts.QueueBuffer, opts.StoreTimeout),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger,
		now:      time.Now,
		sessions: make(map[*session]struct{}),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.opts.Path, s.withAuth(http.HandlerFunc(s.handleRelay)))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Clients returns the number of connected relay clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disconnects every relay client, stops the store worker and closes the
// store connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()
	s.queue.Stop()
	return s.st.Close()
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); header != "" {
			// A present header must carry the Bearer scheme.
			bearer, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				bearer = ""
			}
			token = bearer
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("missing or invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.StoreTimeout)
	defer cancel()

	resp := healthResponse{StoreConnected: s.queue.Ping(ctx) == nil, Clients: s.Clients()}
	code := http.StatusOK
	if !resp.StoreConnected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := newSession(s, conn)
	if !s.register(sess) {
		_ = conn.Close()
		return
	}
	defer s.unregister(sess)

	s.logger.Printf("[relay] client %s connected from %s", sess.id, r.RemoteAddr)
	sess.run()
	s.logger.Printf("[relay] client %s disconnected", sess.id)
}

func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

// handle executes one request against the store queue. It never returns an
// error; failures become TypeError responses.
func (s *Server) handle(ctx context.Context, req relay.Request) relay.Response {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	switch req.Action {
	case relay.ActionPing:
		connected := s.queue.Ping(ctx) == nil
		return relay.Response{Type: relay.TypePong, CorrelationID: req.CorrelationID, StoreConnected: &connected}

	case relay.ActionSetTradingSettings:
		if req.Settings == nil {
			return relay.ErrorResponse(req.CorrelationID, relay.CodeProtocol, "missing settings")
		}
		if err := req.Settings.Validate(); err != nil {
			return relay.ErrorResponse(req.CorrelationID, relay.CodeRejected, err.Error())
		}
		if err := s.queue.SetSettings(ctx, *req.Settings); err != nil {
			s.logger.Printf("[relay] set_trading_settings %s failed: %v", req.CorrelationID, err)
			return storeError(req.CorrelationID, err)
		}
		s.logger.Printf("[relay] trading settings updated: enabled=%t", req.Settings.Enabled)
		return relay.Response{
			Type:          relay.TypeSuccess,
			CorrelationID: req.CorrelationID,
			Action:        relay.ActionSetTradingSettings,
			Settings:      req.Settings,
		}

	case relay.ActionGetTradingSettings:
		value, ok, err := s.queue.Get(ctx, trading.KeySettings)
		if err != nil {
			return storeError(req.CorrelationID, err)
		}
		if !ok {
			value = []byte("null")
		}
		return relay.Response{Type: relay.TypeData, CorrelationID: req.CorrelationID, Key: trading.KeySettings, Value: value}

	case relay.ActionGetSystemStatus:
		value, ok, err := s.queue.Get(ctx, trading.KeySystemStatus)
		if err != nil && !store.IsUnreachable(err) {
			return storeError(req.CorrelationID, err)
		}
		if err != nil || !ok {
			value, _ = json.Marshal(trading.SystemStatus{
				StoreConnected: err == nil,
				RelayConnected: true,
				LastHeartbeat:  s.now().UTC(),
			})
		}
		return relay.Response{Type: relay.TypeData, CorrelationID: req.CorrelationID, Key: trading.KeySystemStatus, Value: value}

	default:
		return relay.ErrorResponse(req.CorrelationID, relay.CodeProtocol, relay.MessageUnknownAction)
	}
}

func storeError(correlationID string, err error) relay.Response {
	code := relay.CodeRejected
	if store.IsUnreachable(err) || errors.Is(err, errQueueStopped) || errors.Is(err, context.DeadlineExceeded) {
		code = relay.CodeStoreUnreachable
	}
	return relay.ErrorResponse(correlationID, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
