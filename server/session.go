package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradectl/relay"
)

// session is one relay client. Reads and writes run on separate goroutines so
// a slow peer only ever stalls itself.
type session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	send   chan relay.Response
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:     uuid.NewString(),
		srv:    srv,
		conn:   conn,
		send:   make(chan relay.Response, srv.opts.SendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *session) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.greet()
	s.readLoop()
	s.close()
	<-writerDone
}

func (s *session) greet() {
	ctx, cancel := context.WithTimeout(s.ctx, s.srv.opts.StoreTimeout)
	defer cancel()
	connected := s.srv.queue.Ping(ctx) == nil
	s.enqueue(relay.Response{Type: relay.TypeConnection, Status: "connected", StoreConnected: &connected})
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		req, err := relay.DecodeRequest(data)
		if err != nil {
			s.srv.logger.Printf("[relay] client %s: %v", s.id, err)
			if !s.enqueue(relay.ErrorResponse(req.CorrelationID, relay.CodeProtocol, err.Error())) {
				return
			}
			continue
		}

		if !s.enqueue(s.srv.handle(s.ctx, req)) {
			return
		}
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case resp := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(resp); err != nil {
				s.srv.logger.Printf("[relay] client %s: write failed: %v", s.id, err)
				s.close()
				return
			}
		}
	}
}

func (s *session) enqueue(resp relay.Response) bool {
	select {
	case s.send <- resp:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
		_ = s.conn.Close()
	})
}
