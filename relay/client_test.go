package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradectl/trading"
)

// fakeRelay serves a websocket endpoint whose replies are produced by respond.
// A nil reply means no response is sent.
func fakeRelay(t *testing.T, greet *Response, respond func(Request) []Response) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if greet != nil {
			_ = conn.WriteJSON(greet)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req Request
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			for _, resp := range respond(req) {
				if err := conn.WriteJSON(resp); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, timeout time.Duration) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, DialOptions{
		RequestTimeout: timeout,
		Logger:         log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPingMatchesCorrelationID(t *testing.T) {
	url := fakeRelay(t, nil, func(req Request) []Response {
		connected := true
		return []Response{{Type: TypePong, CorrelationID: req.CorrelationID, StoreConnected: &connected}}
	})
	c := dial(t, url, time.Second)

	ok, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, c.Pending())
}

func TestUnsolicitedResponseIsDiscardedAndRequestTimesOut(t *testing.T) {
	url := fakeRelay(t, nil, func(req Request) []Response {
		return []Response{{Type: TypeData, CorrelationID: "xyz", Key: trading.KeySettings, Value: json.RawMessage("null")}}
	})
	c := dial(t, url, 150*time.Millisecond)

	_, err := c.Do(context.Background(), Request{Action: ActionGetTradingSettings, CorrelationID: "abc"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestTimeout))
	assert.Equal(t, 0, c.Pending())
}

func TestConcurrentRequestsAreCorrelated(t *testing.T) {
	var mu sync.Mutex
	var held []Request
	url := fakeRelay(t, nil, func(req Request) []Response {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, req)
		if len(held) < 2 {
			return nil
		}
		// Answer in reverse order.
		out := []Response{}
		for i := len(held) - 1; i >= 0; i-- {
			out = append(out, Response{Type: TypeSuccess, CorrelationID: held[i].CorrelationID, Action: held[i].CorrelationID})
		}
		held = nil
		return out
	})
	c := dial(t, url, 2*time.Second)

	var wg sync.WaitGroup
	results := make(map[string]string)
	var rmu sync.Mutex
	for _, id := range []string{"first", "second"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			resp, err := c.Do(context.Background(), Request{Action: ActionSetTradingSettings, CorrelationID: id})
			assert.NoError(t, err)
			rmu.Lock()
			results[id] = resp.Action
			rmu.Unlock()
		}(id)
	}
	wg.Wait()

	assert.Equal(t, "first", results["first"])
	assert.Equal(t, "second", results["second"])
}

func TestErrorResponseBecomesRemoteError(t *testing.T) {
	url := fakeRelay(t, nil, func(req Request) []Response {
		return []Response{ErrorResponse(req.CorrelationID, CodeProtocol, MessageUnknownAction)}
	})
	c := dial(t, url, time.Second)

	err := c.SetTradingSettings(context.Background(), trading.Default())
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, CodeProtocol, remote.Code)
	assert.Equal(t, MessageUnknownAction, remote.Message)
}

func TestUnexpectedResponseTypeIsProtocolError(t *testing.T) {
	url := fakeRelay(t, nil, func(req Request) []Response {
		return []Response{{Type: TypeSuccess, CorrelationID: req.CorrelationID}}
	})
	c := dial(t, url, time.Second)

	_, err := c.Ping(context.Background())
	var perr *ProtocolError
	assert.True(t, errors.As(err, &perr))
}

func TestGetTradingSettingsNullValue(t *testing.T) {
	url := fakeRelay(t, nil, func(req Request) []Response {
		return []Response{{Type: TypeData, CorrelationID: req.CorrelationID, Key: trading.KeySettings, Value: json.RawMessage("null")}}
	})
	c := dial(t, url, time.Second)

	s, err := c.GetTradingSettings(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGreetingRecordsStoreConnected(t *testing.T) {
	connected := true
	url := fakeRelay(t, &Response{Type: TypeConnection, Status: "connected", StoreConnected: &connected}, func(Request) []Response { return nil })
	c := dial(t, url, time.Second)

	assert.Eventually(t, c.StoreConnected, time.Second, 10*time.Millisecond)
}

func TestCloseFailsPendingRequest(t *testing.T) {
	url := fakeRelay(t, nil, func(Request) []Response { return nil })
	c := dial(t, url, 5*time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), Request{Action: ActionPing})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not released by Close")
	}

	_, err := c.Do(context.Background(), Request{Action: ActionPing})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestCorrelationIDNotReusedWhilePending(t *testing.T) {
	url := fakeRelay(t, nil, func(Request) []Response { return nil })
	c := dial(t, url, 500*time.Millisecond)

	go func() {
		_, _ = c.Do(context.Background(), Request{Action: ActionPing, CorrelationID: "dup"})
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.Do(context.Background(), Request{Action: ActionPing, CorrelationID: "dup"})
	var perr *ProtocolError
	assert.True(t, errors.As(err, &perr))
}

func TestDecodeRequest(t *testing.T) {
	_, err := DecodeRequest([]byte("{not json"))
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))

	req, err := DecodeRequest([]byte(`{"correlation_id":"c1"}`))
	require.Error(t, err)
	assert.Equal(t, "c1", req.CorrelationID)

	req, err = DecodeRequest([]byte(`{"action":"ping","correlation_id":"c2"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionPing, req.Action)
}
