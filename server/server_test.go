package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradectl/relay"
	"tradectl/store"
	"tradectl/trading"
)

var quiet = log.New(io.Discard, "", 0)

func startRelay(t *testing.T, st store.Store, opts Options) (*Server, string) {
	t.Helper()
	opts.Logger = quiet
	srv := New(st, opts)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + srv.opts.Path
}

func connect(t *testing.T, url string, credential string) *relay.Client {
	t.Helper()
	c, err := relay.Dial(context.Background(), url, relay.DialOptions{
		Credential:     credential,
		RequestTimeout: 2 * time.Second,
		Logger:         quiet,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGreetingAndPing(t *testing.T) {
	_, url := startRelay(t, store.NewMemory(), Options{})
	c := connect(t, url, "")

	assert.Eventually(t, c.StoreConnected, time.Second, 10*time.Millisecond)

	ok, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetAndGetTradingSettings(t *testing.T) {
	mem := store.NewMemory()
	_, url := startRelay(t, mem, Options{})
	c := connect(t, url, "")
	ctx := context.Background()

	got, err := c.GetTradingSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	s := trading.Default()
	s.Enabled = true
	s.SessionID = "sess-1"
	require.NoError(t, c.SetTradingSettings(ctx, s))

	got, err = c.GetTradingSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equivalent(s))
	assert.Equal(t, "sess-1", got.SessionID)

	status, ok, err := mem.Get(ctx, trading.KeyStatus)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, trading.StatusActive, string(status))
}

func TestUnknownActionRejected(t *testing.T) {
	_, url := startRelay(t, store.NewMemory(), Options{})
	c := connect(t, url, "")

	resp, err := c.Do(context.Background(), relay.Request{Action: "flushall", CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, relay.TypeError, resp.Type)
	assert.Equal(t, "c-1", resp.CorrelationID)
	assert.Equal(t, relay.MessageUnknownAction, resp.Message)
	assert.Equal(t, relay.CodeProtocol, resp.Code)
}

func TestMalformedFrameGetsProtocolError(t *testing.T) {
	_, url := startRelay(t, store.NewMemory(), Options{})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var greeting relay.Response
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, relay.TypeConnection, greeting.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	var resp relay.Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, relay.TypeError, resp.Type)
	assert.Equal(t, relay.CodeProtocol, resp.Code)
}

func TestInvalidSettingsRejected(t *testing.T) {
	mem := store.NewMemory()
	_, url := startRelay(t, mem, Options{})
	c := connect(t, url, "")

	bad := trading.Default()
	bad.BuyThresholdPct = 7
	err := c.SetTradingSettings(context.Background(), bad)

	var remote *relay.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, relay.CodeRejected, remote.Code)
	assert.Equal(t, 0, mem.Writes())
}

func TestStoreDownReportsUnreachable(t *testing.T) {
	mem := store.NewMemory()
	_, url := startRelay(t, mem, Options{})
	c := connect(t, url, "")
	mem.SetDown(true)

	ok, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	err = c.SetTradingSettings(context.Background(), trading.Default())
	var remote *relay.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, relay.CodeStoreUnreachable, remote.Code)

	raw, err := c.GetSystemStatus(context.Background())
	require.NoError(t, err)
	var status trading.SystemStatus
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.False(t, status.StoreConnected)
	assert.True(t, status.RelayConnected)
}

func TestClientDisconnectKeepsStoreForOthers(t *testing.T) {
	mem := store.NewMemory()
	srv, url := startRelay(t, mem, Options{})

	first := connect(t, url, "")
	second := connect(t, url, "")
	require.Eventually(t, func() bool { return srv.Clients() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, first.SetTradingSettings(context.Background(), trading.Default()))
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, time.Second, 10*time.Millisecond)

	s := trading.Default()
	s.Enabled = true
	require.NoError(t, second.SetTradingSettings(context.Background(), s))
	assert.Equal(t, 2, mem.Writes())
}

func TestAuthToken(t *testing.T) {
	_, url := startRelay(t, store.NewMemory(), Options{AuthToken: "pass123"})

	_, err := relay.Dial(context.Background(), url, relay.DialOptions{Logger: quiet})
	require.Error(t, err)

	c := connect(t, url, "pass123")
	ok, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthRequiresBearerScheme(t *testing.T) {
	_, url := startRelay(t, store.NewMemory(), Options{AuthToken: "pass123"})

	dial := func(target string, header http.Header) int {
		conn, resp, err := websocket.DefaultDialer.Dial(target, header)
		if err == nil {
			conn.Close()
			return http.StatusSwitchingProtocols
		}
		require.NotNil(t, resp, "dial %s: %v", target, err)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, dial(url, http.Header{"Authorization": {"pass123"}}))
	assert.Equal(t, http.StatusUnauthorized, dial(url, http.Header{"Authorization": {"Basic pass123"}}))
	assert.Equal(t, http.StatusUnauthorized, dial(url, http.Header{"Authorization": {"Bearer wrong"}}))
	assert.Equal(t, http.StatusUnauthorized, dial(url+"?token=pass12", nil))
	assert.Equal(t, http.StatusSwitchingProtocols, dial(url, http.Header{"Authorization": {"Bearer pass123"}}))
	assert.Equal(t, http.StatusSwitchingProtocols, dial(url+"?token=pass123", nil))
}

func TestCloseDisconnectsClients(t *testing.T) {
	srv, url := startRelay(t, store.NewMemory(), Options{})
	c := connect(t, url, "")
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not disconnected on server close")
	}
	assert.Equal(t, 0, srv.Clients())
}

func TestSystemStatusPrefersStoredValue(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.SetMany(context.Background(), map[string][]byte{
		trading.KeySystemStatus: []byte(`{"worker":"up"}`),
	}))
	_, url := startRelay(t, mem, Options{})
	c := connect(t, url, "")

	raw, err := c.GetSystemStatus(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"worker":"up"}`, string(raw))
}

func TestHealthz(t *testing.T) {
	mem := store.NewMemory()
	srv := New(mem, Options{Logger: quiet})
	defer srv.Close()

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mem.SetDown(true)
	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueStopFailsSubmissions(t *testing.T) {
	q := newStoreQueue(store.NewMemory(), 1, time.Second)
	q.Stop()
	q.Stop()

	err := q.Ping(context.Background())
	assert.True(t, errors.Is(err, errQueueStopped))
}
