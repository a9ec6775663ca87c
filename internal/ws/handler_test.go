package ws

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/envelope"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
	"github.com/real-rm/chatrelay/internal/sessionauth"
)

func createTestLogger(t *testing.T) *golog.Logger {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "ws-test-logs-*")
	if err != nil {
		t.Fatalf("Failed to create temp log dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	logger, err := golog.InitLog(golog.LogConfig{
		Dir:            tmpDir,
		Level:          "error",
		StandardOutput: false,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

// mapLifecycle is a minimal registry standing in for presence tracking
type mapLifecycle struct {
	mu    sync.Mutex
	conns map[int64]*Conn
}

func newMapLifecycle() *mapLifecycle {
	return &mapLifecycle{conns: make(map[int64]*Conn)}
}

func (l *mapLifecycle) Connected(conn *Conn) *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := l.conns[conn.UserID]
	l.conns[conn.UserID] = conn
	return evicted
}

func (l *mapLifecycle) Disconnected(conn *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[conn.UserID] != conn {
		return false
	}
	delete(l.conns, conn.UserID)
	return true
}

func (l *mapLifecycle) lookup(userID int64) *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[userID]
}

// recordingDispatcher captures dispatched envelopes
type recordingDispatcher struct {
	mu       sync.Mutex
	messages []*envelope.ChatMessage
	typings  []*envelope.Typing
	statuses []*envelope.Status
	err      error
}

func (d *recordingDispatcher) HandleMessage(_ *Conn, msg *envelope.ChatMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
	return d.err
}

func (d *recordingDispatcher) HandleTyping(_ *Conn, t *envelope.Typing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typings = append(d.typings, t)
	return d.err
}

func (d *recordingDispatcher) HandleStatus(_ *Conn, s *envelope.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, s)
	return d.err
}

func (d *recordingDispatcher) messageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

// relayFixture wires a handler behind a live test server
type relayFixture struct {
	server     *httptest.Server
	handler    *Handler
	lifecycle  *mapLifecycle
	dispatcher *recordingDispatcher
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	store := sessionauth.NewMemoryStore(map[string]*sessionauth.Session{
		"tok-alice": {UserID: 1, Username: "alice"},
		"tok-bob":   {UserID: 2, Username: "bob"},
	})
	resolver := sessionauth.NewResolver(store, createTestLogger(t))
	lifecycle := newMapLifecycle()
	dispatcher := &recordingDispatcher{}
	handler := NewHandler(resolver, lifecycle, dispatcher, createTestLogger(t))

	server := httptest.NewServer(http.HandlerFunc(handler.HandleUpgrade))
	t.Cleanup(server.Close)

	return &relayFixture{
		server:     server,
		handler:    handler,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
	}
}

func (f *relayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{}
	if token != "" {
		header.Set("Cookie", constants.SessionCookieName+"="+token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClose reads until the peer closes and returns the close code
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected a close frame, got %v", err)
		return closeErr.Code
	}
}

func TestHandleUpgrade_AuthFailuresCloseWithPolicyCode(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		wantClose int
	}{
		{"no session token", "", constants.CloseUnauthenticated},
		{"unknown token", "tok-nobody", constants.CloseInvalidSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(t)

			// The upgrade itself succeeds; the failure arrives as a close frame
			conn := f.dial(t, tt.token)
			assert.Equal(t, tt.wantClose, expectClose(t, conn))
			assert.Nil(t, f.lifecycle.lookup(1))
		})
	}
}

func TestHandleUpgrade_BindsAuthenticatedIdentity(t *testing.T) {
	f := newRelayFixture(t)

	f.dial(t, "tok-alice")

	require.Eventually(t, func() bool {
		return f.lifecycle.lookup(1) != nil
	}, time.Second, 10*time.Millisecond)

	bound := f.lifecycle.lookup(1)
	assert.Equal(t, int64(1), bound.UserID)
	assert.Equal(t, "alice", bound.Username)
	assert.NotEmpty(t, bound.ConnectionID)
}

func TestHandleUpgrade_SupersedeClosesOlderConnection(t *testing.T) {
	f := newRelayFixture(t)

	first := f.dial(t, "tok-alice")
	require.Eventually(t, func() bool {
		return f.lifecycle.lookup(1) != nil
	}, time.Second, 10*time.Millisecond)
	older := f.lifecycle.lookup(1)

	f.dial(t, "tok-alice")
	require.Eventually(t, func() bool {
		return f.lifecycle.lookup(1) != older
	}, time.Second, 10*time.Millisecond)

	// The older connection gets the supersede close code; the newer one
	// keeps the identity.
	assert.Equal(t, constants.CloseSuperseded, expectClose(t, first))
	assert.NotNil(t, f.lifecycle.lookup(1))
}

func TestReadPump_DispatchesEnvelopes(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial(t, "tok-alice")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","content":"hello","senderId":1}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"typing","isTyping":true}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"messageStatus","messageId":4,"status":"read"}`)))

	require.Eventually(t, func() bool {
		f.dispatcher.mu.Lock()
		defer f.dispatcher.mu.Unlock()
		return len(f.dispatcher.messages) == 1 &&
			len(f.dispatcher.typings) == 1 &&
			len(f.dispatcher.statuses) == 1
	}, time.Second, 10*time.Millisecond)

	f.dispatcher.mu.Lock()
	defer f.dispatcher.mu.Unlock()
	assert.Equal(t, "hello", f.dispatcher.messages[0].Content)
	assert.True(t, f.dispatcher.typings[0].IsTyping)
	assert.Equal(t, envelope.StatusRead, f.dispatcher.statuses[0].Status)
}

func TestReadPump_MalformedFrameIsRecoverable(t *testing.T) {
	f := newRelayFixture(t)

	conn := f.dial(t, "tok-alice")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"balloon"}`)))

	// The client is told about the bad frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "MALFORMED_ENVELOPE")

	// And the connection still works afterwards
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","content":"still here","senderId":1}`)))
	require.Eventually(t, func() bool {
		return f.dispatcher.messageCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestReadPump_DispatchRelayErrorReachesClient(t *testing.T) {
	f := newRelayFixture(t)
	f.dispatcher.err = errTestDispatch

	conn := f.dial(t, "tok-alice")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message","content":"hello","senderId":1}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "INVALID_MESSAGE")
}

func TestTeardown_Idempotent(t *testing.T) {
	f := newRelayFixture(t)

	client := f.dial(t, "tok-alice")
	require.Eventually(t, func() bool {
		return f.lifecycle.lookup(1) != nil
	}, time.Second, 10*time.Millisecond)
	bound := f.lifecycle.lookup(1)

	f.handler.Teardown(bound, websocket.CloseNormalClosure, "")
	f.handler.Teardown(bound, websocket.CloseNormalClosure, "")
	f.handler.Reap(bound, "heartbeat timeout")

	assert.Equal(t, websocket.CloseNormalClosure, expectClose(t, client))
	assert.Nil(t, f.lifecycle.lookup(1))
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(nil, nil, nil, createTestLogger(t))

	tests := []struct {
		name    string
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{"no origin header", "", "example.com", nil, true},
		{"same host", "https://example.com", "example.com", nil, true},
		{"cross host without allowlist", "https://evil.com", "example.com", nil, false},
		{"allowlisted origin", "https://app.example.com", "example.com", []string{"https://app.example.com"}, true},
		{"origin not in allowlist", "https://evil.com", "example.com", []string{"https://app.example.com"}, false},
		{"unparseable origin", "://bad", "example.com", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.allowed != nil {
				h.SetAllowedOrigins(tt.allowed)
			} else {
				h.allowedOrigins = nil
			}

			req := httptest.NewRequest("GET", "/chatrelay/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, h.checkOrigin(req))
		})
	}
}

func TestConnectionID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := connectionID(1)
		assert.False(t, seen[id], "duplicate connection id %q", id)
		seen[id] = true
		assert.True(t, strings.HasPrefix(id, "1-"))
	}
}

var errTestDispatch error = relayerrors.ErrInvalidMessage("rejected for test")
