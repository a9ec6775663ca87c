package client

import (
	"encoding/json"
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
)

func createTestLogger(t *testing.T) *golog.Logger {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "client-test-logs-*")
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

// recordingSink captures sink callbacks
type recordingSink struct {
	mu       sync.Mutex
	messages []*envelope.MessageRecord
	statuses []sinkStatus
	presence []sinkPresence
	typings  []sinkTyping
}

type sinkStatus struct {
	localID   string
	messageID int64
	status    envelope.DeliveryStatus
}

type sinkPresence struct {
	userID int64
	online bool
}

type sinkTyping struct {
	userID   int64
	isTyping bool
}

func (s *recordingSink) OnMessage(rec *envelope.MessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, rec)
}

func (s *recordingSink) OnStatus(localID string, messageID int64, status envelope.DeliveryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, sinkStatus{localID, messageID, status})
}

func (s *recordingSink) OnPresence(userID int64, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, sinkPresence{userID, online})
}

func (s *recordingSink) OnTyping(userID int64, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typings = append(s.typings, sinkTyping{userID, isTyping})
}

func (s *recordingSink) statusList() []sinkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkStatus, len(s.statuses))
	copy(out, s.statuses)
	return out
}

// relayStub is a test server standing in for the relay: it records inbound
// chat messages and lets the test push server frames back.
type relayStub struct {
	t        *testing.T
	server   *httptest.Server
	inbound  chan *envelope.ChatMessage
	cookies  chan string
	mu       sync.Mutex
	conn     *websocket.Conn
	sendSent bool // answer every chat message with a sent status
	nextID   int64
}

func newRelayStub(t *testing.T, sendSent bool) *relayStub {
	s := &relayStub{
		t:        t,
		inbound:  make(chan *envelope.ChatMessage, 16),
		cookies:  make(chan string, 4),
		sendSent: sendSent,
	}

	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.cookies <- r.Header.Get("Cookie")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg envelope.ChatMessage
			if json.Unmarshal(data, &msg) != nil || msg.Type != envelope.TypeMessage {
				continue
			}
			s.inbound <- &msg
			if s.sendSent {
				s.mu.Lock()
				s.nextID++
				id := s.nextID
				s.mu.Unlock()
				s.push(envelope.NewStatus(id, envelope.StatusSent))
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *relayStub) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// push writes a server frame to the connected agent
func (s *relayStub) push(v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.t.Error("push with no connected agent")
		return
	}
	data, err := json.Marshal(v)
	require.NoError(s.t, err)
	require.NoError(s.t, s.conn.WriteMessage(websocket.TextMessage, data))
}

func (s *relayStub) dropConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func newTestAgent(t *testing.T, url string) *Agent {
	t.Helper()
	a := New(url, "tok-test", 1, createTestLogger(t))
	a.backoff = 10 * time.Millisecond
	t.Cleanup(a.Close)
	return a
}

func TestSend_QueuesWhileDisconnected(t *testing.T) {
	a := newTestAgent(t, "ws://127.0.0.1:1/unreachable")

	localID := a.Send("hello", nil)
	assert.Equal(t, "local-1", localID)
	assert.Equal(t, 1, a.QueueLen())

	st, ok := a.Status(localID)
	require.True(t, ok)
	assert.Equal(t, envelope.StatusSending, st)
	assert.Equal(t, StateDisconnected, a.State())
}

func TestSendTo_SetsReceiver(t *testing.T) {
	a := newTestAgent(t, "ws://127.0.0.1:1/unreachable")

	localID := a.SendTo("direct", 42)
	assert.Equal(t, "local-1", localID)

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.queue, 1)
	require.NotNil(t, a.queue[0].receiverID)
	assert.Equal(t, int64(42), *a.queue[0].receiverID)
}

func TestSend_LocalIDsAreSequential(t *testing.T) {
	a := newTestAgent(t, "ws://127.0.0.1:1/unreachable")

	assert.Equal(t, "local-1", a.Send("one", nil))
	assert.Equal(t, "local-2", a.Send("two", nil))
	assert.Equal(t, "local-3", a.Send("three", nil))
	assert.Equal(t, 3, a.QueueLen())
}

func TestAgent_FlushesQueueOnConnect(t *testing.T) {
	stub := newRelayStub(t, true)
	a := newTestAgent(t, stub.url())

	rid := int64(2)
	first := a.Send("first", &rid)
	second := a.Send("second", nil)

	a.Start()

	// The session cookie rides on the handshake
	select {
	case cookie := <-stub.cookies:
		assert.Contains(t, cookie, constants.SessionCookieName+"=tok-test")
	case <-time.After(2 * time.Second):
		t.Fatal("agent never dialed")
	}

	// Messages arrive in queue order with the agent's identity
	for i, want := range []string{"first", "second"} {
		select {
		case msg := <-stub.inbound:
			assert.Equal(t, want, msg.Content)
			assert.Equal(t, int64(1), msg.SenderID)
			if i == 0 {
				require.NotNil(t, msg.ReceiverID)
				assert.Equal(t, rid, *msg.ReceiverID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q never arrived", want)
		}
	}

	// Sent confirmations resolve in transmission order
	assert.Eventually(t, func() bool {
		st1, _ := a.Status(first)
		st2, _ := a.Status(second)
		return st1 == envelope.StatusSent && st2 == envelope.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, a.QueueLen())
}

func TestAgent_SendWhileConnected(t *testing.T) {
	stub := newRelayStub(t, true)
	a := newTestAgent(t, stub.url())
	a.Start()

	require.Eventually(t, func() bool {
		return a.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	a.Send("live", nil)
	select {
	case msg := <-stub.inbound:
		assert.Equal(t, "live", msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestAgent_ReconnectsAndRequeuesUnacked(t *testing.T) {
	stub := newRelayStub(t, false) // never confirms, messages stay in flight
	a := newTestAgent(t, stub.url())
	a.Start()

	require.Eventually(t, func() bool {
		return a.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	a.Send("unacked", nil)
	select {
	case <-stub.inbound:
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}

	stub.dropConnection()

	// The agent reconnects and retransmits the unconfirmed message
	select {
	case msg := <-stub.inbound:
		assert.Equal(t, "unacked", msg.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not retransmitted after reconnect")
	}
}

func TestAgent_BacksOffBeforeRedialAfterDrop(t *testing.T) {
	var mu sync.Mutex
	var dials []time.Time
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials = append(dials, time.Now())
		n := len(dials)
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection as soon as it is established
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	a := newTestAgent(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	a.backoff = 200 * time.Millisecond
	a.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dials) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// A dropped connection waits out the backoff before the next dial,
	// same as a failed one
	mu.Lock()
	gap := dials[1].Sub(dials[0])
	mu.Unlock()
	assert.GreaterOrEqual(t, gap, a.backoff)
}

func TestAgent_StopsReconnectingWhenSuperseded(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(constants.CloseSuperseded, "superseded by newer connection"),
			time.Now().Add(time.Second))
		// Let the client read the close frame before tearing down
		conn.ReadMessage()
		conn.Close()
	}))
	t.Cleanup(server.Close)

	a := newTestAgent(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	a.backoff = 20 * time.Millisecond
	a.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	// Several backoff periods pass without another dial attempt
	time.Sleep(10 * a.backoff)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, dials)
}

func TestAgent_DispatchesServerEvents(t *testing.T) {
	stub := newRelayStub(t, false)
	a := newTestAgent(t, stub.url())
	sink := &recordingSink{}
	a.Subscribe(sink)
	a.Start()

	require.Eventually(t, func() bool {
		return a.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	rid := int64(1)
	stub.push(&envelope.MessageRecord{
		ID: 7, Content: "incoming", SenderID: 2, ReceiverID: &rid, CreatedAt: time.Now().UTC(),
	})
	stub.push(envelope.NewUserStatus(2, true))
	stub.push(envelope.NewTypingEvent(2, true))

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.messages) == 1 && len(sink.presence) == 1 && len(sink.typings) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, int64(7), sink.messages[0].ID)
	assert.Equal(t, "incoming", sink.messages[0].Content)
	assert.Equal(t, sinkPresence{userID: 2, online: true}, sink.presence[0])
	assert.Equal(t, sinkTyping{userID: 2, isTyping: true}, sink.typings[0])
}

func TestHandleStatus_FIFOCorrelation(t *testing.T) {
	a := newTestAgent(t, "ws://127.0.0.1:1/unreachable")
	sink := &recordingSink{}
	a.Subscribe(sink)

	// Two messages transmitted, neither confirmed yet
	a.mu.Lock()
	a.statuses["local-1"] = envelope.StatusSending
	a.statuses["local-2"] = envelope.StatusSending
	a.inflight = []outgoing{
		{localID: "local-1", content: "one", senderID: 1},
		{localID: "local-2", content: "two", senderID: 1},
	}
	a.mu.Unlock()

	// Sent confirmations arrive in transmission order
	a.handleStatus(&envelope.Status{Type: envelope.TypeStatus, MessageID: 100, Status: envelope.StatusSent})
	a.handleStatus(&envelope.Status{Type: envelope.TypeStatus, MessageID: 101, Status: envelope.StatusSent})

	st, _ := a.Status("local-1")
	assert.Equal(t, envelope.StatusSent, st)
	st, _ = a.Status("local-2")
	assert.Equal(t, envelope.StatusSent, st)

	// Later transitions resolve through the server ID
	a.handleStatus(&envelope.Status{Type: envelope.TypeStatus, MessageID: 100, Status: envelope.StatusDelivered})
	a.handleStatus(&envelope.Status{Type: envelope.TypeStatus, MessageID: 100, Status: envelope.StatusRead})

	st, _ = a.Status("local-1")
	assert.Equal(t, envelope.StatusRead, st)
	st, _ = a.Status("local-2")
	assert.Equal(t, envelope.StatusSent, st)

	got := sink.statusList()
	require.Len(t, got, 4)
	assert.Equal(t, sinkStatus{"local-1", 100, envelope.StatusSent}, got[0])
	assert.Equal(t, sinkStatus{"local-2", 101, envelope.StatusSent}, got[1])
	assert.Equal(t, sinkStatus{"local-1", 100, envelope.StatusDelivered}, got[2])
	assert.Equal(t, sinkStatus{"local-1", 100, envelope.StatusRead}, got[3])
}

func TestHandleStatus_UnknownMessageIgnored(t *testing.T) {
	a := newTestAgent(t, "ws://127.0.0.1:1/unreachable")
	sink := &recordingSink{}
	a.Subscribe(sink)

	// A delivered status for a message this agent never sent
	a.handleStatus(&envelope.Status{Type: envelope.TypeStatus, MessageID: 999, Status: envelope.StatusDelivered})

	assert.Empty(t, sink.statusList())
}

func TestTypingAndMarkRead_NoOpWhileDisconnected(t *testing.T) {
	a := newTestAgent(t, "ws://127.0.0.1:1/unreachable")

	// Ephemeral signals are dropped, not queued
	a.Typing(true, nil)
	a.MarkRead(42)
	assert.Equal(t, 0, a.QueueLen())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
