// Package client implements a relay client agent: it maintains a WebSocket
// connection to the service, reconnects with a fixed backoff when the
// connection drops, and queues outbound messages while offline so callers
// can send without caring about connection state.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/envelope"
	"github.com/real-rm/chatrelay/internal/util"
	"github.com/real-rm/golog"
)

// State describes the agent's connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventSink receives server events. Callbacks run synchronously on the
// agent's read loop; slow sinks delay subsequent events.
type EventSink interface {
	OnMessage(rec *envelope.MessageRecord)
	OnStatus(localID string, messageID int64, status envelope.DeliveryStatus)
	OnPresence(userID int64, online bool)
	OnTyping(userID int64, isTyping bool)
}

// outgoing is a locally queued message awaiting transmission
type outgoing struct {
	localID    string
	content    string
	senderID   int64
	receiverID *int64
}

// Agent is a reconnecting relay client
type Agent struct {
	url     string
	token   string
	userID  int64
	backoff time.Duration
	dialer  *websocket.Dialer
	logger  *golog.Logger

	// flushMu serializes flush so the peek-write-pop sequence cannot
	// interleave between a caller's Send and the connect loop.
	flushMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	queue    []outgoing // not yet transmitted, FIFO
	inflight []outgoing // transmitted, awaiting the sent status
	statuses map[string]envelope.DeliveryStatus
	byServer map[int64]string // server message ID -> local ID
	sinks    []EventSink
	seq      int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an agent for the given relay endpoint.
// url is the WebSocket endpoint, token the session token presented as the
// session cookie, userID the identity the token resolves to.
func New(url, token string, userID int64, logger *golog.Logger) *Agent {
	return &Agent{
		url:      url,
		token:    token,
		userID:   userID,
		backoff:  constants.DefaultReconnectBackoff,
		dialer:   websocket.DefaultDialer,
		logger:   logger.WithGroup("client"),
		statuses: make(map[string]envelope.DeliveryStatus),
		byServer: make(map[int64]string),
		stop:     make(chan struct{}),
	}
}

// Subscribe registers an event sink. All registered sinks receive every
// event in registration order.
func (a *Agent) Subscribe(sink EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks = append(a.sinks, sink)
}

// State returns the current connection state
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status returns the delivery status of a message by its local ID
func (a *Agent) Status(localID string) (envelope.DeliveryStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.statuses[localID]
	return st, ok
}

// QueueLen returns the number of messages waiting for transmission
func (a *Agent) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Start launches the connect loop
func (a *Agent) Start() {
	a.wg.Add(1)
	util.SafeGo(a.logger, "client-connect-loop", func() {
		defer a.wg.Done()
		a.run()
	})
}

// Close stops the agent and closes any live connection
func (a *Agent) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// Send queues a message for delivery and returns its local ID.
// The message is transmitted immediately when connected, otherwise on the
// next successful reconnect. Queue order is preserved across disconnects.
func (a *Agent) Send(content string, receiverID *int64) string {
	a.mu.Lock()
	a.seq++
	localID := fmt.Sprintf("local-%d", a.seq)
	a.statuses[localID] = envelope.StatusSending
	a.queue = append(a.queue, outgoing{
		localID:    localID,
		content:    content,
		senderID:   a.userID,
		receiverID: receiverID,
	})
	connected := a.state == StateConnected
	a.mu.Unlock()

	if connected {
		a.flush()
	}
	return localID
}

// SendTo queues a direct message for a single receiver
func (a *Agent) SendTo(content string, receiverID int64) string {
	return a.Send(content, &receiverID)
}

// Typing sends a typing indicator. Dropped silently when disconnected;
// indicators are ephemeral and never queued.
func (a *Agent) Typing(isTyping bool, target *int64) {
	a.writeJSON(&envelope.Typing{
		Type:     envelope.TypeTyping,
		IsTyping: isTyping,
		UserID:   target,
	})
}

// MarkRead reports a read receipt for a received message
func (a *Agent) MarkRead(messageID int64) {
	a.writeJSON(envelope.NewStatus(messageID, envelope.StatusRead))
}

// run is the connect loop: dial, serve, back off, repeat. Every attempt
// after the first waits out the fixed backoff, whether the previous one
// failed to dial or connected and then dropped. A connection evicted by a
// newer one for the same identity ends the loop instead of fighting it.
func (a *Agent) run() {
	first := true
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		if !first {
			select {
			case <-time.After(a.backoff):
			case <-a.stop:
				return
			}
		}
		first = false

		a.setState(StateConnecting)
		conn, err := a.dial()
		if err != nil {
			a.logger.Warn("Connect failed, backing off",
				"url", a.url, "backoff", a.backoff, "error", err)
			a.setState(StateDisconnected)
			continue
		}

		a.mu.Lock()
		a.conn = conn
		a.state = StateConnected
		a.mu.Unlock()
		a.logger.Info("Connected", "url", a.url)

		a.flush()
		superseded := a.readLoop(conn)

		// Anything transmitted but never confirmed sent goes back to the
		// front of the queue in its original order.
		a.mu.Lock()
		a.conn = nil
		a.state = StateDisconnected
		if len(a.inflight) > 0 {
			requeued := make([]outgoing, 0, len(a.inflight)+len(a.queue))
			requeued = append(requeued, a.inflight...)
			requeued = append(requeued, a.queue...)
			a.inflight = nil
			a.queue = requeued
		}
		a.mu.Unlock()

		if superseded {
			a.logger.Warn("Superseded by a newer connection, not reconnecting",
				"url", a.url)
			return
		}
	}
}

// dial opens the WebSocket connection with the session cookie attached
func (a *Agent) dial() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Cookie", fmt.Sprintf("%s=%s", constants.SessionCookieName, a.token))

	ctx, cancel := context.WithTimeout(context.Background(), constants.SessionLookupTimeout)
	defer cancel()

	conn, _, err := a.dialer.DialContext(ctx, a.url, header)
	return conn, err
}

// flush transmits every queued message in order
func (a *Agent) flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	for {
		a.mu.Lock()
		if a.state != StateConnected || len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		next := a.queue[0]
		conn := a.conn
		a.mu.Unlock()

		msg := &envelope.ChatMessage{
			Type:       envelope.TypeMessage,
			Content:    next.content,
			SenderID:   next.senderID,
			ReceiverID: next.receiverID,
		}
		data, err := util.MarshalJSON(msg)
		if err != nil {
			a.mu.Lock()
			a.queue = a.queue[1:]
			a.mu.Unlock()
			continue
		}

		if err := a.write(conn, data); err != nil {
			// The read loop notices the broken connection; the message stays
			// queued for the next connect.
			return
		}

		a.mu.Lock()
		a.queue = a.queue[1:]
		a.inflight = append(a.inflight, next)
		a.mu.Unlock()
	}
}

// write performs a single frame write under the connection lock
func (a *Agent) write(conn *websocket.Conn, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn == nil || a.conn != conn {
		return fmt.Errorf("connection closed")
	}
	conn.SetWriteDeadline(time.Now().Add(constants.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// writeJSON marshals and transmits v on the live connection, if any
func (a *Agent) writeJSON(v interface{}) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := util.MarshalJSON(v)
	if err != nil {
		return
	}
	a.write(conn, data)
}

// readLoop consumes server frames until the connection fails. It reports
// whether the server closed the connection because a newer one registered
// for the same identity; reconnecting then would evict the successor.
func (a *Agent) readLoop(conn *websocket.Conn) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, constants.CloseSuperseded) {
				return true
			}
			a.logger.Info("Connection lost", "error", err)
			return false
		}
		a.handleFrame(data)
	}
}

// handleFrame decodes one server frame and dispatches it to the sinks
func (a *Agent) handleFrame(data []byte) {
	// Persisted message records have no type tag; try them first
	var rec envelope.MessageRecord
	if err := util.UnmarshalJSON(data, &rec); err == nil && rec.ID > 0 {
		for _, sink := range a.snapshotSinks() {
			sink.OnMessage(&rec)
		}
		return
	}

	decoded, err := envelope.DecodeServerEvent(data)
	if err != nil {
		a.logger.Debug("Unrecognized server frame", "error", err)
		return
	}

	switch v := decoded.(type) {
	case *envelope.Status:
		a.handleStatus(v)
	case *envelope.UserStatus:
		for _, sink := range a.snapshotSinks() {
			sink.OnPresence(v.UserID, v.IsOnline)
		}
	case *envelope.TypingEvent:
		for _, sink := range a.snapshotSinks() {
			sink.OnTyping(v.UserID, v.IsTyping)
		}
	case *envelope.ErrorEvent:
		a.logger.Warn("Server error event", "code", v.Code, "message", v.Message)
	}
}

// handleStatus correlates delivery statuses with local messages.
// Sent confirmations arrive in transmission order, so the oldest in-flight
// local ID claims the next one; later statuses resolve via the server ID.
func (a *Agent) handleStatus(s *envelope.Status) {
	a.mu.Lock()
	localID, known := a.byServer[s.MessageID]
	if !known && s.Status == envelope.StatusSent && len(a.inflight) > 0 {
		localID = a.inflight[0].localID
		a.inflight = a.inflight[1:]
		a.byServer[s.MessageID] = localID
		known = true
	}
	if known {
		a.statuses[localID] = s.Status
	}
	a.mu.Unlock()

	if known {
		for _, sink := range a.snapshotSinks() {
			sink.OnStatus(localID, s.MessageID, s.Status)
		}
	}
}

// snapshotSinks copies the sink list so dispatch runs without the lock
func (a *Agent) snapshotSinks() []EventSink {
	a.mu.Lock()
	defer a.mu.Unlock()
	sinks := make([]EventSink, len(a.sinks))
	copy(sinks, a.sinks)
	return sinks
}

// setState updates the state under the lock
func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
