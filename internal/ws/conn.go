package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/chatrelay/internal/constants"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/util"
)

// Conn represents one live bidirectional channel, bound to an authenticated
// identity. A Conn is only handed to the registry after binding; an unbound
// upgrade is closed before it can observe any routing state. The registry
// owns the Conn for its lifetime.
type Conn struct {
	// conn is the underlying WebSocket connection
	conn *websocket.Conn

	// ConnectionID is a unique identifier for this connection
	ConnectionID string

	// UserID is the identity resolved from the session store
	UserID int64

	// Username is the display name from the session object
	Username string

	// send is a buffered channel for outbound frames
	send chan []byte

	// ping asks the write pump to transmit a liveness probe
	ping chan struct{}

	// closing indicates the connection is being torn down.
	// Set before closing the send channel to prevent send-on-closed-channel panics.
	closing atomic.Bool

	// alive is the liveness flag: cleared by the heartbeat monitor when it
	// probes, re-armed by the peer's pong.
	alive atomic.Bool

	// torn ensures the cleanup path runs exactly once no matter how many of
	// close, transport error, heartbeat reap, or eviction race to it.
	torn sync.Once

	// mu protects close-frame writes on the underlying connection
	mu sync.Mutex
}

// newConn wraps an upgraded socket with a bound identity
func newConn(conn *websocket.Conn, connectionID string, userID int64, username string) *Conn {
	c := &Conn{
		conn:         conn,
		ConnectionID: connectionID,
		UserID:       userID,
		Username:     username,
		send:         make(chan []byte, constants.SendBufferSize),
		ping:         make(chan struct{}, 1),
	}
	c.alive.Store(true)
	return c
}

// NewConnForTest creates a bound Conn without an underlying socket.
// This is primarily used in tests to exercise registry and routing logic.
func NewConnForTest(userID int64, username string) *Conn {
	c := &Conn{
		ConnectionID: username,
		UserID:       userID,
		Username:     username,
		send:         make(chan []byte, constants.SendBufferSize),
		ping:         make(chan struct{}, 1),
	}
	c.alive.Store(true)
	return c
}

// IsOpen reports whether the connection can still accept outbound frames
func (c *Conn) IsOpen() bool {
	return !c.closing.Load()
}

// Alive reports the liveness flag
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// ClearAlive lowers the liveness flag; the next pong re-arms it
func (c *Conn) ClearAlive() {
	c.alive.Store(false)
}

// markAlive re-arms the liveness flag
func (c *Conn) markAlive() {
	c.alive.Store(true)
}

// TrySend attempts to queue a frame for the write pump.
// Returns false if the connection is closing or the buffer is full; callers
// on broadcast paths treat that as a silent skip.
func (c *Conn) TrySend(data []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.send <- data:
		metrics.MessagesSent.Inc()
		return true
	default:
		return false
	}
}

// SendJSON marshals v and queues it for the write pump
func (c *Conn) SendJSON(v interface{}) bool {
	data, err := util.MarshalJSON(v)
	if err != nil {
		return false
	}
	return c.TrySend(data)
}

// SendError queues a wire-level error envelope describing the RelayError
func (c *Conn) SendError(relayErr *relayerrors.RelayError) bool {
	return c.SendJSON(relayErr.ToEnvelope())
}

// Probe asks the write pump to transmit a ping frame.
// Non-blocking; a probe already in flight is sufficient.
func (c *Conn) Probe() {
	if c.closing.Load() {
		return
	}
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

// ReceiveForTest returns the send channel as a receive channel for tests
// to observe frames queued on the connection.
func (c *Conn) ReceiveForTest() <-chan []byte {
	return c.send
}

// writeClose sends a close frame with the given code and reason.
// Safe to call concurrently with the write pump: control frames have their
// own write path in gorilla/websocket.
func (c *Conn) writeClose(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	deadline := time.Now().Add(constants.WriteWait)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// closeSocket closes the underlying transport
func (c *Conn) closeSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}

// writePump writes frames to the WebSocket connection. It is the single
// writer for data frames; liveness probes arrive via the ping channel so the
// heartbeat monitor never writes to the socket directly.
func (c *Conn) writePump() {
	defer c.closeSocket()

	for {
		select {
		case data, ok := <-c.send:
			if c.conn == nil {
				if !ok {
					return
				}
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(constants.WriteWait))
			if !ok {
				// Teardown closed the channel; the close frame was already
				// written on the control path.
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ping:
			if c.conn == nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(constants.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
