// Package ws owns the WebSocket transport: upgrading handshakes, binding
// connections to authenticated identities, and running the per-connection
// read and write pumps. Routing and presence live behind the Dispatcher and
// Lifecycle interfaces so the transport never depends on them directly.
package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/envelope"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/sessionauth"
	"github.com/real-rm/chatrelay/internal/util"
	"github.com/real-rm/golog"
)

// Lifecycle observes connection registration and removal.
// Connected returns the previously registered connection for the same
// identity when the new registration supersedes it.
type Lifecycle interface {
	Connected(conn *Conn) (evicted *Conn)
	Disconnected(conn *Conn) bool
}

// Dispatcher handles decoded inbound envelopes for a bound connection
type Dispatcher interface {
	HandleMessage(conn *Conn, msg *envelope.ChatMessage) error
	HandleTyping(conn *Conn, t *envelope.Typing) error
	HandleStatus(conn *Conn, s *envelope.Status) error
}

// SessionResolver authenticates an upgrade request to a bound identity
type SessionResolver interface {
	Resolve(ctx context.Context, req *http.Request) (*sessionauth.Session, *relayerrors.RelayError)
}

// Handler upgrades HTTP requests to WebSocket connections and runs them
type Handler struct {
	resolver       SessionResolver
	lifecycle      Lifecycle
	dispatcher     Dispatcher
	logger         *golog.Logger
	allowedOrigins map[string]bool
	maxMessageSize int64
}

// NewHandler creates a WebSocket handler
func NewHandler(resolver SessionResolver, lifecycle Lifecycle, dispatcher Dispatcher, logger *golog.Logger) *Handler {
	return &Handler{
		resolver:       resolver,
		lifecycle:      lifecycle,
		dispatcher:     dispatcher,
		logger:         logger.WithGroup("ws"),
		maxMessageSize: constants.DefaultMaxMessageSize,
	}
}

// SetAllowedOrigins configures the origin allowlist for upgrade requests.
// With no allowlist only same-host origins are accepted.
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.allowedOrigins = make(map[string]bool, len(origins))
	for _, o := range origins {
		h.allowedOrigins[o] = true
	}
}

// SetMaxMessageSize overrides the inbound frame size limit
func (h *Handler) SetMaxMessageSize(size int64) {
	if size > 0 {
		h.maxMessageSize = size
	}
}

// checkOrigin validates the Origin header against the allowlist
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send an Origin header
		return true
	}
	if len(h.allowedOrigins) > 0 {
		return h.allowedOrigins[origin]
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// connectionID builds a unique identifier for a bound connection
func connectionID(userID int64) string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("%d-%d-%s", userID, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// HandleUpgrade upgrades the HTTP request and runs the connection.
// Authentication failures close the already-upgraded socket with a policy
// close code instead of rejecting the HTTP handshake, so clients can read
// the failure reason from the close frame.
func (h *Handler) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogError(h.logger, "ws", "upgrade", err, "remote", r.RemoteAddr)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.SessionLookupTimeout)
	sess, relayErr := h.resolver.Resolve(ctx, r)
	cancel()
	if relayErr != nil {
		h.logger.Warn("Rejecting unauthenticated connection",
			"remote", r.RemoteAddr, "code", relayErr.Code)
		deadline := time.Now().Add(constants.WriteWait)
		wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(relayErr.CloseCode, relayErr.Message), deadline)
		wsConn.Close()
		return
	}

	conn := newConn(wsConn, connectionID(sess.UserID), sess.UserID, sess.Username)

	if evicted := h.lifecycle.Connected(conn); evicted != nil {
		metrics.ConnectionsEvicted.Inc()
		h.logger.Info("Connection superseded",
			"userId", evicted.UserID, "connectionId", evicted.ConnectionID)
		h.Teardown(evicted, constants.CloseSuperseded, "superseded by newer connection")
	}

	h.logger.Info("Connection established",
		"userId", sess.UserID, "username", sess.Username, "connectionId", conn.ConnectionID)

	util.SafeGo(h.logger, "ws-write-pump", func() { conn.writePump() })
	util.SafeGo(h.logger, "ws-read-pump", func() { h.readPump(conn) })
}

// Teardown closes a connection exactly once: it removes the connection from
// the lifecycle, writes the close frame, and releases the transport. Safe to
// call from any goroutine and from multiple racing paths.
func (h *Handler) Teardown(c *Conn, code int, reason string) {
	c.torn.Do(func() {
		c.closing.Store(true)
		h.lifecycle.Disconnected(c)
		c.writeClose(code, reason)
		close(c.send)
		c.closeSocket()
	})
}

// Reap tears down a connection that failed its liveness probe.
// Called by the heartbeat monitor.
func (h *Handler) Reap(c *Conn, reason string) {
	metrics.HeartbeatReaps.Inc()
	h.logger.Warn("Reaping unresponsive connection",
		"userId", c.UserID, "connectionId", c.ConnectionID)
	h.Teardown(c, websocket.CloseGoingAway, reason)
}

// readPump reads envelopes from the connection and dispatches them.
// A decode failure is recoverable: the client gets an error envelope and the
// connection stays open. A transport error ends the connection.
func (h *Handler) readPump(c *Conn) {
	defer h.Teardown(c, websocket.CloseNormalClosure, "")

	if c.conn == nil {
		return
	}

	c.conn.SetReadLimit(h.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		c.conn.SetReadDeadline(time.Now().Add(constants.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogError(h.logger, "ws", "read", err,
					"userId", c.UserID, "connectionId", c.ConnectionID)
			}
			return
		}

		// Any inbound frame proves the peer is responsive
		c.markAlive()
		metrics.MessagesReceived.Inc()

		decoded, err := envelope.DecodeInbound(data)
		if err != nil {
			metrics.MessageErrors.Inc()
			c.SendError(relayerrors.ErrMalformedEnvelope(err.Error(), err))
			continue
		}

		var dispatchErr error
		switch v := decoded.(type) {
		case *envelope.ChatMessage:
			dispatchErr = h.dispatcher.HandleMessage(c, v)
		case *envelope.Typing:
			dispatchErr = h.dispatcher.HandleTyping(c, v)
		case *envelope.Status:
			dispatchErr = h.dispatcher.HandleStatus(c, v)
		}

		if dispatchErr != nil {
			metrics.MessageErrors.Inc()
			var relayErr *relayerrors.RelayError
			if errors.As(dispatchErr, &relayErr) {
				c.SendError(relayErr)
			} else {
				util.LogError(h.logger, "ws", "dispatch", dispatchErr,
					"userId", c.UserID, "connectionId", c.ConnectionID)
			}
		}
	}
}
