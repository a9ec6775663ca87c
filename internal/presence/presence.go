// Package presence derives online and offline transitions from connection
// lifecycle events and fans them out to every connected client. Presence is
// a pure function of the registry: an identity is online exactly while it
// holds a registered connection.
package presence

import (
	"context"

	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/envelope"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/registry"
	"github.com/real-rm/chatrelay/internal/util"
	"github.com/real-rm/chatrelay/internal/ws"
	"github.com/real-rm/golog"
)

// StatusStore persists the durable online flag alongside the live registry
// view. Persistence failures degrade the stored flag, never the broadcast.
type StatusStore interface {
	SetUserOnlineStatus(ctx context.Context, userID int64, online bool) error
}

// Tracker implements ws.Lifecycle on top of the registry
type Tracker struct {
	reg    *registry.Registry
	store  StatusStore
	logger *golog.Logger
}

// NewTracker creates a presence tracker
func NewTracker(reg *registry.Registry, store StatusStore, logger *golog.Logger) *Tracker {
	return &Tracker{
		reg:    reg,
		store:  store,
		logger: logger.WithGroup("presence"),
	}
}

// Connected registers the connection and announces the identity online.
// The announcement goes to every open connection including the subject, so
// a client always learns its own visible state. Returns the superseded
// connection when the identity was already connected; a supersede produces
// no offline transition because the identity never left.
func (t *Tracker) Connected(conn *ws.Conn) (evicted *ws.Conn) {
	evicted = t.reg.Register(conn)

	t.persist(conn.UserID, true)
	// The online event is idempotent: on a supersede the identity was already
	// online and observers simply see it reaffirmed.
	t.broadcast(conn.UserID, true)
	return evicted
}

// Disconnected removes the connection and, if it was still the registered
// one, announces the identity offline. A superseded connection's removal is
// a no-op here; its successor keeps the identity online.
func (t *Tracker) Disconnected(conn *ws.Conn) bool {
	if !t.reg.UnregisterConn(conn) {
		return false
	}

	t.persist(conn.UserID, false)
	t.broadcast(conn.UserID, false)
	return true
}

// persist writes the durable flag; a failure is logged and swallowed so the
// live presence view stays consistent with the registry.
func (t *Tracker) persist(userID int64, online bool) {
	if t.store == nil {
		return
	}
	ctx, cancel := util.NewTimeoutContext(constants.PersistTimeout)
	defer cancel()
	if err := t.store.SetUserOnlineStatus(ctx, userID, online); err != nil {
		util.LogError(t.logger, "presence", "persist_status", err,
			"userId", userID, "online", online)
	}
}

// broadcast fans the transition out to every open connection
func (t *Tracker) broadcast(userID int64, online bool) {
	data, err := util.MarshalJSON(envelope.NewUserStatus(userID, online))
	if err != nil {
		util.LogError(t.logger, "presence", "encode_status", err, "userId", userID)
		return
	}

	transition := "offline"
	if online {
		transition = "online"
	}
	metrics.PresenceBroadcasts.WithLabelValues(transition).Inc()

	t.reg.ForEachOpen(func(c *ws.Conn) {
		c.TrySend(data)
	})
}
