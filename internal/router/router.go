// Package router turns validated inbound envelopes into persisted records,
// delivery-status feedback, and fan-out to destination connections. The
// router never blocks on a slow peer: all sends go through the buffered
// per-connection queue and a full queue is a silent skip.
package router

import (
	"context"
	"sync/atomic"

	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/envelope"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/ratelimit"
	"github.com/real-rm/chatrelay/internal/registry"
	"github.com/real-rm/chatrelay/internal/util"
	"github.com/real-rm/chatrelay/internal/ws"
	"github.com/real-rm/golog"
)

// MessageStore persists chat messages and resolves them for receipt checks
type MessageStore interface {
	CreateMessage(ctx context.Context, content string, senderID int64, receiverID *int64) (*envelope.MessageRecord, error)
	GetMessage(ctx context.Context, id int64) (*envelope.MessageRecord, error)
}

// Alerter is notified when message persistence degrades past the alert
// threshold. Wired to the operations notification channel.
type Alerter interface {
	StorageDegraded(consecutiveFailures int, err error)
}

// Router dispatches inbound envelopes
type Router struct {
	reg     *registry.Registry
	store   MessageStore
	limiter *ratelimit.MessageLimiter
	alerter Alerter
	logger  *golog.Logger

	// persistFailures counts consecutive persistence failures for the
	// degradation alert; any success resets it.
	persistFailures atomic.Int64
}

// New creates a router
func New(reg *registry.Registry, store MessageStore, limiter *ratelimit.MessageLimiter, logger *golog.Logger) *Router {
	return &Router{
		reg:     reg,
		store:   store,
		limiter: limiter,
		logger:  logger.WithGroup("router"),
	}
}

// SetAlerter wires the storage degradation alert channel
func (rt *Router) SetAlerter(a Alerter) {
	rt.alerter = a
}

// HandleMessage validates, persists, and dispatches a chat message.
// The sender receives delivery-status feedback: "sent" once the message is
// durable, then "delivered" when a direct receiver had an open connection at
// dispatch time. A message that cannot be persisted is dropped entirely;
// nothing is delivered that could not be recorded.
func (rt *Router) HandleMessage(conn *ws.Conn, msg *envelope.ChatMessage) error {
	if msg.Content == "" {
		return relayerrors.ErrInvalidMessage("content must not be empty")
	}
	if len(msg.Content) > constants.MaxContentLength {
		return relayerrors.ErrInvalidMessage("content exceeds maximum length")
	}
	// The envelope's sender field must match the authenticated identity;
	// a connection cannot speak for another user.
	if msg.SenderID != conn.UserID {
		return relayerrors.ErrInvalidMessage("sender does not match authenticated identity")
	}

	if !rt.limiter.Allow(conn.UserID) {
		rt.logger.Warn("Message rate limit exceeded",
			"userId", conn.UserID, "retryAfterMs", rt.limiter.GetRetryAfter(conn.UserID))
		return relayerrors.ErrTooManyRequests()
	}

	ctx, cancel := util.NewTimeoutContext(constants.PersistTimeout)
	rec, err := rt.store.CreateMessage(ctx, msg.Content, conn.UserID, msg.ReceiverID)
	cancel()
	if err != nil {
		failures := rt.persistFailures.Add(1)
		util.LogError(rt.logger, "router", "persist_message", err,
			"userId", conn.UserID, "consecutiveFailures", failures)
		if rt.alerter != nil && failures == constants.PersistFailureAlert {
			rt.alerter.StorageDegraded(int(failures), err)
		}
		return relayerrors.ErrPersistenceFailure(err)
	}
	rt.persistFailures.Store(0)
	metrics.MessagesPersisted.Inc()

	data, err := util.MarshalJSON(rec)
	if err != nil {
		util.LogError(rt.logger, "router", "encode_message", err, "messageId", rec.ID)
		return relayerrors.ErrPersistenceFailure(err)
	}

	delivered := false
	if rec.IsDirect() {
		if receiver := rt.reg.Lookup(*rec.ReceiverID); receiver != nil {
			delivered = receiver.TrySend(data)
		}
		// Echo so the sender's other views render the canonical record.
		// A self-addressed message already reached this connection above.
		if *rec.ReceiverID != conn.UserID {
			conn.TrySend(data)
		}
	} else {
		rt.reg.ForEachOpen(func(c *ws.Conn) {
			c.TrySend(data)
		})
	}

	rt.sendStatus(conn, rec.ID, envelope.StatusSent)
	if delivered {
		rt.sendStatus(conn, rec.ID, envelope.StatusDelivered)
	}
	return nil
}

// HandleTyping relays a typing indicator. Indicators are ephemeral: they
// are never persisted and an unreachable destination is a silent drop.
func (rt *Router) HandleTyping(conn *ws.Conn, t *envelope.Typing) error {
	data, err := util.MarshalJSON(envelope.NewTypingEvent(conn.UserID, t.IsTyping))
	if err != nil {
		return nil
	}

	if t.UserID != nil {
		if target := rt.reg.Lookup(*t.UserID); target != nil {
			target.TrySend(data)
		}
		return nil
	}

	rt.reg.ForEachOpen(func(c *ws.Conn) {
		if c.UserID != conn.UserID {
			c.TrySend(data)
		}
	})
	return nil
}

// HandleStatus relays a read receipt to the original sender. Only the
// message's receiver may confirm it read; anything else is dropped without
// feedback so a probing client learns nothing about other users' messages.
func (rt *Router) HandleStatus(conn *ws.Conn, s *envelope.Status) error {
	if s.Status != envelope.StatusRead {
		return relayerrors.ErrInvalidMessage("only read receipts may be reported")
	}

	ctx, cancel := util.NewTimeoutContext(constants.PersistTimeout)
	rec, err := rt.store.GetMessage(ctx, s.MessageID)
	cancel()
	if err != nil {
		rt.logger.Debug("Read receipt for unknown message",
			"messageId", s.MessageID, "userId", conn.UserID)
		return nil
	}
	if !rec.IsDirect() || *rec.ReceiverID != conn.UserID {
		rt.logger.Warn("Read receipt from non-receiver dropped",
			"messageId", s.MessageID, "userId", conn.UserID)
		return nil
	}

	if sender := rt.reg.Lookup(rec.SenderID); sender != nil {
		rt.sendStatus(sender, rec.ID, envelope.StatusRead)
	}
	return nil
}

// sendStatus queues a delivery-status envelope on the connection
func (rt *Router) sendStatus(conn *ws.Conn, messageID int64, status envelope.DeliveryStatus) {
	if conn.SendJSON(envelope.NewStatus(messageID, status)) {
		metrics.DeliveryStatusTransitions.WithLabelValues(string(status)).Inc()
	}
}
