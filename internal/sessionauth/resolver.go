// Package sessionauth resolves handshake metadata to an authenticated
// identity through the external session store. It is a pure lookup layer:
// no mutable state and no retries. A failed resolution is fatal to that
// connection attempt and the caller closes with the policy close code.
package sessionauth

import (
	"context"
	"errors"
	"net/http"

	"github.com/real-rm/chatrelay/internal/constants"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/golog"
)

// ErrSessionNotFound is returned by a SessionStore when the key does not resolve
var ErrSessionNotFound = errors.New("session not found")

// Session is the resolved session object from the session store
type Session struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username,omitempty"`
}

// SessionStore is the external session-store collaborator.
// Implementations must return ErrSessionNotFound for unknown keys so the
// resolver can distinguish an invalid token from a store outage.
type SessionStore interface {
	Get(ctx context.Context, sessionKey string) (*Session, error)
}

// Resolver resolves an incoming connection's handshake to an identity
type Resolver struct {
	store  SessionStore
	logger *golog.Logger
}

// NewResolver creates a session resolver backed by the given store
func NewResolver(store SessionStore, logger *golog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.WithGroup("sessionauth"),
	}
}

// token extracts the opaque session token from the handshake.
// The cookie is the supported mechanism; the query parameter exists for
// clients that cannot set cookies on the upgrade request.
func (r *Resolver) token(req *http.Request) string {
	if cookie, err := req.Cookie(constants.SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if tok := req.URL.Query().Get(constants.SessionQueryParam); tok != "" {
		r.logger.Warn("Session token provided via query parameter (deprecated, use cookie)")
		return tok
	}
	return ""
}

// Resolve authenticates the handshake request and returns the bound session.
// Failure modes, all fatal to the connection attempt:
//   - Unauthenticated: no token present
//   - InvalidSession: the token does not resolve in the session store
//   - MalformedSession: the resolved session object lacks an identity
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*Session, *relayerrors.RelayError) {
	tok := r.token(req)
	if tok == "" {
		metrics.SessionLookups.WithLabelValues("unauthenticated").Inc()
		return nil, relayerrors.ErrUnauthenticated()
	}

	sess, err := r.store.Get(ctx, tok)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			metrics.SessionLookups.WithLabelValues("invalid").Inc()
			return nil, relayerrors.ErrInvalidSession(err)
		}
		// A store outage is indistinguishable from an invalid token for the
		// client; it still must not get a registered connection.
		metrics.SessionLookups.WithLabelValues("store_error").Inc()
		r.logger.Error("Session store lookup failed", "error", err)
		return nil, relayerrors.ErrInvalidSession(err)
	}

	if sess == nil || sess.UserID <= 0 {
		metrics.SessionLookups.WithLabelValues("malformed").Inc()
		return nil, relayerrors.ErrMalformedSession(nil)
	}

	metrics.SessionLookups.WithLabelValues("ok").Inc()
	return sess, nil
}
