// Package constants provides centralized constant definitions for the chatrelay service.
// This eliminates magic numbers and strings throughout the codebase.
package constants

import "time"

// HTTP Status Codes
const (
	StatusOK                 = 200
	StatusBadRequest         = 400
	StatusTooManyRequests    = 429
	StatusServiceUnavailable = 503
)

// WebSocket close codes in the application-reserved range (4000-4999).
// Sent after the upgrade completes; auth failures are never rejected at the
// HTTP layer because browser WebSocket clients cannot read HTTP error bodies.
const (
	CloseSuperseded       = 4000 // a newer connection for the same identity took over
	CloseUnauthenticated  = 4001 // no session token in the handshake
	CloseInvalidSession   = 4002 // token did not resolve in the session store
	CloseMalformedSession = 4003 // session object lacks an identity
)

// Connection lifecycle timing
const (
	DefaultHeartbeatPeriod = 30 * time.Second // probe interval for the heartbeat monitor
	PongWait               = 60 * time.Second // read deadline refreshed on every pong
	WriteWait              = 10 * time.Second // per-frame write deadline
	SendBufferSize         = 256              // outbound frames buffered per connection
)

// Sizes and Limits
const (
	DefaultMaxMessageSize = 65536 // 64KB per inbound WebSocket frame
	MaxContentLength      = 4096  // maximum chat message content length in bytes
	DefaultRateLimit      = 120   // messages per minute per identity
	DefaultMessagesLimit  = 50    // default page size for GET /messages
	MaxMessagesLimit      = 500   // hard cap for GET /messages
	MaxRetryAttempts      = 3     // maximum retry attempts for transient storage errors
	MaxEventsPerUser      = 1000  // maximum rate limit events tracked per identity
	MaxUsersTracked       = 100000
)

// Timeouts for storage and session-store operations
const (
	DefaultContextTimeout = 10 * time.Second // standard database operations
	PersistTimeout        = 5 * time.Second  // message persist on the inbound path
	SessionLookupTimeout  = 3 * time.Second  // redis session resolution
	HealthCheckTimeout    = 2 * time.Second
	MongoIndexTimeout     = 30 * time.Second
)

// HTTP Server Timeouts (for standalone server mode)
const (
	HTTPReadTimeout  = 15 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 120 * time.Second
)

// Durations for background operations
const (
	DefaultRateWindow       = 1 * time.Minute
	DefaultCleanupInterval  = 5 * time.Minute
	InitialRetryDelay       = 100 * time.Millisecond
	MaxRetryDelay           = 2 * time.Second
	RetryMultiplier         = 2.0
	DefaultReconnectBackoff = 2 * time.Second // client agent fixed backoff between attempts
)

// Session resolution
const (
	SessionCookieName    = "chatrelay_session"
	SessionQueryParam    = "session"
	SessionKeyPrefix     = "chatrelay:session:"
	DefaultRedisAddr     = "localhost:6379"
	DefaultRedisDB       = 0
	DefaultRedisPoolSize = 16
	RedisConnectTimeout  = 3 * time.Second
)

// MongoDB collections and fields
const (
	DefaultMongoDatabase   = "chatrelay"
	MessagesCollection     = "messages"
	UsersCollection        = "users"
	CountersCollection     = "counters"
	MessageCounterID       = "messageId"
	MongoFieldID           = "_id"
	MongoFieldSenderID     = "senderId"
	MongoFieldReceiverID   = "receiverId"
	MongoFieldContent      = "content"
	MongoFieldCreatedAt    = "createdAt"
	MongoFieldOnline       = "online"
	MongoFieldLastSeen     = "lastSeen"
	MongoFieldUsername     = "username"
	MongoFieldCounterValue = "seq"
)

// Ops alerting
const (
	NotificationRateLimit = 5  // storage alerts per window per event type
	PersistFailureAlert   = 10 // consecutive persist failures before an ops alert
)

// Default Configuration Values
const (
	DefaultPort       = 8080
	DefaultLogLevel   = "info"
	DefaultLogDir     = "logs"
	DefaultPathPrefix = "/chatrelay" // HTTP path prefix for all routes
)

// HTTP endpoint protection
const (
	PublicEndpointRate            = 60 // requests per minute per IP on public endpoints
	MillisecondsPerSecond         = 1000
	MinRetryAfterSeconds          = 1
	HeaderRetryAfter              = "Retry-After"
	ErrMsgRateLimitExceeded       = "Too many requests, please slow down"
	DefaultTrustedProxies         = ""
	DefaultMetricsAllowedNetworks = "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,127.0.0.0/8"
	EncryptionKeyLength           = 32
)
