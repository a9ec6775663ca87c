// Package chatrelay provides the main service registration for the
// real-time message relay. It integrates with gomain by implementing a
// Register function that sets up the WebSocket endpoint, the REST surface,
// and the background presence machinery.
package chatrelay

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/heartbeat"
	"github.com/real-rm/chatrelay/internal/httperrors"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/chatrelay/internal/notification"
	"github.com/real-rm/chatrelay/internal/presence"
	"github.com/real-rm/chatrelay/internal/ratelimit"
	"github.com/real-rm/chatrelay/internal/registry"
	"github.com/real-rm/chatrelay/internal/router"
	"github.com/real-rm/chatrelay/internal/sessionauth"
	"github.com/real-rm/chatrelay/internal/storage"
	"github.com/real-rm/chatrelay/internal/util"
	"github.com/real-rm/chatrelay/internal/ws"
	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
)

var (
	// Global references for graceful shutdown
	globalWSHandler     *ws.Handler
	globalRegistry      *registry.Registry
	globalMonitor       *heartbeat.Monitor
	globalMsgLimiter    *ratelimit.MessageLimiter
	globalPublicLimiter *ratelimit.KeyLimiter
	globalSessionStore  *sessionauth.RedisStore
	globalLogger        *golog.Logger
	shutdownMu          sync.Mutex
)

// Register registers the chatrelay service with the gomain router.
//
// Parameters:
//   - r: Gin router for registering HTTP and WebSocket endpoints
//   - config: Configuration accessor for loading service settings
//   - logger: Logger for structured logging
//   - mongo: MongoDB client for message and presence persistence
//
// Returns:
//   - error: Any error that occurred during registration
func Register(r *gin.Engine, config *goconfig.ConfigAccessor, logger *golog.Logger, mongo *gomongo.Mongo) error {
	relayLogger := logger.WithGroup("chatrelay")
	relayLogger.Info("Initializing chatrelay service")

	// Load and validate HTTP path prefix early to fail fast on configuration errors.
	// Priority: Environment variable > Config file > Default
	pathPrefix := os.Getenv("CHATRELAY_PATH_PREFIX")
	if pathPrefix == "" {
		var err error
		pathPrefix, err = config.ConfigStringWithDefault("chatrelay.path_prefix", constants.DefaultPathPrefix)
		if err != nil {
			return fmt.Errorf("failed to get path prefix: %w", err)
		}
	}
	if pathPrefix == "" {
		return fmt.Errorf("path prefix cannot be empty")
	}
	if !strings.HasPrefix(pathPrefix, "/") {
		return fmt.Errorf("path prefix must start with '/' (got: %s)", pathPrefix)
	}

	// Session store: the relay cannot authenticate connections without it
	redisAddr := os.Getenv("CHATRELAY_REDIS_ADDR")
	if redisAddr == "" {
		var err error
		redisAddr, err = config.ConfigStringWithDefault("chatrelay.redis_addr", constants.DefaultRedisAddr)
		if err != nil {
			return fmt.Errorf("failed to get redis address: %w", err)
		}
	}
	redisPassword := os.Getenv("CHATRELAY_REDIS_PASSWORD")
	if redisPassword == "" {
		redisPassword, _ = config.ConfigStringWithDefault("chatrelay.redis_password", "")
	}
	redisDB, err := config.ConfigIntWithDefault("chatrelay.redis_db", constants.DefaultRedisDB)
	if err != nil {
		return fmt.Errorf("failed to get redis db: %w", err)
	}

	sessionStore, err := sessionauth.NewRedisStore(sessionauth.RedisConfig{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to session store: %w", err)
	}

	resolver := sessionauth.NewResolver(sessionStore, relayLogger)

	// Load encryption key for message content at rest
	// Priority: Environment variable > Config file
	var encryptionKey []byte
	encryptionKeyStr := os.Getenv("ENCRYPTION_KEY")
	if encryptionKeyStr == "" {
		encryptionKeyStr, err = config.ConfigStringWithDefault("chatrelay.encryption_key", "")
		if err != nil {
			return fmt.Errorf("failed to get encryption key: %w", err)
		}
	}
	if encryptionKeyStr != "" {
		encryptionKey = []byte(encryptionKeyStr)
		if len(encryptionKey) != constants.EncryptionKeyLength {
			return fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d bytes",
				constants.EncryptionKeyLength, len(encryptionKey))
		}
		relayLogger.Info("Message encryption enabled", "key_length", len(encryptionKey))
	} else {
		relayLogger.Warn("No encryption key configured, messages will be stored unencrypted")
	}

	dbName, err := config.ConfigStringWithDefault("chatrelay.database", constants.DefaultMongoDatabase)
	if err != nil {
		return fmt.Errorf("failed to get database name: %w", err)
	}

	storageService := storage.New(mongo, dbName, relayLogger, encryptionKey)

	// Ensure MongoDB indexes are created for optimal query performance
	indexCtx, indexCancel := util.NewTimeoutContext(constants.MongoIndexTimeout)
	defer indexCancel()
	if err := storageService.EnsureIndexes(indexCtx); err != nil {
		relayLogger.Warn("Failed to create MongoDB indexes", "error", err)
		// Don't fail startup - indexes can be created manually if needed
	}

	// Connection registry and presence tracking
	reg := registry.New()
	tracker := presence.NewTracker(reg, storageService, relayLogger)

	// Message rate limiter
	rateLimit, err := config.ConfigIntWithDefault("chatrelay.rate_limit", constants.DefaultRateLimit)
	if err != nil {
		return fmt.Errorf("failed to get rate limit: %w", err)
	}
	rateWindowStr, err := config.ConfigStringWithDefault("chatrelay.rate_window", constants.DefaultRateWindow.String())
	if err != nil {
		return fmt.Errorf("failed to get rate window: %w", err)
	}
	rateWindow, err := time.ParseDuration(rateWindowStr)
	if err != nil {
		return fmt.Errorf("invalid rate window format: %w", err)
	}
	msgLimiter := ratelimit.NewMessageLimiter(rateWindow, rateLimit)

	relayLogger.Info("Message rate limiter configured",
		"rate_limit", rateLimit,
		"window", rateWindow)

	// Message router
	messageRouter := router.New(reg, storageService, msgLimiter, relayLogger)

	// Ops alerting for storage degradation
	notificationService, err := notification.NewService(relayLogger, config, mongo)
	if err != nil {
		return fmt.Errorf("failed to create notification service: %w", err)
	}
	messageRouter.SetAlerter(notificationService)

	// WebSocket handler
	wsHandler := ws.NewHandler(resolver, tracker, messageRouter, relayLogger)

	maxMessageSize, err := config.ConfigIntWithDefault("chatrelay.max_message_size", constants.DefaultMaxMessageSize)
	if err != nil {
		return fmt.Errorf("failed to get max message size: %w", err)
	}
	wsHandler.SetMaxMessageSize(int64(maxMessageSize))

	// Configure allowed origins for WebSocket connections.
	// Without an allowlist only same-host origins are accepted.
	allowedOriginsStr, err := config.ConfigStringWithDefault("chatrelay.allowed_origins", "")
	if err == nil && allowedOriginsStr != "" {
		origins := strings.Split(allowedOriginsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		wsHandler.SetAllowedOrigins(origins)
	} else {
		relayLogger.Warn("No allowed origins configured, accepting same-host origins only")
	}

	// Heartbeat monitor
	heartbeatPeriodStr, err := config.ConfigStringWithDefault("chatrelay.heartbeat_period", constants.DefaultHeartbeatPeriod.String())
	if err != nil {
		return fmt.Errorf("failed to get heartbeat period: %w", err)
	}
	heartbeatPeriod, err := time.ParseDuration(heartbeatPeriodStr)
	if err != nil {
		return fmt.Errorf("invalid heartbeat period format: %w", err)
	}
	monitor := heartbeat.NewMonitor(reg, wsHandler, heartbeatPeriod, relayLogger)

	// Public endpoint rate limiter (per-IP, prevents abuse of healthz/readyz/metrics)
	publicLimiter := ratelimit.NewKeyLimiter(1*time.Minute, constants.PublicEndpointRate)

	// Start background goroutines only after all validation is complete,
	// so we don't leak goroutines if Register() returns an error.
	monitor.Start()
	msgLimiter.StartCleanup()
	publicLimiter.StartCleanup()

	// Store global references for graceful shutdown.
	// Stop any previously-registered instances to prevent goroutine leaks
	// when Register() is called multiple times (tests, hot-reload).
	shutdownMu.Lock()
	if globalMonitor != nil {
		globalMonitor.Stop()
	}
	if globalMsgLimiter != nil {
		globalMsgLimiter.StopCleanup()
	}
	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}
	if globalWSHandler != nil && globalRegistry != nil {
		drainConnections(globalRegistry, globalWSHandler)
	}
	if globalSessionStore != nil {
		globalSessionStore.Close()
	}
	globalWSHandler = wsHandler
	globalRegistry = reg
	globalMonitor = monitor
	globalMsgLimiter = msgLimiter
	globalPublicLimiter = publicLimiter
	globalSessionStore = sessionStore
	globalLogger = relayLogger
	shutdownMu.Unlock()

	// Configure CORS middleware
	corsOriginsStr, err := config.ConfigStringWithDefault("chatrelay.cors_allowed_origins", "")
	if err == nil && corsOriginsStr != "" {
		allowedOrigins := strings.Split(corsOriginsStr, ",")
		for i, origin := range allowedOrigins {
			allowedOrigins[i] = strings.TrimSpace(origin)
		}

		corsConfig := cors.Config{
			AllowOrigins:     allowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}

		r.Use(cors.New(corsConfig))

		relayLogger.Info("CORS middleware configured",
			"allowed_origins", allowedOrigins,
			"allow_credentials", true)
	} else {
		relayLogger.Warn("No CORS origins configured, CORS middleware not enabled")
	}

	// Configure trusted proxies to prevent X-Forwarded-For spoofing.
	trustedProxiesStr, _ := config.ConfigStringWithDefault("chatrelay.trusted_proxies", constants.DefaultTrustedProxies)
	if trustedProxiesStr != "" {
		proxies := strings.Split(trustedProxiesStr, ",")
		for i, p := range proxies {
			proxies[i] = strings.TrimSpace(p)
		}
		if err := r.SetTrustedProxies(proxies); err != nil {
			relayLogger.Warn("Failed to set trusted proxies", "error", err)
		} else {
			relayLogger.Info("Trusted proxies configured", "proxies", proxies)
		}
	}

	r.Use(securityHeadersMiddleware())
	r.Use(metricsMiddleware())

	relayLogger.Info("Using HTTP path prefix", "prefix", pathPrefix)

	// Register routes
	relayGroup := r.Group(pathPrefix)
	{
		relayGroup.GET("/ws", func(c *gin.Context) {
			wsHandler.HandleUpgrade(c.Writer, c.Request)
		})

		// Session-authenticated REST surface
		relayGroup.GET("/messages", sessionMiddleware(resolver, relayLogger), handleGetMessages(storageService, relayLogger))
		relayGroup.GET("/users/online", sessionMiddleware(resolver, relayLogger), handleOnlineUsers(storageService, reg, relayLogger))

		// Health check endpoints (rate limited to prevent abuse)
		relayGroup.GET("/healthz", publicRateLimitMiddleware(publicLimiter, relayLogger), handleHealthCheck)
		relayGroup.GET("/readyz", publicRateLimitMiddleware(publicLimiter, relayLogger), handleReadyCheck(storageService, sessionStore, relayLogger))
	}

	// Prometheus metrics endpoint, restricted to configured networks
	metricsAllowedStr, _ := config.ConfigStringWithDefault("chatrelay.metrics_allowed_networks", constants.DefaultMetricsAllowedNetworks)
	metricsNets := parseNetworks(metricsAllowedStr, relayLogger)
	relayGroup.GET("/metrics/prometheus",
		metricsNetworkMiddleware(metricsNets, relayLogger),
		publicRateLimitMiddleware(publicLimiter, relayLogger),
		gin.WrapH(promhttp.Handler()),
	)

	relayLogger.Info("Chatrelay service registered successfully",
		"websocket_endpoint", pathPrefix+"/ws",
		"rest_endpoints", pathPrefix+"/messages, "+pathPrefix+"/users/online",
		"health_endpoints", pathPrefix+"/healthz, "+pathPrefix+"/readyz",
		"metrics_endpoint", pathPrefix+"/metrics/prometheus",
	)

	return nil
}

// securityHeadersMiddleware adds standard HTTP security headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// metricsMiddleware records HTTP request duration for Prometheus monitoring
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.HTTPRequestDuration.With(prometheus.Labels{
			"endpoint": c.FullPath(),
			"method":   c.Request.Method,
		}).Observe(time.Since(start).Seconds())
	}
}

// sessionMiddleware authenticates REST requests through the session resolver
// and stores the resolved session in the request context.
func sessionMiddleware(resolver *sessionauth.Resolver, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := util.NewTimeoutContext(constants.SessionLookupTimeout)
		sess, relayErr := resolver.Resolve(ctx, c.Request)
		cancel()
		if relayErr != nil {
			logger.Warn("REST session resolution failed",
				"code", relayErr.Code,
				"path", c.Request.URL.Path)
			if relayErr.Code == "UNAUTHENTICATED" {
				httperrors.RespondUnauthorized(c, "")
			} else {
				httperrors.RespondInvalidSession(c)
			}
			c.Abort()
			return
		}

		c.Set("session", sess)
		c.Next()
	}
}

// publicRateLimitMiddleware limits public endpoints (healthz, readyz,
// metrics) by client IP to prevent abuse.
func publicRateLimitMiddleware(limiter *ratelimit.KeyLimiter, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ClientIP() respects trusted proxies to prevent X-Forwarded-For spoofing
		clientIP := c.ClientIP()

		if !limiter.Allow(clientIP) {
			retryAfter := limiter.GetRetryAfter(clientIP)
			retryAfterSeconds := (retryAfter + constants.MillisecondsPerSecond - 1) / constants.MillisecondsPerSecond
			if retryAfterSeconds < constants.MinRetryAfterSeconds {
				retryAfterSeconds = constants.MinRetryAfterSeconds
			}
			c.Header(constants.HeaderRetryAfter, fmt.Sprintf("%d", retryAfterSeconds))

			c.JSON(constants.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": constants.ErrMsgRateLimitExceeded,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// handleGetMessages returns a handler for the recent message history
func handleGetMessages(storageService *storage.Service, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := constants.DefaultMessagesLimit
		if limitStr := c.Query("limit"); limitStr != "" {
			var parsed int
			if n, err := fmt.Sscanf(limitStr, "%d", &parsed); err != nil || n != 1 || parsed <= 0 {
				httperrors.RespondBadRequest(c, "limit must be a positive integer")
				return
			}
			limit = parsed
		}

		ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
		defer cancel()

		messages, err := storageService.GetMessages(ctx, limit)
		if err != nil {
			// Log detailed error server-side, send generic error to client
			util.LogError(logger, "http", "list messages", err)
			httperrors.RespondInternalError(c)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"messages": messages,
			"count":    len(messages),
		})
	}
}

// handleOnlineUsers returns a handler for the online user list.
// The durable flags come from storage; the live connection count comes from
// the registry so operators can spot drift between the two.
func handleOnlineUsers(storageService *storage.Service, reg *registry.Registry, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := util.NewTimeoutContext(constants.DefaultContextTimeout)
		defer cancel()

		users, err := storageService.GetOnlineUsers(ctx)
		if err != nil {
			util.LogError(logger, "http", "list online users", err)
			httperrors.RespondInternalError(c)
			return
		}

		c.JSON(constants.StatusOK, gin.H{
			"users":           users,
			"count":           len(users),
			"liveConnections": reg.Len(),
		})
	}
}

// handleHealthCheck is the liveness probe endpoint.
// If we can respond, the process is alive.
func handleHealthCheck(c *gin.Context) {
	c.JSON(constants.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck is the readiness probe endpoint. It verifies both
// critical dependencies: the message store and the session store.
func handleReadyCheck(storageService *storage.Service, sessionStore *sessionauth.RedisStore, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := make(map[string]interface{})
		allReady := true

		ctx, cancel := util.NewTimeoutContext(constants.HealthCheckTimeout)
		defer cancel()

		if err := storageService.Ping(ctx); err != nil {
			logger.Warn("MongoDB health check failed",
				"error", err,
				"component", "health")
			checks["mongodb"] = map[string]interface{}{
				"status": "not ready",
				"reason": "Database connectivity check failed",
			}
			allReady = false
		} else {
			checks["mongodb"] = map[string]interface{}{
				"status": "ready",
			}
		}

		if err := sessionStore.Ping(ctx); err != nil {
			logger.Warn("Session store health check failed",
				"error", err,
				"component", "health")
			checks["sessionstore"] = map[string]interface{}{
				"status": "not ready",
				"reason": "Session store connectivity check failed",
			}
			allReady = false
		} else {
			checks["sessionstore"] = map[string]interface{}{
				"status": "ready",
			}
		}

		status := "ready"
		statusCode := constants.StatusOK
		if !allReady {
			status = "not ready"
			statusCode = constants.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    status,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	}
}

// drainConnections tears down every registered connection with a going-away
// close frame.
func drainConnections(reg *registry.Registry, handler *ws.Handler) {
	reg.ForEachOpen(func(c *ws.Conn) {
		handler.Teardown(c, 1001, "server shutting down")
	})
}

// Shutdown gracefully shuts down the chatrelay service: the heartbeat
// monitor and limiter goroutines stop, every live connection receives a
// going-away close frame, and the session store client is released. Called
// on SIGTERM or SIGINT.
func Shutdown(ctx context.Context) error {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()

	if globalLogger != nil {
		globalLogger.Info("Starting graceful shutdown of chatrelay service")
	}

	if globalMonitor != nil {
		globalMonitor.Stop()
	}

	if globalMsgLimiter != nil {
		globalMsgLimiter.StopCleanup()
	}

	if globalPublicLimiter != nil {
		globalPublicLimiter.StopCleanup()
	}

	if globalWSHandler != nil && globalRegistry != nil {
		drainConnections(globalRegistry, globalWSHandler)
	}

	if globalSessionStore != nil {
		if err := globalSessionStore.Close(); err != nil && globalLogger != nil {
			globalLogger.Warn("Session store close error", "error", err)
		}
	}

	if globalLogger != nil {
		globalLogger.Info("Chatrelay service shutdown complete")
	}

	// Teardown is synchronous, so by here every connection got its close
	// frame; report a deadline overrun to the caller if one happened.
	return ctx.Err()
}

// parseNetworks parses a comma-separated list of CIDR network strings.
func parseNetworks(networksStr string, logger *golog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range strings.Split(networksStr, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("Invalid CIDR in metrics_allowed_networks", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// metricsNetworkMiddleware restricts access to the metrics endpoint to configured networks.
func metricsNetworkMiddleware(allowedNets []*net.IPNet, logger *golog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// If no networks configured, allow all (development mode)
		if len(allowedNets) == 0 {
			c.Next()
			return
		}

		clientIP := net.ParseIP(c.ClientIP())
		if clientIP == nil {
			logger.Warn("Could not parse client IP for metrics access", "ip", c.ClientIP())
			httperrors.RespondForbidden(c)
			c.Abort()
			return
		}

		for _, ipNet := range allowedNets {
			if ipNet.Contains(clientIP) {
				c.Next()
				return
			}
		}

		logger.Warn("Metrics access denied from unauthorized network",
			"client_ip", c.ClientIP(),
			"component", "metrics")
		httperrors.RespondForbidden(c)
		c.Abort()
	}
}
