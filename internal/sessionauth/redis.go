package sessionauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds session-store connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisStore is the production SessionStore backed by redis.
// Session keys are written by the login service; this layer only reads.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redis and verifies the connection with a ping
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = constants.DefaultRedisAddr
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = constants.DefaultRedisPoolSize
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), constants.RedisConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// sessionKey namespaces tokens so the session store can be shared with
// other services on the same redis instance.
func sessionKey(token string) string {
	return constants.SessionKeyPrefix + token
}

// Get resolves a session token to the stored session object.
// Returns ErrSessionNotFound when the key is absent or expired.
func (s *RedisStore) Get(ctx context.Context, token string) (*Session, error) {
	val, err := s.client.Get(ctx, sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis session lookup: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		// A stored value that is not a session object resolves to a session
		// without an identity; the resolver reports MalformedSession.
		return &Session{}, nil
	}
	return &sess, nil
}

// Ping verifies the redis connection for readiness checks
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is an in-process SessionStore for tests and local development
type MemoryStore struct {
	sessions map[string]*Session
}

// NewMemoryStore creates a MemoryStore seeded with the given sessions
func NewMemoryStore(sessions map[string]*Session) *MemoryStore {
	if sessions == nil {
		sessions = make(map[string]*Session)
	}
	return &MemoryStore{sessions: sessions}
}

// Put stores a session under the given token
func (s *MemoryStore) Put(token string, sess *Session) {
	s.sessions[token] = sess
}

// Get implements SessionStore
func (s *MemoryStore) Get(_ context.Context, token string) (*Session, error) {
	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}
