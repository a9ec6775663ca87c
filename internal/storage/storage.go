// Package storage persists chat messages and user presence flags in MongoDB
// using gomongo. Message identifiers are monotonically increasing int64
// values allocated from a counters collection so ordering is total across
// the whole message stream.
package storage

import (
	"context"
	"crypto/aes"
	cipherPkg "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/real-rm/chatrelay/internal/constants"
	"github.com/real-rm/chatrelay/internal/envelope"
	"github.com/real-rm/chatrelay/internal/metrics"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrInvalidContent is returned when message content is empty
	ErrInvalidContent = errors.New("message content cannot be empty")
	// ErrMessageNotFound is returned when a message ID does not resolve
	ErrMessageNotFound = errors.New("message not found in database")
)

// retryConfig holds configuration for MongoDB retry logic
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

var defaultRetryConfig = retryConfig{
	maxAttempts:  constants.MaxRetryAttempts,
	initialDelay: constants.InitialRetryDelay,
	maxDelay:     constants.MaxRetryDelay,
	multiplier:   constants.RetryMultiplier,
}

// Service manages message and user persistence in MongoDB using gomongo
type Service struct {
	mongo    *gomongo.Mongo
	messages *gomongo.MongoCollection
	users    *gomongo.MongoCollection
	counters *gomongo.MongoCollection
	logger   *golog.Logger
	gcm      cipherPkg.AEAD // nil when at-rest encryption is disabled
}

// messageDocument is the persisted form of a chat message
type messageDocument struct {
	ID         int64     `bson:"_id"`
	Content    string    `bson:"content"`
	SenderID   int64     `bson:"senderId"`
	ReceiverID *int64    `bson:"receiverId,omitempty"`
	CreatedAt  time.Time `bson:"createdAt"`
}

// userDocument is the persisted presence state for one identity
type userDocument struct {
	ID       int64     `bson:"_id"`
	Username string    `bson:"username,omitempty"`
	Online   bool      `bson:"online"`
	LastSeen time.Time `bson:"lastSeen"`
}

// counterDocument backs the monotonic ID sequence
type counterDocument struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// UserRecord is the presence view returned to callers
type UserRecord struct {
	UserID   int64     `json:"userId"`
	Username string    `json:"username,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// New creates a storage service.
// mongo: gomongo.Mongo instance (from gomongo.InitMongoDB)
// dbName: database name
// logger: golog.Logger instance for logging
// encryptionKey: optional, 32 bytes for AES-256 content encryption at rest
func New(mongo *gomongo.Mongo, dbName string, logger *golog.Logger, encryptionKey []byte) *Service {
	svc := &Service{
		mongo:    mongo,
		messages: mongo.Coll(dbName, constants.MessagesCollection),
		users:    mongo.Coll(dbName, constants.UsersCollection),
		counters: mongo.Coll(dbName, constants.CountersCollection),
		logger:   logger,
	}

	// Pre-compute AES-GCM cipher to avoid per-call key schedule overhead
	if len(encryptionKey) > 0 {
		block, err := aes.NewCipher(encryptionKey)
		if err != nil {
			logger.Error("AES-GCM cipher initialization failed, encryption disabled", "error", err)
		} else {
			gcm, err := cipherPkg.NewGCM(block)
			if err != nil {
				logger.Error("AES-GCM initialization failed, encryption disabled", "error", err)
			} else {
				svc.gcm = gcm
			}
		}
	}

	return svc
}

// EnsureIndexes creates the indexes backing the routing and history queries.
// Called once during application initialization.
func (s *Service) EnsureIndexes(ctx context.Context) error {
	messageIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: constants.MongoFieldSenderID, Value: 1}, {Key: constants.MongoFieldID, Value: -1}},
			Options: options.Index().SetName("sender_id_desc"),
		},
		{
			Keys:    bson.D{{Key: constants.MongoFieldReceiverID, Value: 1}, {Key: constants.MongoFieldID, Value: -1}},
			Options: options.Index().SetName("receiver_id_desc"),
		},
		{
			Keys:    bson.D{{Key: constants.MongoFieldCreatedAt, Value: -1}},
			Options: options.Index().SetName("created_at_desc"),
		},
	}

	if _, err := s.messages.CreateIndexes(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: constants.MongoFieldOnline, Value: 1}},
			Options: options.Index().SetName("online"),
		},
	}

	if _, err := s.users.CreateIndexes(ctx, userIndexes); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}

	s.logger.Info("MongoDB indexes created successfully",
		"collections", []string{constants.MessagesCollection, constants.UsersCollection})

	return nil
}

// nextMessageID allocates the next value of the monotonic message sequence.
// The counter document is upserted so a fresh database starts at 1.
func (s *Service) nextMessageID(ctx context.Context) (int64, error) {
	filter := bson.M{constants.MongoFieldID: constants.MessageCounterID}
	update := bson.M{"$inc": bson.M{constants.MongoFieldCounterValue: 1}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc counterDocument
	err := s.retryOperation(ctx, "nextMessageID", func() error {
		return s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate message id: %w", err)
	}

	return doc.Seq, nil
}

// CreateMessage persists a chat message and returns the canonical record.
// The returned record carries the plaintext content even when encryption at
// rest is enabled.
func (s *Service) CreateMessage(ctx context.Context, content string, senderID int64, receiverID *int64) (*envelope.MessageRecord, error) {
	if content == "" {
		return nil, ErrInvalidContent
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "create_message"}).Observe(time.Since(start).Seconds())
	}()

	id, err := s.nextMessageID(ctx)
	if err != nil {
		return nil, err
	}

	stored := content
	if s.gcm != nil {
		encrypted, err := s.encrypt(content)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt message content: %w", err)
		}
		stored = encrypted
	}

	doc := &messageDocument{
		ID:         id,
		Content:    stored,
		SenderID:   senderID,
		ReceiverID: receiverID,
		CreatedAt:  time.Now().UTC(),
	}

	err = s.retryOperation(ctx, "CreateMessage", func() error {
		_, err := s.messages.InsertOne(ctx, doc)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return &envelope.MessageRecord{
		ID:         doc.ID,
		Content:    content,
		SenderID:   doc.SenderID,
		ReceiverID: doc.ReceiverID,
		CreatedAt:  doc.CreatedAt,
	}, nil
}

// GetMessage retrieves a single message by ID
func (s *Service) GetMessage(ctx context.Context, id int64) (*envelope.MessageRecord, error) {
	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "get_message"}).Observe(time.Since(start).Seconds())
	}()

	filter := bson.M{constants.MongoFieldID: id}
	var doc messageDocument

	err := s.retryOperation(ctx, "GetMessage", func() error {
		result := s.messages.FindOne(ctx, filter)
		return result.Decode(&doc)
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return s.documentToRecord(&doc), nil
}

// GetMessages returns the most recent messages in chronological order.
// limit <= 0 falls back to the default page size; the hard cap bounds the
// response regardless of what the caller asks for.
func (s *Service) GetMessages(ctx context.Context, limit int) ([]*envelope.MessageRecord, error) {
	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "get_messages"}).Observe(time.Since(start).Seconds())
	}()

	if limit <= 0 {
		limit = constants.DefaultMessagesLimit
	}
	if limit > constants.MaxMessagesLimit {
		limit = constants.MaxMessagesLimit
	}

	queryOpts := gomongo.QueryOptions{
		Sort:  bson.D{{Key: constants.MongoFieldID, Value: -1}},
		Limit: int64(limit),
	}

	cursor, err := s.messages.Find(ctx, bson.M{}, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer cursor.Close(ctx)

	records := make([]*envelope.MessageRecord, 0, limit)
	for cursor.Next(ctx) {
		var doc messageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode message document: %w", err)
		}
		records = append(records, s.documentToRecord(&doc))
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	// Query is newest-first for the index; the payload reads oldest-first
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	return records, nil
}

// SetUserOnlineStatus upserts the durable presence flag for an identity
func (s *Service) SetUserOnlineStatus(ctx context.Context, userID int64, online bool) error {
	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "set_online_status"}).Observe(time.Since(start).Seconds())
	}()

	filter := bson.M{constants.MongoFieldID: userID}
	update := bson.M{"$set": bson.M{
		constants.MongoFieldOnline:   online,
		constants.MongoFieldLastSeen: time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc userDocument
	err := s.retryOperation(ctx, "SetUserOnlineStatus", func() error {
		return s.users.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	})
	if err != nil {
		return fmt.Errorf("failed to set online status: %w", err)
	}

	return nil
}

// GetOnlineUsers returns the identities currently flagged online
func (s *Service) GetOnlineUsers(ctx context.Context) ([]*UserRecord, error) {
	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "get_online_users"}).Observe(time.Since(start).Seconds())
	}()

	filter := bson.M{constants.MongoFieldOnline: true}
	queryOpts := gomongo.QueryOptions{
		Sort: bson.D{{Key: constants.MongoFieldID, Value: 1}},
	}

	cursor, err := s.users.Find(ctx, filter, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	defer cursor.Close(ctx)

	users := make([]*UserRecord, 0)
	for cursor.Next(ctx) {
		var doc userDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode user document: %w", err)
		}
		users = append(users, &UserRecord{
			UserID:   doc.ID,
			Username: doc.Username,
			Online:   doc.Online,
			LastSeen: doc.LastSeen,
		})
	}

	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}

	return users, nil
}

// Ping verifies the database is reachable for readiness checks.
// A missing counter document is a healthy empty database.
func (s *Service) Ping(ctx context.Context) error {
	filter := bson.M{constants.MongoFieldID: constants.MessageCounterID}
	var doc counterDocument
	err := s.counters.FindOne(ctx, filter).Decode(&doc)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("storage ping failed: %w", err)
	}
	return nil
}

// documentToRecord converts a stored document to the canonical record,
// decrypting content when encryption at rest is enabled.
func (s *Service) documentToRecord(doc *messageDocument) *envelope.MessageRecord {
	content := doc.Content
	if s.gcm != nil {
		decrypted, err := s.decrypt(doc.Content)
		// Decryption failure falls back to the stored value; documents written
		// before encryption was enabled are plaintext.
		if err == nil {
			content = decrypted
		}
	}

	return &envelope.MessageRecord{
		ID:         doc.ID,
		Content:    content,
		SenderID:   doc.SenderID,
		ReceiverID: doc.ReceiverID,
		CreatedAt:  doc.CreatedAt,
	}
}

// encrypt encrypts content using AES-256-GCM with a random nonce prefix
func (s *Service) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts content using AES-256-GCM
func (s *Service) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// isRetryableError checks if an error is transient.
// Returns true for network errors and transient MongoDB errors.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	if containsAny(errStr, []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"i/o timeout",
		"EOF",
	}) {
		return true
	}

	if containsAny(errStr, []string{
		"server selection timeout",
		"no reachable servers",
		"connection pool",
		"socket",
	}) {
		return true
	}

	return false
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// retryOperation executes an operation with exponential backoff for
// transient errors. Non-retryable errors return immediately.
func (s *Service) retryOperation(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := defaultRetryConfig.initialDelay

	for attempt := 1; attempt <= defaultRetryConfig.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}

		lastErr = err

		if attempt < defaultRetryConfig.maxAttempts {
			s.logger.Warn("MongoDB operation failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", defaultRetryConfig.maxAttempts,
				"delay", delay,
				"error", err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * defaultRetryConfig.multiplier)
			if delay > defaultRetryConfig.maxDelay {
				delay = defaultRetryConfig.maxDelay
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w",
		defaultRetryConfig.maxAttempts, lastErr)
}
