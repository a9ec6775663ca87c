// Package envelope defines the tagged wire protocol exchanged over chatrelay
// connections. Inbound frames are decoded into one of a closed set of typed
// variants; outbound control events carry an explicit type tag, while
// persisted message records are sent bare to distinguish them from control
// traffic.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type tags an envelope on the wire
type Type string

const (
	TypeMessage    Type = "message"
	TypeTyping     Type = "typing"
	TypeStatus     Type = "messageStatus"
	TypeUserStatus Type = "userStatus"
	TypeError      Type = "error"
)

// DeliveryStatus is the lifecycle stage of a persisted message
type DeliveryStatus string

const (
	// StatusSending is a client-local provisional state before the server
	// acknowledges persistence; it never originates from the server.
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Valid reports whether s is a known delivery status
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead:
		return true
	}
	return false
}

var (
	// ErrUnknownType is returned when an envelope carries an unknown or
	// server-only type tag
	ErrUnknownType = errors.New("unknown envelope type")
	// ErrMissingType is returned when an envelope has no type tag
	ErrMissingType = errors.New("envelope has no type tag")
)

// ChatMessage is the inbound chat message envelope. The server assigns id
// and createdAt on persist; ReceiverID absent means broadcast.
type ChatMessage struct {
	Type       Type   `json:"type"`
	Content    string `json:"content"`
	SenderID   int64  `json:"senderId"`
	ReceiverID *int64 `json:"receiverId,omitempty"`
}

// Typing is the inbound typing signal. UserID, when present, addresses the
// signal to a single peer; absent means broadcast (excluding the sender).
type Typing struct {
	Type     Type   `json:"type"`
	IsTyping bool   `json:"isTyping"`
	UserID   *int64 `json:"userId,omitempty"`
}

// TypingEvent is the outbound typing signal; UserID is the origin identity.
type TypingEvent struct {
	Type     Type  `json:"type"`
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}

// Status carries a delivery-status transition for a message id. Inbound it
// is only accepted as a read receipt from the message's receiver; outbound
// the server emits sent/delivered/read transitions to the sender.
type Status struct {
	Type      Type           `json:"type"`
	MessageID int64          `json:"messageId"`
	Status    DeliveryStatus `json:"status"`
}

// UserStatus is the outbound presence envelope
type UserStatus struct {
	Type     Type  `json:"type"`
	UserID   int64 `json:"userId"`
	IsOnline bool  `json:"isOnline"`
}

// ErrorEvent is the outbound error envelope
type ErrorEvent struct {
	Type    Type   `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// MessageRecord is a persisted message, sent to destinations as-is (no type
// wrapper). Immutable once created; id and createdAt are assigned by the
// storage collaborator.
type MessageRecord struct {
	ID         int64     `json:"id"`
	Content    string    `json:"content"`
	SenderID   int64     `json:"senderId"`
	ReceiverID *int64    `json:"receiverId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// IsDirect reports whether the record addresses a single receiver
func (m *MessageRecord) IsDirect() bool {
	return m.ReceiverID != nil
}

// MarshalJSON implements custom JSON marshaling for MessageRecord so that
// createdAt is a stable RFC3339 string regardless of the source precision.
func (m *MessageRecord) MarshalJSON() ([]byte, error) {
	type Alias MessageRecord
	return json.Marshal(&struct {
		*Alias
		CreatedAt string `json:"createdAt"`
	}{
		Alias:     (*Alias)(m),
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for MessageRecord
func (m *MessageRecord) UnmarshalJSON(data []byte) error {
	type Alias MessageRecord
	aux := &struct {
		*Alias
		CreatedAt string `json:"createdAt"`
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, aux.CreatedAt)
		if err != nil {
			return err
		}
		m.CreatedAt = t
	}

	return nil
}

// probe extracts just the type tag so the full decode can be dispatched
type probe struct {
	Type Type `json:"type"`
}

// DecodeInbound parses a raw frame into one of the inbound envelope variants:
// *ChatMessage, *Typing, or *Status. Unknown tags, missing tags, server-only
// tags, and malformed JSON all produce an error; the caller maps that to a
// MalformedEnvelope response. The switch is exhaustive over Type on purpose:
// a new tag must be classified here before it can flow anywhere else.
func DecodeInbound(data []byte) (interface{}, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch p.Type {
	case TypeMessage:
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid message envelope: %w", err)
		}
		return &msg, nil
	case TypeTyping:
		var t Typing
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("invalid typing envelope: %w", err)
		}
		return &t, nil
	case TypeStatus:
		var s Status
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("invalid status envelope: %w", err)
		}
		if !s.Status.Valid() {
			return nil, fmt.Errorf("%w: status %q", ErrUnknownType, s.Status)
		}
		return &s, nil
	case TypeUserStatus, TypeError:
		// Server-originated tags are not accepted inbound
		return nil, fmt.Errorf("%w: %q is server-originated", ErrUnknownType, p.Type)
	case "":
		return nil, ErrMissingType
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
}

// DecodeServerEvent parses a server-originated control frame into one of
// *Status, *UserStatus, *TypingEvent, or *ErrorEvent. Used by clients;
// persisted message records carry no type tag and are not handled here.
func DecodeServerEvent(data []byte) (interface{}, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch p.Type {
	case TypeStatus:
		var s Status
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("invalid status envelope: %w", err)
		}
		return &s, nil
	case TypeUserStatus:
		var u UserStatus
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("invalid userStatus envelope: %w", err)
		}
		return &u, nil
	case TypeTyping:
		var t TypingEvent
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("invalid typing envelope: %w", err)
		}
		return &t, nil
	case TypeError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("invalid error envelope: %w", err)
		}
		return &e, nil
	case "":
		return nil, ErrMissingType
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
}

// NewUserStatus builds an outbound presence envelope
func NewUserStatus(userID int64, online bool) *UserStatus {
	return &UserStatus{Type: TypeUserStatus, UserID: userID, IsOnline: online}
}

// NewStatus builds an outbound delivery-status envelope
func NewStatus(messageID int64, status DeliveryStatus) *Status {
	return &Status{Type: TypeStatus, MessageID: messageID, Status: status}
}

// NewTypingEvent builds an outbound typing envelope
func NewTypingEvent(userID int64, isTyping bool) *TypingEvent {
	return &TypingEvent{Type: TypeTyping, UserID: userID, IsTyping: isTyping}
}

// NewErrorEvent builds an outbound error envelope
func NewErrorEvent(code, message string) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, Code: code, Message: message}
}
