package bus

import (
	"encoding/json"
	"errors"
	"time"
)

// Type classifies the intent of a message.
type Type string

const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeCoordination Type = "coordination"
	TypeHandoff      Type = "handoff"
	TypeStatus       Type = "status"
	TypeError        Type = "error"
)

// ValidType reports whether t is one of the known message types.
func ValidType(t Type) bool {
	switch t {
	case TypeRequest, TypeResponse, TypeNotification, TypeCoordination,
		TypeHandoff, TypeStatus, TypeError:
		return true
	}
	return false
}

// Priority governs delivery order. Lower values are delivered first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

// AckState tracks a message through its delivery lifecycle.
type AckState string

const (
	AckPending   AckState = "pending"
	AckDelivered AckState = "delivered"
	AckAcked     AckState = "acked"
	AckExpired   AckState = "expired"
)

// Broadcast is the recipient marker that fans a message out to every
// registered agent at send time.
const Broadcast = "*"

var (
	ErrInvalidPriority = errors.New("bus: priority must be between 1 and 5")
	ErrInvalidType     = errors.New("bus: unknown message type")
	ErrInvalidPayload  = errors.New("bus: payload must be a JSON value")
	ErrEmptyRecipient  = errors.New("bus: recipient is required")
	ErrNotFound        = errors.New("bus: message not found")
	ErrAlreadyAcked    = errors.New("bus: message already acknowledged")
	ErrNoRecipients    = errors.New("bus: broadcast with no registered agents")
)

// Message is a single unit of agent-to-agent communication. A broadcast
// produces one independently acknowledged Message per registered agent.
type Message struct {
	ID             string          `json:"id"`
	Seq            uint64          `json:"-"`
	Sender         string          `json:"sender"`
	Recipient      string          `json:"recipient"`
	Type           Type            `json:"type"`
	Priority       Priority        `json:"priority"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at,omitzero"`
	DeliveredAt    time.Time       `json:"-"`
	AckState       AckState        `json:"ack_state"`
}

// Expired reports whether the message's expiry timestamp has elapsed.
// Messages without an expiry never expire.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = make(json.RawMessage, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return &c
}
