package bus

import (
	"context"
	"time"
)

// Store is the durable queue backing a Broker. Implementations must make
// each method atomic with respect to concurrent calls on the same message;
// the broker never holds its own lock across a Store call.
type Store interface {
	// Append persists new messages in PENDING state.
	Append(ctx context.Context, msgs ...*Message) error

	// Next returns up to limit deliverable messages for the agent, ordered
	// by (priority asc, created_at asc, seq asc). A message is deliverable
	// when it is PENDING, or DELIVERED longer ago than redeliverAfter with
	// no acknowledgment. Expired messages are never returned. When peek is
	// false the returned messages are atomically marked DELIVERED at now;
	// when true no state changes.
	Next(ctx context.Context, agentID string, now time.Time, redeliverAfter time.Duration, limit int, peek bool) ([]*Message, error)

	// Ack marks the message ACKED and returns its previous state. It is the
	// store's job to make the read-modify-write atomic. ErrNotFound when no
	// such message exists.
	Ack(ctx context.Context, id string, now time.Time) (AckState, error)

	// Sweep marks every message past its expiry as EXPIRED and deletes
	// expired or acked messages whose expiry (or ack) is older than the
	// retention window. Returns the number of newly expired messages.
	Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error)

	// Get returns a message by id regardless of state, for audit.
	Get(ctx context.Context, id string) (*Message, error)

	// PendingCount returns the number of deliverable messages for the agent.
	PendingCount(ctx context.Context, agentID string, now time.Time) (int, error)
}
