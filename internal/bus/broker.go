package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recipients supplies the registered agent ids a broadcast fans out to.
// Satisfied by registry.Registry.
type Recipients interface {
	AgentIDs(ctx context.Context) ([]string, error)
}

// Config tunes broker behavior.
type Config struct {
	// RedeliveryTimeout is how long a DELIVERED message may sit unacked
	// before it becomes deliverable again.
	RedeliveryTimeout time.Duration
	// Retention is how long expired and acked messages are kept for audit.
	Retention time.Duration
	// MaxReceive caps the batch size of a single Receive call.
	MaxReceive int
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		RedeliveryTimeout: 5 * time.Minute,
		Retention:         7 * 24 * time.Hour,
		MaxReceive:        50,
	}
}

// Broker is the agent message bus: priority-ordered durable queues with
// acknowledgment, expiry, and broadcast fan-out. All ordering decisions use
// server-assigned timestamps and a monotonic sequence number, so clients
// with skewed clocks cannot reorder a queue.
type Broker struct {
	store      Store
	recipients Recipients
	cfg        Config
	clock      func() time.Time
	seq        atomic.Uint64
	logger     *zap.Logger
}

// NewBroker creates a Broker over the given store. recipients may be nil,
// in which case broadcasts fail with ErrNoRecipients.
func NewBroker(store Store, recipients Recipients, cfg Config, logger *zap.Logger) *Broker {
	if cfg.RedeliveryTimeout <= 0 {
		cfg.RedeliveryTimeout = DefaultConfig().RedeliveryTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.MaxReceive <= 0 {
		cfg.MaxReceive = DefaultConfig().MaxReceive
	}
	return &Broker{
		store:      store,
		recipients: recipients,
		cfg:        cfg,
		clock:      time.Now,
		logger:     logger,
	}
}

// SetClock overrides the broker's time source. Test hook.
func (b *Broker) SetClock(clock func() time.Time) { b.clock = clock }

// Send validates and enqueues a message, returning the ids of the enqueued
// copies: one for a direct send, one per registered agent for a broadcast.
// Creation timestamp and sequence are assigned server-side; any caller
// supplied values are discarded.
func (b *Broker) Send(ctx context.Context, msg *Message) ([]string, error) {
	if msg.Priority < PriorityCritical || msg.Priority > PriorityBackground {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPriority, msg.Priority)
	}
	if !ValidType(msg.Type) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, msg.Type)
	}
	if msg.Recipient == "" {
		return nil, ErrEmptyRecipient
	}
	if len(msg.Payload) > 0 && !json.Valid(msg.Payload) {
		return nil, ErrInvalidPayload
	}

	b.sweep(ctx)

	now := b.clock()
	base := msg.Clone()
	base.CreatedAt = now
	base.DeliveredAt = time.Time{}
	base.AckState = AckPending

	var copies []*Message
	if msg.Recipient == Broadcast {
		if b.recipients == nil {
			return nil, ErrNoRecipients
		}
		ids, err := b.recipients.AgentIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve broadcast recipients: %w", err)
		}
		for _, id := range ids {
			if id == msg.Sender {
				continue
			}
			c := base.Clone()
			c.Recipient = id
			copies = append(copies, c)
		}
		if len(copies) == 0 {
			return nil, ErrNoRecipients
		}
	} else {
		copies = []*Message{base}
	}

	for _, c := range copies {
		c.ID = uuid.New().String()
		c.Seq = b.seq.Add(1)
	}
	if err := b.store.Append(ctx, copies...); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	out := make([]string, len(copies))
	for i, c := range copies {
		out[i] = c.ID
	}
	b.logger.Debug("message enqueued",
		zap.String("sender", msg.Sender),
		zap.String("recipient", msg.Recipient),
		zap.String("type", string(msg.Type)),
		zap.Int("priority", int(msg.Priority)),
		zap.Int("copies", len(copies)))
	return out, nil
}

// Receive returns up to max pending, non-expired messages for the agent in
// (priority, created_at, seq) order and marks them DELIVERED. A delivered
// message left unacked past the redelivery timeout is returned again;
// consumers must be idempotent.
func (b *Broker) Receive(ctx context.Context, agentID string, max int) ([]*Message, error) {
	return b.fetch(ctx, agentID, max, false)
}

// Peek is the non-mutating variant of Receive used by the notification
// dispatcher: it never transitions messages to DELIVERED.
func (b *Broker) Peek(ctx context.Context, agentID string, max int) ([]*Message, error) {
	return b.fetch(ctx, agentID, max, true)
}

func (b *Broker) fetch(ctx context.Context, agentID string, max int, peek bool) ([]*Message, error) {
	if max <= 0 || max > b.cfg.MaxReceive {
		max = b.cfg.MaxReceive
	}
	b.sweep(ctx)
	msgs, err := b.store.Next(ctx, agentID, b.clock(), b.cfg.RedeliveryTimeout, max, peek)
	if err != nil {
		return nil, fmt.Errorf("receive for %s: %w", agentID, err)
	}
	return msgs, nil
}

// Acknowledge marks a message ACKED. Acknowledging twice returns
// ErrAlreadyAcked; acknowledging after expiry is not an error, since the
// outcome for the caller is the same either way.
func (b *Broker) Acknowledge(ctx context.Context, id string) error {
	b.sweep(ctx)
	prev, err := b.store.Ack(ctx, id, b.clock())
	if err != nil {
		return err
	}
	switch prev {
	case AckAcked:
		return ErrAlreadyAcked
	case AckExpired:
		b.logger.Debug("acknowledged expired message", zap.String("id", id))
	}
	return nil
}

// Get returns a message by id regardless of state, for audit.
func (b *Broker) Get(ctx context.Context, id string) (*Message, error) {
	return b.store.Get(ctx, id)
}

// PendingCount reports how many messages Receive would currently consider
// for the agent.
func (b *Broker) PendingCount(ctx context.Context, agentID string) (int, error) {
	return b.store.PendingCount(ctx, agentID, b.clock())
}

// sweep runs the expiry pass. It is invoked on every access rather than
// from a timer, so a message with a past expiry is excluded from delivery
// even if no dedicated sweeper ever ran.
func (b *Broker) sweep(ctx context.Context) {
	n, err := b.store.Sweep(ctx, b.clock(), b.cfg.Retention)
	if err != nil {
		b.logger.Warn("expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		b.logger.Debug("messages expired", zap.Int("count", n))
	}
}
