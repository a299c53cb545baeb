package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/courier/internal/bus"
)

// MessageStore implements bus.Store over PostgreSQL. Atomicity of the
// receive path comes from row locks with SKIP LOCKED, so two competing
// consumers can never claim the same message.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a Postgres-backed message store.
func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, seq, sender, recipient, type, priority,
	conversation_id, payload, created_at, expires_at, delivered_at, ack_state`

// Append persists new messages in PENDING state.
func (s *MessageStore) Append(ctx context.Context, msgs ...*bus.Message) error {
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO messages
				(id, seq, sender, recipient, type, priority, conversation_id,
				 payload, created_at, expires_at, ack_state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.ID, m.Seq, m.Sender, m.Recipient, string(m.Type), int(m.Priority),
			m.ConversationID, []byte(m.Payload), m.CreatedAt,
			nullTime(m.ExpiresAt), string(bus.AckPending))
	}
	res := s.db.pool.SendBatch(ctx, batch)
	defer res.Close()
	for range msgs {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

// Next returns deliverable messages in (priority, created_at, seq) order.
func (s *MessageStore) Next(ctx context.Context, agentID string, now time.Time, redeliverAfter time.Duration, limit int, peek bool) ([]*bus.Message, error) {
	redeliverCutoff := now.Add(-redeliverAfter)

	if peek {
		rows, err := s.db.pool.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE recipient = $1
			  AND (expires_at IS NULL OR expires_at > $2)
			  AND (ack_state = 'pending'
			       OR (ack_state = 'delivered' AND delivered_at <= $3))
			ORDER BY priority, created_at, seq
			LIMIT $4`,
			agentID, now, redeliverCutoff, limit)
		if err != nil {
			return nil, fmt.Errorf("peek messages: %w", err)
		}
		defer rows.Close()
		return scanMessages(rows)
	}

	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin receive: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE recipient = $1
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND (ack_state = 'pending'
		       OR (ack_state = 'delivered' AND delivered_at <= $3))
		ORDER BY priority, created_at, seq
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		agentID, now, redeliverCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if _, err := tx.Exec(ctx, `
		UPDATE messages SET ack_state = 'delivered', delivered_at = $1
		WHERE id = ANY($2)`, now, ids); err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit receive: %w", err)
	}
	for _, m := range msgs {
		m.AckState = bus.AckDelivered
		m.DeliveredAt = now
	}
	return msgs, nil
}

// Ack atomically marks a message ACKED and returns its previous state.
func (s *MessageStore) Ack(ctx context.Context, id string, now time.Time) (bus.AckState, error) {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin ack: %w", err)
	}
	defer tx.Rollback(ctx)

	var state string
	var expiresAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT ack_state, expires_at FROM messages WHERE id = $1 FOR UPDATE`, id).
		Scan(&state, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("lock message %s: %w", id, err)
	}

	prev := bus.AckState(state)
	// A message past its expiry counts as expired even if no sweep ran.
	if prev != bus.AckAcked && prev != bus.AckExpired && expiresAt != nil && now.After(*expiresAt) {
		prev = bus.AckExpired
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET ack_state = 'expired' WHERE id = $1`, id); err != nil {
			return "", fmt.Errorf("expire message %s: %w", id, err)
		}
	} else if prev == bus.AckPending || prev == bus.AckDelivered {
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET ack_state = 'acked', acked_at = $1 WHERE id = $2`, now, id); err != nil {
			return "", fmt.Errorf("ack message %s: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit ack: %w", err)
	}
	return prev, nil
}

// Sweep expires overdue messages and prunes records past retention.
func (s *MessageStore) Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE messages SET ack_state = 'expired'
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		  AND ack_state IN ('pending', 'delivered')`, now)
	if err != nil {
		return 0, fmt.Errorf("expire messages: %w", err)
	}
	cutoff := now.Add(-retention)
	if _, err := s.db.pool.Exec(ctx, `
		DELETE FROM messages
		WHERE (ack_state = 'expired' AND expires_at <= $1)
		   OR (ack_state = 'acked' AND acked_at <= $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get returns a message by id regardless of state.
func (s *MessageStore) Get(ctx context.Context, id string) (*bus.Message, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	return msgs[0], nil
}

// PendingCount counts deliverable messages for the agent.
func (s *MessageStore) PendingCount(ctx context.Context, agentID string, now time.Time) (int, error) {
	var n int
	err := s.db.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE recipient = $1
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND ack_state IN ('pending', 'delivered')`, agentID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func scanMessages(rows pgx.Rows) ([]*bus.Message, error) {
	var msgs []*bus.Message
	for rows.Next() {
		var (
			m           bus.Message
			typ, state  string
			priority    int
			payload     []byte
			expiresAt   *time.Time
			deliveredAt *time.Time
		)
		if err := rows.Scan(&m.ID, &m.Seq, &m.Sender, &m.Recipient, &typ,
			&priority, &m.ConversationID, &payload, &m.CreatedAt,
			&expiresAt, &deliveredAt, &state); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = bus.Type(typ)
		m.Priority = bus.Priority(priority)
		m.Payload = payload
		m.AckState = bus.AckState(state)
		if expiresAt != nil {
			m.ExpiresAt = *expiresAt
		}
		if deliveredAt != nil {
			m.DeliveredAt = *deliveredAt
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
