package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/courier/internal/registry"
)

// AgentStore implements registry.Store over PostgreSQL.
type AgentStore struct {
	db *DB
}

// NewAgentStore creates a Postgres-backed agent store.
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db}
}

// Put upserts an agent record.
func (s *AgentStore) Put(ctx context.Context, a *registry.Agent) error {
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO agents (id, capabilities, registered_at, last_heartbeat)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		a.ID, a.Capabilities, a.RegisteredAt, a.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// Get retrieves a single agent by id.
func (s *AgentStore) Get(ctx context.Context, id string) (*registry.Agent, error) {
	row := s.db.pool.QueryRow(ctx, `
		SELECT id, capabilities, registered_at, last_heartbeat
		FROM agents WHERE id = $1`, id)

	var a registry.Agent
	err := row.Scan(&a.ID, &a.Capabilities, &a.RegisteredAt, &a.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownAgent, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

// List returns all known agents.
func (s *AgentStore) List(ctx context.Context) ([]*registry.Agent, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT id, capabilities, registered_at, last_heartbeat
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*registry.Agent
	for rows.Next() {
		var a registry.Agent
		if err := rows.Scan(&a.ID, &a.Capabilities, &a.RegisteredAt, &a.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// SetHeartbeat moves an agent's heartbeat timestamp forward.
func (s *AgentStore) SetHeartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.pool.Exec(ctx,
		`UPDATE agents SET last_heartbeat = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", registry.ErrUnknownAgent, id)
	}
	return nil
}
