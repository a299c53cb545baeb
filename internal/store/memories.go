package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/courier/internal/memory"
)

// MemoryStore implements memory.MetaStore over PostgreSQL. The embedding
// vector is not kept here; the vector index owns it.
type MemoryStore struct {
	db *DB
}

// NewMemoryStore creates a Postgres-backed memory record store.
func NewMemoryStore(db *DB) *MemoryStore {
	return &MemoryStore{db: db}
}

const memoryColumns = `id, content, category, importance, partition_key,
	source_message_id, created_at, last_access_at`

// Insert persists a new memory record.
func (s *MemoryStore) Insert(ctx context.Context, m *memory.Memory) error {
	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO memories
			(id, content, category, importance, partition_key, source_message_id,
			 created_at, last_access_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.Content, string(m.Category), m.Importance, m.Partition,
		nullString(m.SourceMessageID), m.CreatedAt, m.LastAccessAt)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

// Get retrieves a single memory by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*memory.Memory, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	defer rows.Close()
	mems, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return nil, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	return mems[0], nil
}

// GetMany returns the records for the given ids, skipping unknown ones.
func (s *MemoryStore) GetMany(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// List returns every record in the given partitions.
func (s *MemoryStore) List(ctx context.Context, partitions []string) ([]*memory.Memory, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE partition_key = ANY($1)
		 ORDER BY created_at DESC`, partitions)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Touch moves the record's last-access timestamp forward.
func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.pool.Exec(ctx,
		`UPDATE memories SET last_access_at = $1 WHERE id = $2 AND last_access_at < $1`,
		at, id)
	if err != nil {
		return fmt.Errorf("touch memory %s: %w", id, err)
	}
	return nil
}

// DeletePartition removes every record in the partition.
func (s *MemoryStore) DeletePartition(ctx context.Context, partition string) (int, error) {
	tag, err := s.db.pool.Exec(ctx,
		`DELETE FROM memories WHERE partition_key = $1`, partition)
	if err != nil {
		return 0, fmt.Errorf("delete partition %s: %w", partition, err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByCategory returns per-category record counts.
func (s *MemoryStore) CountByCategory(ctx context.Context) (map[memory.Category]int, error) {
	rows, err := s.db.pool.Query(ctx,
		`SELECT category, COUNT(*) FROM memories GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}
	defer rows.Close()

	counts := make(map[memory.Category]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[memory.Category(cat)] = n
	}
	return counts, rows.Err()
}

func scanMemories(rows pgx.Rows) ([]*memory.Memory, error) {
	var mems []*memory.Memory
	for rows.Next() {
		var (
			m      memory.Memory
			cat    string
			source *string
		)
		if err := rows.Scan(&m.ID, &m.Content, &cat, &m.Importance,
			&m.Partition, &source, &m.CreatedAt, &m.LastAccessAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Category = memory.Category(cat)
		if source != nil {
			m.SourceMessageID = *source
		}
		mems = append(mems, &m)
	}
	return mems, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
