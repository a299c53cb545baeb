package memory

import (
	"context"
	"errors"
	"time"
)

// Category is one of the seven fixed memory tags.
type Category string

const (
	CategoryFactual        Category = "factual"
	CategoryProcedural     Category = "procedural"
	CategoryEpisodic       Category = "episodic"
	CategorySemantic       Category = "semantic"
	CategoryOrganizational Category = "organizational"
	CategoryArchitectural  Category = "architectural"
	CategoryTemporal       Category = "temporal"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryFactual, CategoryProcedural, CategoryEpisodic, CategorySemantic,
	CategoryOrganizational, CategoryArchitectural, CategoryTemporal,
}

// ValidCategory reports whether c is one of the fixed tags.
func ValidCategory(c Category) bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// GlobalPartition is inherited by every project: recall against any
// partition also searches it.
const GlobalPartition = "global"

var (
	ErrInvalidCategory  = errors.New("memory: invalid category")
	ErrInvalidPartition = errors.New("memory: partition is required")
	ErrEmptyContent     = errors.New("memory: content is required")
	ErrNotFound         = errors.New("memory: not found")
)

// Memory is a durable knowledge record. The embedding vector lives in the
// vector index and is never exposed on the wire.
type Memory struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	Category        Category  `json:"category"`
	Importance      float64   `json:"importance"`
	Partition       string    `json:"partition"`
	SourceMessageID string    `json:"-"` // foreign id of the message this was extracted from, if any
	CreatedAt       time.Time `json:"created_at"`
	LastAccessAt    time.Time `json:"last_access_at"`
}

// MetaStore persists memory records (everything but the vector).
type MetaStore interface {
	Insert(ctx context.Context, m *Memory) error
	Get(ctx context.Context, id string) (*Memory, error)
	// GetMany returns the records for the given ids, skipping unknown ones.
	GetMany(ctx context.Context, ids []string) ([]*Memory, error)
	// List returns all records in the given partitions, used by the keyword
	// fallback when embedding is unavailable.
	List(ctx context.Context, partitions []string) ([]*Memory, error)
	// Touch moves the record's last-access timestamp forward.
	Touch(ctx context.Context, id string, at time.Time) error
	// DeletePartition removes every record in the partition, returning the
	// count. Operator purge is the only physical delete path.
	DeletePartition(ctx context.Context, partition string) (int, error)
	// CountByCategory returns per-category record counts.
	CountByCategory(ctx context.Context) (map[Category]int, error)
}

// VectorFilter restricts a vector search.
type VectorFilter struct {
	Partitions    []string
	Category      Category // empty = any
	MinImportance float64  // on the stored importance field
}

// VectorHit is a single similarity result.
type VectorHit struct {
	ID    string
	Score float64 // cosine similarity
}

// VectorIndex is the similarity side of the store: Qdrant in production,
// a brute-force in-memory index in tests.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, m *Memory) error
	Search(ctx context.Context, vector []float32, filter VectorFilter, limit int) ([]VectorHit, error)
	DeletePartition(ctx context.Context, partition string) error
}
