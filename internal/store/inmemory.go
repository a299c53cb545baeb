package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/courier/internal/bus"
	"github.com/nidhogg/courier/internal/embedding"
	"github.com/nidhogg/courier/internal/memory"
	"github.com/nidhogg/courier/internal/registry"
)

// InMemoryAgents implements registry.Store with a mutex-guarded map.
type InMemoryAgents struct {
	mu     sync.RWMutex
	agents map[string]*registry.Agent
}

// NewInMemoryAgents creates an empty in-memory agent store.
func NewInMemoryAgents() *InMemoryAgents {
	return &InMemoryAgents{agents: make(map[string]*registry.Agent)}
}

func (s *InMemoryAgents) Put(ctx context.Context, a *registry.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	s.agents[a.ID] = &c
	return nil
}

func (s *InMemoryAgents) Get(ctx context.Context, id string) (*registry.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownAgent, id)
	}
	c := *a
	return &c, nil
}

func (s *InMemoryAgents) List(ctx context.Context) ([]*registry.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*registry.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (s *InMemoryAgents) SetHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownAgent, id)
	}
	a.LastHeartbeat = at
	return nil
}

// storedMessage carries in-memory bookkeeping alongside the message.
type storedMessage struct {
	msg     *bus.Message
	ackedAt time.Time
}

// InMemoryMessages implements bus.Store with a mutex-guarded map. Every
// method holds the lock for its whole read-modify-write, which gives the
// same atomicity guarantee the SQL backend gets from row locks.
type InMemoryMessages struct {
	mu       sync.Mutex
	messages map[string]*storedMessage
}

// NewInMemoryMessages creates an empty in-memory message store.
func NewInMemoryMessages() *InMemoryMessages {
	return &InMemoryMessages{messages: make(map[string]*storedMessage)}
}

func (s *InMemoryMessages) Append(ctx context.Context, msgs ...*bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = &storedMessage{msg: m.Clone()}
	}
	return nil
}

func (s *InMemoryMessages) Next(ctx context.Context, agentID string, now time.Time, redeliverAfter time.Duration, limit int, peek bool) ([]*bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*storedMessage
	for _, sm := range s.messages {
		if sm.msg.Recipient != agentID || sm.msg.Expired(now) {
			continue
		}
		switch sm.msg.AckState {
		case bus.AckPending:
			candidates = append(candidates, sm)
		case bus.AckDelivered:
			if !sm.msg.DeliveredAt.After(now.Add(-redeliverAfter)) {
				candidates = append(candidates, sm)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].msg, candidates[j].msg
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*bus.Message, 0, len(candidates))
	for _, sm := range candidates {
		if !peek {
			sm.msg.AckState = bus.AckDelivered
			sm.msg.DeliveredAt = now
		}
		out = append(out, sm.msg.Clone())
	}
	return out, nil
}

func (s *InMemoryMessages) Ack(ctx context.Context, id string, now time.Time) (bus.AckState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.messages[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	prev := sm.msg.AckState
	if prev != bus.AckAcked && prev != bus.AckExpired && sm.msg.Expired(now) {
		sm.msg.AckState = bus.AckExpired
		return bus.AckExpired, nil
	}
	if prev == bus.AckPending || prev == bus.AckDelivered {
		sm.msg.AckState = bus.AckAcked
		sm.ackedAt = now
	}
	return prev, nil
}

func (s *InMemoryMessages) Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	cutoff := now.Add(-retention)
	for id, sm := range s.messages {
		if sm.msg.Expired(now) &&
			(sm.msg.AckState == bus.AckPending || sm.msg.AckState == bus.AckDelivered) {
			sm.msg.AckState = bus.AckExpired
			expired++
		}
		switch sm.msg.AckState {
		case bus.AckExpired:
			if sm.msg.ExpiresAt.Before(cutoff) {
				delete(s.messages, id)
			}
		case bus.AckAcked:
			if !sm.ackedAt.IsZero() && sm.ackedAt.Before(cutoff) {
				delete(s.messages, id)
			}
		}
	}
	return expired, nil
}

func (s *InMemoryMessages) Get(ctx context.Context, id string) (*bus.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	return sm.msg.Clone(), nil
}

func (s *InMemoryMessages) PendingCount(ctx context.Context, agentID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sm := range s.messages {
		if sm.msg.Recipient != agentID || sm.msg.Expired(now) {
			continue
		}
		if sm.msg.AckState == bus.AckPending || sm.msg.AckState == bus.AckDelivered {
			n++
		}
	}
	return n, nil
}

// InMemoryMemories implements memory.MetaStore with a mutex-guarded map.
type InMemoryMemories struct {
	mu       sync.RWMutex
	memories map[string]*memory.Memory
}

// NewInMemoryMemories creates an empty in-memory memory record store.
func NewInMemoryMemories() *InMemoryMemories {
	return &InMemoryMemories{memories: make(map[string]*memory.Memory)}
}

func (s *InMemoryMemories) Insert(ctx context.Context, m *memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.memories[m.ID] = &c
	return nil
}

func (s *InMemoryMemories) Get(ctx context.Context, id string) (*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	c := *m
	return &c, nil
}

func (s *InMemoryMemories) GetMany(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*memory.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *InMemoryMemories) List(ctx context.Context, partitions []string) ([]*memory.Memory, error) {
	want := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		want[p] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*memory.Memory
	for _, m := range s.memories {
		if want[m.Partition] {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *InMemoryMemories) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	if at.After(m.LastAccessAt) {
		m.LastAccessAt = at
	}
	return nil
}

func (s *InMemoryMemories) DeletePartition(ctx context.Context, partition string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.memories {
		if m.Partition == partition {
			delete(s.memories, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryMemories) CountByCategory(ctx context.Context) (map[memory.Category]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[memory.Category]int)
	for _, m := range s.memories {
		counts[m.Category]++
	}
	return counts, nil
}

// InMemoryVectors is a brute-force memory.VectorIndex: linear scan with
// exact cosine similarity. Fine for tests and small single-process
// deployments; Qdrant is the production index.
type InMemoryVectors struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	meta    map[string]memory.Memory
}

// NewInMemoryVectors creates an empty in-memory vector index.
func NewInMemoryVectors() *InMemoryVectors {
	return &InMemoryVectors{
		vectors: make(map[string][]float32),
		meta:    make(map[string]memory.Memory),
	}
}

func (s *InMemoryVectors) Upsert(ctx context.Context, id string, vector []float32, m *memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]float32, len(vector))
	copy(v, vector)
	s.vectors[id] = v
	s.meta[id] = *m
	return nil
}

func (s *InMemoryVectors) Search(ctx context.Context, vector []float32, filter memory.VectorFilter, limit int) ([]memory.VectorHit, error) {
	want := make(map[string]bool, len(filter.Partitions))
	for _, p := range filter.Partitions {
		want[p] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []memory.VectorHit
	for id, v := range s.vectors {
		m := s.meta[id]
		if len(want) > 0 && !want[m.Partition] {
			continue
		}
		if filter.Category != "" && m.Category != filter.Category {
			continue
		}
		if m.Importance < filter.MinImportance {
			continue
		}
		hits = append(hits, memory.VectorHit{ID: id, Score: embedding.Cosine(vector, v)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *InMemoryVectors) DeletePartition(ctx context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.meta {
		if m.Partition == partition {
			delete(s.meta, id)
			delete(s.vectors, id)
		}
	}
	return nil
}
