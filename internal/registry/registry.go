package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is an agent's liveness, always derived from heartbeat age at read
// time and never stored, so the stored record can't diverge from the clock.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

var (
	ErrUnknownAgent       = errors.New("registry: unknown agent")
	ErrCapabilityConflict = errors.New("registry: agent already registered with different capabilities")
	ErrEmptyAgentID       = errors.New("registry: agent id is required")
)

// Agent is a registered bus participant. Agents are never hard-deleted;
// a stale agent simply reports OFFLINE, preserving message attribution.
type Agent struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Store persists agent records. Liveness is kept in the Registry's own
// index; the store is write-through.
type Store interface {
	Put(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	SetHeartbeat(ctx context.Context, id string, at time.Time) error
}

// Registry tracks known agents, their capability sets, and liveness.
type Registry struct {
	store   Store
	timeout time.Duration
	clock   func() time.Time
	logger  *zap.Logger

	mu       sync.RWMutex
	liveness map[string]time.Time
}

// New creates a Registry. timeout is the heartbeat age past which an agent
// reports OFFLINE; it should be at least three heartbeat intervals.
func New(store Store, timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Registry{
		store:    store,
		timeout:  timeout,
		clock:    time.Now,
		logger:   logger,
		liveness: make(map[string]time.Time),
	}
}

// SetClock overrides the registry's time source. Test hook.
func (r *Registry) SetClock(clock func() time.Time) { r.clock = clock }

// Register records an agent. Registration is idempotent when the capability
// set matches the existing record exactly; a mismatch returns
// ErrCapabilityConflict and the caller must use Overwrite. Registration
// counts as a heartbeat.
func (r *Registry) Register(ctx context.Context, agentID string, capabilities []string) (*Agent, error) {
	if agentID == "" {
		return nil, ErrEmptyAgentID
	}
	existing, err := r.store.Get(ctx, agentID)
	if err != nil && !errors.Is(err, ErrUnknownAgent) {
		return nil, fmt.Errorf("register %s: %w", agentID, err)
	}
	if existing != nil && !sameCapabilities(existing.Capabilities, capabilities) {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityConflict, agentID)
	}
	return r.put(ctx, agentID, capabilities, existing)
}

// Overwrite registers an agent replacing any previously declared
// capability set. This is the explicit conflict-resolution path.
func (r *Registry) Overwrite(ctx context.Context, agentID string, capabilities []string) (*Agent, error) {
	if agentID == "" {
		return nil, ErrEmptyAgentID
	}
	existing, err := r.store.Get(ctx, agentID)
	if err != nil && !errors.Is(err, ErrUnknownAgent) {
		return nil, fmt.Errorf("overwrite %s: %w", agentID, err)
	}
	return r.put(ctx, agentID, capabilities, existing)
}

func (r *Registry) put(ctx context.Context, agentID string, capabilities []string, existing *Agent) (*Agent, error) {
	now := r.clock()
	caps := append([]string(nil), capabilities...)
	sort.Strings(caps)

	a := &Agent{
		ID:            agentID,
		Capabilities:  caps,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if existing != nil {
		a.RegisteredAt = existing.RegisteredAt
	}
	if err := r.store.Put(ctx, a); err != nil {
		return nil, fmt.Errorf("persist agent %s: %w", agentID, err)
	}

	r.mu.Lock()
	r.liveness[agentID] = now
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent", agentID),
		zap.Strings("capabilities", caps))
	return a, nil
}

// Heartbeat refreshes an agent's liveness. ErrUnknownAgent when the agent
// never registered.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	if _, err := r.store.Get(ctx, agentID); err != nil {
		return err
	}
	now := r.clock()
	if err := r.store.SetHeartbeat(ctx, agentID, now); err != nil {
		return fmt.Errorf("heartbeat %s: %w", agentID, err)
	}
	r.mu.Lock()
	r.liveness[agentID] = now
	r.mu.Unlock()
	return nil
}

// Status derives the agent's liveness from heartbeat age.
func (r *Registry) Status(ctx context.Context, agentID string) Status {
	r.mu.RLock()
	last, ok := r.liveness[agentID]
	r.mu.RUnlock()
	if !ok {
		a, err := r.store.Get(ctx, agentID)
		if err != nil {
			return StatusUnknown
		}
		last = a.LastHeartbeat
	}
	if last.IsZero() {
		return StatusUnknown
	}
	if r.clock().Sub(last) > r.timeout {
		return StatusOffline
	}
	return StatusOnline
}

// Discover returns agents whose capability set contains every tag in
// filter, ordered by id for determinism. An empty filter returns all known
// agents regardless of status.
func (r *Registry) Discover(ctx context.Context, filter []string) ([]*Agent, error) {
	agents, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	var out []*Agent
	for _, a := range agents {
		if hasAll(a.Capabilities, filter) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AgentIDs returns every registered agent id, ordered. Satisfies
// bus.Recipients for broadcast fan-out.
func (r *Registry) AgentIDs(ctx context.Context) ([]string, error) {
	agents, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func sameCapabilities(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func hasAll(caps, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
