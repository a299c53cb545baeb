// Package coordinator is the API surface composing the registry, broker,
// memory store, and dispatcher for a calling agent: register, send,
// poll-or-subscribe, remember, recall.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/bus"
	"github.com/nidhogg/courier/internal/dispatch"
	"github.com/nidhogg/courier/internal/memory"
	"github.com/nidhogg/courier/internal/registry"
)

// Config tunes the façade.
type Config struct {
	// HeartbeatInterval drives the RunHeartbeat helper. Default 30s.
	HeartbeatInterval time.Duration
	// MemoryWriteTimeout bounds the asynchronous memory write that follows
	// a significant message. Default 30s (it includes two external calls).
	MemoryWriteTimeout time.Duration
}

// DefaultConfig returns the façade defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  30 * time.Second,
		MemoryWriteTimeout: 30 * time.Second,
	}
}

// Coordinator wires the bus components together. Every message exchange is
// expected to leave a durable trace: sending a conversationally
// significant message also stores a memory, asynchronously, so the send
// path never blocks on the external model functions.
type Coordinator struct {
	registry   *registry.Registry
	broker     *bus.Broker
	memories   *memory.Store
	dispatcher *dispatch.Dispatcher
	cfg        Config
	logger     *zap.Logger
	writes     sync.WaitGroup
}

// New creates a Coordinator.
func New(reg *registry.Registry, broker *bus.Broker, mem *memory.Store, disp *dispatch.Dispatcher, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.MemoryWriteTimeout <= 0 {
		cfg.MemoryWriteTimeout = DefaultConfig().MemoryWriteTimeout
	}
	return &Coordinator{
		registry:   reg,
		broker:     broker,
		memories:   mem,
		dispatcher: disp,
		cfg:        cfg,
		logger:     logger,
	}
}

// Register records an agent and its capability set.
func (c *Coordinator) Register(ctx context.Context, agentID string, capabilities []string) (*registry.Agent, error) {
	return c.registry.Register(ctx, agentID, capabilities)
}

// RegisterOverwrite replaces an agent's declared capabilities. It is the
// explicit resolution path after a capability conflict.
func (c *Coordinator) RegisterOverwrite(ctx context.Context, agentID string, capabilities []string) (*registry.Agent, error) {
	return c.registry.Overwrite(ctx, agentID, capabilities)
}

// Heartbeat refreshes the agent's liveness.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string) error {
	return c.registry.Heartbeat(ctx, agentID)
}

// Status reports the agent's derived liveness.
func (c *Coordinator) Status(ctx context.Context, agentID string) registry.Status {
	return c.registry.Status(ctx, agentID)
}

// Discover lists agents matching the capability filter, ordered by id.
func (c *Coordinator) Discover(ctx context.Context, capabilities []string) ([]*registry.Agent, error) {
	return c.registry.Discover(ctx, capabilities)
}

// RunHeartbeat emits a heartbeat for the agent at the configured interval
// until ctx ends. Intended to be run in its own goroutine by an agent
// process.
func (c *Coordinator) RunHeartbeat(ctx context.Context, agentID string) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.registry.Heartbeat(ctx, agentID); err != nil && ctx.Err() == nil {
				c.logger.Warn("heartbeat failed",
					zap.String("agent", agentID), zap.Error(err))
			}
		}
	}
}

// Send enqueues a message and, when the content is conversationally
// significant, stores a memory trace of it in the background.
func (c *Coordinator) Send(ctx context.Context, msg *bus.Message) ([]string, error) {
	ids, err := c.broker.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	if text, partition, ok := significant(msg); ok {
		c.writes.Add(1)
		go c.remember(ids[0], msg, text, partition)
	}
	return ids, nil
}

// Reply sends a response to an earlier message, propagating its
// conversation id back to the sender.
func (c *Coordinator) Reply(ctx context.Context, original *bus.Message, sender string, payload json.RawMessage) ([]string, error) {
	return c.Send(ctx, &bus.Message{
		Sender:         sender,
		Recipient:      original.Sender,
		Type:           bus.TypeResponse,
		Priority:       original.Priority,
		ConversationID: original.ConversationID,
		Payload:        payload,
	})
}

// Receive returns up to max pending messages for the agent, marking them
// delivered.
func (c *Coordinator) Receive(ctx context.Context, agentID string, max int) ([]*bus.Message, error) {
	return c.broker.Receive(ctx, agentID, max)
}

// Acknowledge marks a message acknowledged.
func (c *Coordinator) Acknowledge(ctx context.Context, id string) error {
	return c.broker.Acknowledge(ctx, id)
}

// Message returns a message by id regardless of state, for audit.
func (c *Coordinator) Message(ctx context.Context, id string) (*bus.Message, error) {
	return c.broker.Get(ctx, id)
}

// Subscribe registers a callback invoked whenever new messages become
// pending for the agent.
func (c *Coordinator) Subscribe(agentID string, cb dispatch.Callback) error {
	return c.dispatcher.Subscribe(agentID, cb)
}

// Unsubscribe stops the agent's notification loop.
func (c *Coordinator) Unsubscribe(agentID string) {
	c.dispatcher.Unsubscribe(agentID)
}

// Remember ingests a memory directly.
func (c *Coordinator) Remember(ctx context.Context, req memory.StoreRequest) (*memory.Memory, error) {
	return c.memories.Store(ctx, req)
}

// Recall retrieves memories for a query.
func (c *Coordinator) Recall(ctx context.Context, req memory.RecallRequest) (*memory.RecallResult, error) {
	return c.memories.Recall(ctx, req)
}

// Purge removes every memory in a partition. Operator-only.
func (c *Coordinator) Purge(ctx context.Context, partition string) (int, error) {
	return c.memories.Purge(ctx, partition)
}

// Stats summarizes bus and memory state for an agent.
type Stats struct {
	QueueDepth       int                     `json:"queue_depth"`
	RegisteredAgents int                     `json:"registered_agents"`
	OnlineAgents     int                     `json:"online_agents"`
	MemoryCategories map[memory.Category]int `json:"memory_categories"`
}

// CommunicationStats reports queue depth for the agent plus registry and
// memory store counters.
func (c *Coordinator) CommunicationStats(ctx context.Context, agentID string) (*Stats, error) {
	depth, err := c.broker.PendingCount(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agents, err := c.registry.Discover(ctx, nil)
	if err != nil {
		return nil, err
	}
	online := 0
	for _, a := range agents {
		if c.registry.Status(ctx, a.ID) == registry.StatusOnline {
			online++
		}
	}
	categories, err := c.memories.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		QueueDepth:       depth,
		RegisteredAgents: len(agents),
		OnlineAgents:     online,
		MemoryCategories: categories,
	}, nil
}

// Close stops the dispatcher and waits for in-flight memory writes.
func (c *Coordinator) Close() {
	c.dispatcher.Close()
	c.writes.Wait()
}

// remember stores the memory trace of a sent message. Runs outside the
// send path; failures are logged, never surfaced to the sender.
func (c *Coordinator) remember(messageID string, msg *bus.Message, text, partition string) {
	defer c.writes.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.MemoryWriteTimeout)
	defer cancel()

	m, err := c.memories.Store(ctx, memory.StoreRequest{
		Content:         text,
		Partition:       partition,
		SourceMessageID: messageID,
	})
	if err != nil {
		c.logger.Warn("message memory trace failed",
			zap.String("message", messageID), zap.Error(err))
		return
	}
	c.logger.Debug("message memory trace stored",
		zap.String("message", messageID),
		zap.String("memory", m.ID))
}

// significantPayload is the subset of a payload that makes a message worth
// remembering.
type significantPayload struct {
	Text    string `json:"text"`
	Project string `json:"project"`
}

// significant reports whether a message should leave a memory trace:
// conversational types carrying a text payload. STATUS, NOTIFICATION and
// ERROR traffic is transient and never stored.
func significant(msg *bus.Message) (text, partition string, ok bool) {
	switch msg.Type {
	case bus.TypeRequest, bus.TypeResponse, bus.TypeCoordination, bus.TypeHandoff:
	default:
		return "", "", false
	}
	var p significantPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Text == "" {
		return "", "", false
	}
	partition = p.Project
	if partition == "" {
		partition = memory.GlobalPartition
	}
	return p.Text, partition, true
}
