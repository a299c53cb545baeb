package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/bus"
	"github.com/nidhogg/courier/internal/classify"
	"github.com/nidhogg/courier/internal/dispatch"
	"github.com/nidhogg/courier/internal/memory"
	"github.com/nidhogg/courier/internal/registry"
	"github.com/nidhogg/courier/internal/store"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (stubEmbedder) Dimension() int { return 3 }

type stubClassifier struct{}

func (stubClassifier) Classify(ctx context.Context, text string) (classify.Result, error) {
	return classify.Result{Category: "episodic", Importance: 0.6}, nil
}

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(store.NewInMemoryAgents(), 90*time.Second, logger)
	broker := bus.NewBroker(store.NewInMemoryMessages(), reg, bus.Config{}, logger)
	memories := memory.NewStore(
		store.NewInMemoryMemories(), store.NewInMemoryVectors(),
		stubEmbedder{}, stubClassifier{}, memory.Config{}, logger)
	dispatcher := dispatch.New(broker, 5*time.Millisecond, 10, logger)
	return New(reg, broker, memories, dispatcher, Config{}, logger)
}

func TestSendAndReceive(t *testing.T) {
	c := newCoordinator(t)
	defer c.Close()
	ctx := context.Background()

	ids, err := c.Send(ctx, &bus.Message{
		Sender: "planner", Recipient: "builder",
		Type: bus.TypeStatus, Priority: bus.PriorityNormal,
		Payload: json.RawMessage(`{"state":"idle"}`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := c.Receive(ctx, "builder", 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("receive: %v (%d msgs)", err, len(msgs))
	}
	if err := c.Acknowledge(ctx, ids[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestSendStoresMemoryTrace(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	_, err := c.Send(ctx, &bus.Message{
		Sender: "planner", Recipient: "builder",
		Type: bus.TypeHandoff, Priority: bus.PriorityHigh,
		Payload: json.RawMessage(`{"text":"auth module is yours now","project":"proj-a"}`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Close waits for the background write.
	c.Close()

	res, err := c.Recall(ctx, memory.RecallRequest{Query: "auth module", Partition: "proj-a"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(res.Memories) != 1 {
		t.Fatalf("expected 1 memory trace, got %d", len(res.Memories))
	}
	if res.Memories[0].SourceMessageID == "" {
		t.Error("trace missing source message id")
	}
	if res.Memories[0].Category != memory.CategoryEpisodic {
		t.Errorf("expected classifier category, got %s", res.Memories[0].Category)
	}
}

func TestSendSkipsTransientTraffic(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	// STATUS traffic and text-less payloads leave no trace.
	c.Send(ctx, &bus.Message{
		Sender: "a", Recipient: "b", Type: bus.TypeStatus, Priority: bus.PriorityLow,
		Payload: json.RawMessage(`{"text":"heartbeat ok"}`),
	})
	c.Send(ctx, &bus.Message{
		Sender: "a", Recipient: "b", Type: bus.TypeRequest, Priority: bus.PriorityNormal,
		Payload: json.RawMessage(`{"cmd":42}`),
	})
	c.Close()

	res, err := c.Recall(ctx, memory.RecallRequest{Query: "heartbeat", Partition: memory.GlobalPartition})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(res.Memories) != 0 {
		t.Fatalf("transient traffic produced %d traces", len(res.Memories))
	}
}

func TestReplyPropagatesConversation(t *testing.T) {
	c := newCoordinator(t)
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Send(ctx, &bus.Message{
		Sender: "planner", Recipient: "builder",
		Type: bus.TypeRequest, Priority: bus.PriorityHigh,
		ConversationID: "conv-7",
		Payload:        json.RawMessage(`{"cmd":"build"}`),
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	inbox, err := c.Receive(ctx, "builder", 1)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("receive: %v", err)
	}

	if _, err := c.Reply(ctx, inbox[0], "builder", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("reply: %v", err)
	}

	back, err := c.Receive(ctx, "planner", 1)
	if err != nil || len(back) != 1 {
		t.Fatalf("receive reply: %v", err)
	}
	r := back[0]
	if r.ConversationID != "conv-7" {
		t.Errorf("conversation id not propagated: %q", r.ConversationID)
	}
	if r.Type != bus.TypeResponse || r.Recipient != "planner" || r.Sender != "builder" {
		t.Errorf("reply misaddressed: %+v", r)
	}
	if r.Priority != bus.PriorityHigh {
		t.Errorf("reply should inherit priority, got %d", r.Priority)
	}
}

func TestBroadcastThroughRegistry(t *testing.T) {
	c := newCoordinator(t)
	defer c.Close()
	ctx := context.Background()

	for _, id := range []string{"planner", "builder", "reviewer"} {
		if _, err := c.Register(ctx, id, nil); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	ids, err := c.Send(ctx, &bus.Message{
		Sender: "planner", Recipient: bus.Broadcast,
		Type: bus.TypeCoordination, Priority: bus.PriorityNormal,
		Payload: json.RawMessage(`{"cmd":"sync"}`),
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 copies, got %d", len(ids))
	}

	// An agent registered after the send gets nothing.
	if _, err := c.Register(ctx, "latecomer", nil); err != nil {
		t.Fatalf("register latecomer: %v", err)
	}
	msgs, err := c.Receive(ctx, "latecomer", 10)
	if err != nil {
		t.Fatalf("receive latecomer: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("late joiner received %d broadcast copies", len(msgs))
	}
}

func TestCommunicationStats(t *testing.T) {
	c := newCoordinator(t)
	defer c.Close()
	ctx := context.Background()

	c.Register(ctx, "planner", nil)
	c.Register(ctx, "builder", nil)
	c.Send(ctx, &bus.Message{
		Sender: "planner", Recipient: "builder",
		Type: bus.TypeRequest, Priority: bus.PriorityNormal,
		Payload: json.RawMessage(`{"cmd":"go"}`),
	})

	stats, err := c.CommunicationStats(ctx, "builder")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.QueueDepth != 1 {
		t.Errorf("expected queue depth 1, got %d", stats.QueueDepth)
	}
	if stats.RegisteredAgents != 2 || stats.OnlineAgents != 2 {
		t.Errorf("expected 2 registered and online, got %d/%d",
			stats.RegisteredAgents, stats.OnlineAgents)
	}
}

func TestSubscribeDeliversNotifications(t *testing.T) {
	c := newCoordinator(t)
	defer c.Close()
	ctx := context.Background()

	got := make(chan *bus.Message, 10)
	if err := c.Subscribe("builder", func(msgs []*bus.Message) {
		for _, m := range msgs {
			got <- m
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := c.Send(ctx, &bus.Message{
		Sender: "planner", Recipient: "builder",
		Type: bus.TypeRequest, Priority: bus.PriorityNormal,
		Payload: json.RawMessage(`{"cmd":"go"}`),
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-got:
		if m.Recipient != "builder" {
			t.Errorf("notification misaddressed: %s", m.Recipient)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notification delivered")
	}
	c.Unsubscribe("builder")
}
