package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/bus"
	"github.com/nidhogg/courier/internal/classify"
	"github.com/nidhogg/courier/internal/coordinator"
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
	return classify.Result{Category: "factual", Importance: 0.5}, nil
}

// newTestServer wires a Handler over in-memory backends (no Postgres,
// Redis, or Qdrant).
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New(store.NewInMemoryAgents(), 90*time.Second, logger)
	broker := bus.NewBroker(store.NewInMemoryMessages(), reg, bus.Config{}, logger)
	memories := memory.NewStore(
		store.NewInMemoryMemories(), store.NewInMemoryVectors(),
		stubEmbedder{}, stubClassifier{}, memory.Config{}, logger)
	dispatcher := dispatch.New(broker, 5*time.Millisecond, 10, logger)
	coord := coordinator.New(reg, broker, memories, dispatcher, coordinator.Config{}, logger)
	t.Cleanup(coord.Close)

	ts := httptest.NewServer(NewHandler(coord, logger).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestAgentLifecycle(t *testing.T) {
	ts := newTestServer(t)

	// Register
	resp := postJSON(t, ts, "/api/agents", map[string]interface{}{
		"id": "builder", "capabilities": []string{"compile"},
	})
	if resp.StatusCode != 201 {
		t.Fatalf("register: expected 201, got %d", resp.StatusCode)
	}
	var a registry.Agent
	decodeJSON(t, resp, &a)
	if a.ID != "builder" {
		t.Errorf("expected id builder, got %q", a.ID)
	}

	// Re-register with different capabilities — conflict
	resp = postJSON(t, ts, "/api/agents", map[string]interface{}{
		"id": "builder", "capabilities": []string{"compile", "deploy"},
	})
	if resp.StatusCode != 409 {
		t.Errorf("conflict: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Overwrite resolves it
	resp = postJSON(t, ts, "/api/agents", map[string]interface{}{
		"id": "builder", "capabilities": []string{"compile", "deploy"}, "overwrite": true,
	})
	if resp.StatusCode != 201 {
		t.Errorf("overwrite: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Heartbeat
	resp = postJSON(t, ts, "/api/agents/builder/heartbeat", nil)
	if resp.StatusCode != 200 {
		t.Errorf("heartbeat: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Heartbeat for unknown agent
	resp = postJSON(t, ts, "/api/agents/ghost/heartbeat", nil)
	if resp.StatusCode != 404 {
		t.Errorf("unknown heartbeat: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Status
	resp = getJSON(t, ts, "/api/agents/builder")
	var status map[string]string
	decodeJSON(t, resp, &status)
	if status["status"] != "online" {
		t.Errorf("expected online, got %q", status["status"])
	}

	// Discover by capability
	resp = getJSON(t, ts, "/api/agents?capability=deploy")
	var agents []registry.Agent
	decodeJSON(t, resp, &agents)
	if len(agents) != 1 || agents[0].ID != "builder" {
		t.Errorf("discover: expected [builder], got %v", agents)
	}

	resp = getJSON(t, ts, "/api/agents?capability=paint")
	decodeJSON(t, resp, &agents)
	if len(agents) != 0 {
		t.Errorf("discover paint: expected none, got %v", agents)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	// Send
	resp := postJSON(t, ts, "/api/messages", map[string]interface{}{
		"sender": "planner", "recipient": "builder",
		"type": "request", "priority": 2,
		"payload": map[string]string{"cmd": "build"},
	})
	if resp.StatusCode != 201 {
		t.Fatalf("send: expected 201, got %d", resp.StatusCode)
	}
	var sent struct {
		IDs []string `json:"ids"`
	}
	decodeJSON(t, resp, &sent)
	if len(sent.IDs) != 1 {
		t.Fatalf("expected 1 id, got %v", sent.IDs)
	}

	// Receive
	resp = getJSON(t, ts, "/api/agents/builder/messages?max=10")
	if resp.StatusCode != 200 {
		t.Fatalf("receive: expected 200, got %d", resp.StatusCode)
	}
	var msgs []bus.Message
	decodeJSON(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0].ID != sent.IDs[0] {
		t.Fatalf("receive: expected the sent message, got %v", msgs)
	}

	// Ack
	resp = postJSON(t, ts, "/api/messages/"+sent.IDs[0]+"/ack", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("ack: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Double ack — conflict
	resp = postJSON(t, ts, "/api/messages/"+sent.IDs[0]+"/ack", nil)
	if resp.StatusCode != 409 {
		t.Errorf("double ack: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Audit lookup still works after ack
	resp = getJSON(t, ts, "/api/messages/"+sent.IDs[0])
	var audited bus.Message
	decodeJSON(t, resp, &audited)
	if audited.AckState != bus.AckAcked {
		t.Errorf("audit: expected acked, got %s", audited.AckState)
	}

	// Unknown message
	resp = getJSON(t, ts, "/api/messages/no-such-id")
	if resp.StatusCode != 404 {
		t.Errorf("unknown message: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSendValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	// Priority out of range
	resp := postJSON(t, ts, "/api/messages", map[string]interface{}{
		"sender": "a", "recipient": "b", "type": "request", "priority": 9,
	})
	if resp.StatusCode != 400 {
		t.Errorf("bad priority: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown type
	resp = postJSON(t, ts, "/api/messages", map[string]interface{}{
		"sender": "a", "recipient": "b", "type": "gossip", "priority": 3,
	})
	if resp.StatusCode != 400 {
		t.Errorf("bad type: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Broadcast with nobody registered
	resp = postJSON(t, ts, "/api/messages", map[string]interface{}{
		"sender": "a", "recipient": "*", "type": "notification", "priority": 3,
	})
	if resp.StatusCode != 400 {
		t.Errorf("empty broadcast: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMemoryEndpoints(t *testing.T) {
	ts := newTestServer(t)

	// Store with explicit category
	resp := postJSON(t, ts, "/api/memories", map[string]interface{}{
		"content": "retry budget is three attempts", "category": "procedural",
		"importance": 0.8, "partition": "proj-a",
	})
	if resp.StatusCode != 201 {
		t.Fatalf("store: expected 201, got %d", resp.StatusCode)
	}
	var m memory.Memory
	decodeJSON(t, resp, &m)
	if m.Category != memory.CategoryProcedural {
		t.Errorf("expected procedural, got %s", m.Category)
	}

	// Store letting the classifier decide
	resp = postJSON(t, ts, "/api/memories", map[string]interface{}{
		"content": "the gateway lives in its own repo", "partition": "proj-a",
	})
	if resp.StatusCode != 201 {
		t.Fatalf("store auto: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Invalid category
	resp = postJSON(t, ts, "/api/memories", map[string]interface{}{
		"content": "x", "category": "vibes", "importance": 0.5, "partition": "proj-a",
	})
	if resp.StatusCode != 400 {
		t.Errorf("bad category: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Recall
	resp = postJSON(t, ts, "/api/memories/recall", map[string]interface{}{
		"query": "retry budget", "partition": "proj-a", "limit": 5,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("recall: expected 200, got %d", resp.StatusCode)
	}
	var res memory.RecallResult
	decodeJSON(t, resp, &res)
	if len(res.Memories) != 2 {
		t.Errorf("expected 2 recalled memories, got %d", len(res.Memories))
	}
	if res.Degraded {
		t.Error("unexpected degraded recall")
	}

	// Purge
	resp = deleteReq(t, ts, "/api/partitions/proj-a")
	if resp.StatusCode != 200 {
		t.Fatalf("purge: expected 200, got %d", resp.StatusCode)
	}
	var purged map[string]int
	decodeJSON(t, resp, &purged)
	if purged["removed"] != 2 {
		t.Errorf("expected 2 removed, got %d", purged["removed"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	postJSON(t, ts, "/api/agents", map[string]interface{}{"id": "builder"}).Body.Close()
	postJSON(t, ts, "/api/messages", map[string]interface{}{
		"sender": "planner", "recipient": "builder", "type": "request", "priority": 3,
		"payload": map[string]string{"cmd": "go"},
	}).Body.Close()

	resp := getJSON(t, ts, "/api/agents/builder/stats")
	if resp.StatusCode != 200 {
		t.Fatalf("stats: expected 200, got %d", resp.StatusCode)
	}
	var stats coordinator.Stats
	decodeJSON(t, resp, &stats)
	if stats.QueueDepth != 1 {
		t.Errorf("expected queue depth 1, got %d", stats.QueueDepth)
	}
	if stats.RegisteredAgents != 1 {
		t.Errorf("expected 1 registered agent, got %d", stats.RegisteredAgents)
	}
}
