package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/bus"
)

// fakePeeker serves a mutable per-agent queue snapshot.
type fakePeeker struct {
	mu    sync.Mutex
	queue map[string][]*bus.Message
}

func newFakePeeker() *fakePeeker {
	return &fakePeeker{queue: make(map[string][]*bus.Message)}
}

func (p *fakePeeker) Peek(ctx context.Context, agentID string, max int) ([]*bus.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.queue[agentID]
	if len(msgs) > max {
		msgs = msgs[:max]
	}
	out := make([]*bus.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (p *fakePeeker) set(agentID string, msgs ...*bus.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue[agentID] = msgs
}

// collector accumulates delivered messages.
type collector struct {
	mu   sync.Mutex
	got  []*bus.Message
	tick chan struct{}
}

func newCollector() *collector {
	return &collector{tick: make(chan struct{}, 64)}
}

func (c *collector) cb(msgs []*bus.Message) {
	c.mu.Lock()
	c.got = append(c.got, msgs...)
	c.mu.Unlock()
	for range msgs {
		c.tick <- struct{}{}
	}
}

func (c *collector) wait(t *testing.T, n int) []*bus.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.tick:
		case <-deadline:
			t.Fatalf("timed out waiting for %d notifications", n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*bus.Message, len(c.got))
	copy(out, c.got)
	return out
}

func msg(id string) *bus.Message {
	return &bus.Message{ID: id, Recipient: "worker", Type: bus.TypeRequest, Priority: bus.PriorityNormal}
}

func TestDispatcherNotifiesNewMessagesOnce(t *testing.T) {
	p := newFakePeeker()
	d := New(p, 5*time.Millisecond, 10, zap.NewNop())
	defer d.Close()

	c := newCollector()
	if err := d.Subscribe("worker", c.cb); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p.set("worker", msg("m1"), msg("m2"))
	got := c.wait(t, 2)
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("expected [m1 m2], got %v", ids(got))
	}

	// The same pending messages are not re-notified on later ticks.
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	n := len(c.got)
	c.mu.Unlock()
	if n != 2 {
		t.Fatalf("re-notified: %d total deliveries", n)
	}
}

func TestDispatcherRenotifiesAfterRedelivery(t *testing.T) {
	p := newFakePeeker()
	d := New(p, 5*time.Millisecond, 10, zap.NewNop())
	defer d.Close()

	c := newCollector()
	d.Subscribe("worker", c.cb)

	p.set("worker", msg("m1"))
	c.wait(t, 1)

	// Consumed: the message leaves the pending view.
	p.set("worker")
	time.Sleep(30 * time.Millisecond)

	// Redelivery after the ack timeout puts it back; it is fresh again.
	p.set("worker", msg("m1"))
	got := c.wait(t, 1)
	if len(got) != 2 {
		t.Fatalf("expected redelivery notification, got %v", ids(got))
	}
}

func TestDispatcherUnsubscribe(t *testing.T) {
	p := newFakePeeker()
	d := New(p, 5*time.Millisecond, 10, zap.NewNop())
	defer d.Close()

	c := newCollector()
	d.Subscribe("worker", c.cb)
	d.Unsubscribe("worker")
	time.Sleep(30 * time.Millisecond)

	p.set("worker", msg("m1"))
	time.Sleep(50 * time.Millisecond)

	c.mu.Lock()
	n := len(c.got)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("unsubscribed agent was notified %d times", n)
	}
}

func TestDispatcherSurvivesCallbackPanic(t *testing.T) {
	p := newFakePeeker()
	d := New(p, 5*time.Millisecond, 10, zap.NewNop())
	defer d.Close()

	c := newCollector()
	first := true
	d.Subscribe("worker", func(msgs []*bus.Message) {
		if first {
			first = false
			panic("subscriber bug")
		}
		c.cb(msgs)
	})

	p.set("worker", msg("m1"))
	time.Sleep(30 * time.Millisecond)

	// The loop keeps running and delivers subsequent messages.
	p.set("worker", msg("m2"))
	got := c.wait(t, 1)
	if got[0].ID != "m2" {
		t.Fatalf("expected m2 after panic, got %v", ids(got))
	}
}

func TestDispatcherClosed(t *testing.T) {
	d := New(newFakePeeker(), 5*time.Millisecond, 10, zap.NewNop())
	d.Close()
	if err := d.Subscribe("worker", func([]*bus.Message) {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDispatcherResubscribeReplaces(t *testing.T) {
	p := newFakePeeker()
	d := New(p, 5*time.Millisecond, 10, zap.NewNop())
	defer d.Close()

	old := newCollector()
	d.Subscribe("worker", old.cb)
	replacement := newCollector()
	d.Subscribe("worker", replacement.cb)
	time.Sleep(30 * time.Millisecond)

	p.set("worker", msg("m1"))
	replacement.wait(t, 1)

	old.mu.Lock()
	n := len(old.got)
	old.mu.Unlock()
	if n != 0 {
		t.Fatalf("replaced callback still receiving (%d)", n)
	}
}

func ids(msgs []*bus.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
