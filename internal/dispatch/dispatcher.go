// Package dispatch delivers near-real-time notifications to subscribed
// agents by polling the broker. Polling rather than wake-on-write keeps the
// dispatcher agnostic to the queue backend, which is not assumed to support
// change notification.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/bus"
)

// ErrClosed is returned when subscribing to a dispatcher that has been
// shut down.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// Callback receives newly pending messages for a subscribed agent, in the
// broker's priority/time order. The callback observes messages without
// consuming them; it must call the broker's Acknowledge itself.
type Callback func(msgs []*bus.Message)

// Peeker is the broker surface the dispatcher needs: a non-mutating read
// of an agent's queue.
type Peeker interface {
	Peek(ctx context.Context, agentID string, max int) ([]*bus.Message, error)
}

// Dispatcher runs one bounded-interval check loop per subscribed agent.
type Dispatcher struct {
	broker   Peeker
	interval time.Duration
	batch    int
	logger   *zap.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	cancel context.CancelFunc
}

// New creates a Dispatcher polling at the given interval (default 500ms).
func New(broker Peeker, interval time.Duration, batch int, logger *zap.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		broker:   broker,
		interval: interval,
		batch:    batch,
		logger:   logger,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe starts a poll loop for the agent, invoking cb whenever new
// messages become pending. Subscribing again for the same agent replaces
// the previous callback.
func (d *Dispatcher) Subscribe(agentID string, cb Callback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if prev, ok := d.subs[agentID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.subs[agentID] = &subscription{cancel: cancel}
	d.wg.Add(1)
	go d.poll(ctx, agentID, cb)
	d.logger.Debug("subscribed", zap.String("agent", agentID))
	return nil
}

// Unsubscribe stops the agent's poll loop. It takes effect by the next
// tick at latest; an in-flight callback is not interrupted.
func (d *Dispatcher) Unsubscribe(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub, ok := d.subs[agentID]; ok {
		sub.cancel()
		delete(d.subs, agentID)
		d.logger.Debug("unsubscribed", zap.String("agent", agentID))
	}
}

// Close cancels every subscription and waits for in-flight ticks to
// finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for id, sub := range d.subs {
		sub.cancel()
		delete(d.subs, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// poll is the per-subscriber loop. It tracks which message ids the
// callback has already seen, so each message is notified exactly once per
// appearance and ordering across ticks follows the broker's order.
func (d *Dispatcher) poll(ctx context.Context, agentID string, cb Callback) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := d.broker.Peek(ctx, agentID, d.batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("poll failed", zap.String("agent", agentID), zap.Error(err))
			continue
		}

		current := make(map[string]bool, len(msgs))
		var fresh []*bus.Message
		for _, m := range msgs {
			current[m.ID] = true
			if !seen[m.ID] {
				fresh = append(fresh, m)
			}
		}
		// Forget messages that left the queue so a redelivery after the
		// ack timeout is notified again.
		seen = current

		if len(fresh) > 0 {
			d.deliver(agentID, cb, fresh)
		}
	}
}

// deliver invokes the callback, isolating the loop from panics: a callback
// that blows up is logged and the poll loop continues.
func (d *Dispatcher) deliver(agentID string, cb Callback, msgs []*bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber callback panicked",
				zap.String("agent", agentID),
				zap.Any("panic", r))
		}
	}()
	cb(msgs)
}
