package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nidhogg/courier/internal/bus"
)

const (
	msgKeyPrefix   = "courier:msg:"
	queueKeyPrefix = "courier:queue:"
	expiryKey      = "courier:expiry"
	doneKey        = "courier:done"
	seqKey         = "courier:seq"
)

// RedisMessages implements bus.Store over Redis. Each message lives in a
// hash; per-agent queues are sorted sets scored by priority and sequence.
// The sequence is reassigned from a Redis counter at append: the caller's
// in-process counter resets on restart while the queue data is durable, so
// a process-local seq would let a fresh message jump ahead of older
// same-priority entries. The counter is taken in send order, so
// (priority, seq) yields the same order as (priority, created_at, seq).
// Claim and acknowledge run as Lua scripts so competing consumers never
// observe a torn state.
type RedisMessages struct {
	rdb *redis.Client
}

// NewRedisMessages creates a Redis-backed message store from a redis URL.
func NewRedisMessages(redisURL string) (*RedisMessages, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", ErrUnavailable, err)
	}
	return &RedisMessages{rdb: rdb}, nil
}

// Close shuts down the Redis connection.
func (s *RedisMessages) Close() error {
	return s.rdb.Close()
}

func queueScore(m *bus.Message) float64 {
	return float64(m.Priority)*1e12 + float64(m.Seq)
}

// claimScript walks a queue in score order and claims (or peeks) up to
// limit deliverable messages. Expired entries found along the way are
// retired in place.
// KEYS[1] = queue zset
// ARGV[1] = now (unix nano), ARGV[2] = redeliver cutoff (unix nano),
// ARGV[3] = limit, ARGV[4] = "1" to peek
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local out = {}
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local peek = ARGV[4] == '1'
for _, id in ipairs(ids) do
  local key = 'courier:msg:' .. id
  local state = redis.call('HGET', key, 'state')
  local expires = tonumber(redis.call('HGET', key, 'expires_at') or '0')
  if expires > 0 and now >= expires then
    if state == 'pending' or state == 'delivered' then
      redis.call('HSET', key, 'state', 'expired')
    end
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZREM', 'courier:expiry', id)
    redis.call('ZADD', 'courier:done', expires, id)
  else
    local eligible = false
    if state == 'pending' then
      eligible = true
    elseif state == 'delivered' then
      local at = tonumber(redis.call('HGET', key, 'delivered_at') or '0')
      if at <= cutoff then eligible = true end
    end
    if eligible then
      if not peek then
        redis.call('HSET', key, 'state', 'delivered', 'delivered_at', ARGV[1])
      end
      local data = redis.call('HGET', key, 'data')
      table.insert(out, data)
      table.insert(out, redis.call('HGET', key, 'state'))
      if #out >= limit * 2 then break end
    end
  end
end
return out
`)

// ackScript atomically acknowledges a message and returns its previous
// state, retiring it if its expiry already elapsed.
// ARGV[1] = message id, ARGV[2] = now (unix nano)
var ackScript = redis.NewScript(`
local id = ARGV[1]
local key = 'courier:msg:' .. id
if redis.call('EXISTS', key) == 0 then return 'missing' end
local state = redis.call('HGET', key, 'state')
local now = tonumber(ARGV[2])
local expires = tonumber(redis.call('HGET', key, 'expires_at') or '0')
local queue = 'courier:queue:' .. redis.call('HGET', key, 'recipient')
if state == 'acked' or state == 'expired' then return state end
if expires > 0 and now > expires then
  redis.call('HSET', key, 'state', 'expired')
  redis.call('ZREM', queue, id)
  redis.call('ZREM', 'courier:expiry', id)
  redis.call('ZADD', 'courier:done', expires, id)
  return 'expired'
end
redis.call('HSET', key, 'state', 'acked', 'acked_at', ARGV[2])
redis.call('ZREM', queue, id)
redis.call('ZREM', 'courier:expiry', id)
redis.call('ZADD', 'courier:done', now, id)
return state
`)

// sweepScript expires overdue messages and prunes retired ones past the
// retention cutoff.
// ARGV[1] = now (unix nano), ARGV[2] = prune cutoff (unix nano)
var sweepScript = redis.NewScript(`
local expired = 0
local due = redis.call('ZRANGEBYSCORE', 'courier:expiry', '-inf', ARGV[1], 'LIMIT', 0, 1000)
for _, id in ipairs(due) do
  local key = 'courier:msg:' .. id
  local state = redis.call('HGET', key, 'state')
  if state == 'pending' or state == 'delivered' then
    redis.call('HSET', key, 'state', 'expired')
    expired = expired + 1
    local queue = 'courier:queue:' .. redis.call('HGET', key, 'recipient')
    redis.call('ZREM', queue, id)
    local at = redis.call('HGET', key, 'expires_at')
    redis.call('ZADD', 'courier:done', at, id)
  end
  redis.call('ZREM', 'courier:expiry', id)
end
local gone = redis.call('ZRANGEBYSCORE', 'courier:done', '-inf', ARGV[2], 'LIMIT', 0, 1000)
for _, id in ipairs(gone) do
  redis.call('DEL', 'courier:msg:' .. id)
  redis.call('ZREM', 'courier:done', id)
end
return expired
`)

func (s *RedisMessages) Append(ctx context.Context, msgs ...*bus.Message) error {
	for _, m := range msgs {
		seq, err := s.rdb.Incr(ctx, seqKey).Result()
		if err != nil {
			return fmt.Errorf("assign sequence: %w", err)
		}
		m.Seq = uint64(seq)
	}
	pipe := s.rdb.TxPipeline()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ID, err)
		}
		var expires int64
		if !m.ExpiresAt.IsZero() {
			expires = m.ExpiresAt.UnixNano()
		}
		pipe.HSet(ctx, msgKeyPrefix+m.ID,
			"data", string(data),
			"state", string(bus.AckPending),
			"recipient", m.Recipient,
			"expires_at", expires,
			"seq", m.Seq,
		)
		pipe.ZAdd(ctx, queueKeyPrefix+m.Recipient,
			redis.Z{Score: queueScore(m), Member: m.ID})
		if expires > 0 {
			pipe.ZAdd(ctx, expiryKey, redis.Z{Score: float64(expires), Member: m.ID})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	return nil
}

func (s *RedisMessages) Next(ctx context.Context, agentID string, now time.Time, redeliverAfter time.Duration, limit int, peek bool) ([]*bus.Message, error) {
	peekArg := "0"
	if peek {
		peekArg = "1"
	}
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{queueKeyPrefix + agentID},
		now.UnixNano(), now.Add(-redeliverAfter).UnixNano(), limit, peekArg,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}

	var msgs []*bus.Message
	for i := 0; i+1 < len(res); i += 2 {
		data, _ := res[i].(string)
		state, _ := res[i+1].(string)
		var m bus.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		m.AckState = bus.AckState(state)
		if !peek {
			m.DeliveredAt = now
		}
		msgs = append(msgs, &m)
		if len(msgs) >= limit {
			break
		}
	}
	return msgs, nil
}

func (s *RedisMessages) Ack(ctx context.Context, id string, now time.Time) (bus.AckState, error) {
	res, err := ackScript.Run(ctx, s.rdb, nil, id, now.UnixNano()).Text()
	if err != nil {
		return "", fmt.Errorf("ack message %s: %w", id, err)
	}
	if res == "missing" {
		return "", fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	return bus.AckState(res), nil
}

func (s *RedisMessages) Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	n, err := sweepScript.Run(ctx, s.rdb, nil,
		now.UnixNano(), now.Add(-retention).UnixNano()).Int()
	if err != nil {
		return 0, fmt.Errorf("sweep messages: %w", err)
	}
	return n, nil
}

func (s *RedisMessages) Get(ctx context.Context, id string) (*bus.Message, error) {
	fields, err := s.rdb.HGetAll(ctx, msgKeyPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", bus.ErrNotFound, id)
	}
	var m bus.Message
	if err := json.Unmarshal([]byte(fields["data"]), &m); err != nil {
		return nil, fmt.Errorf("unmarshal message %s: %w", id, err)
	}
	m.AckState = bus.AckState(fields["state"])
	if seq, err := strconv.ParseUint(fields["seq"], 10, 64); err == nil {
		m.Seq = seq
	}
	return &m, nil
}

func (s *RedisMessages) PendingCount(ctx context.Context, agentID string, now time.Time) (int, error) {
	ids, err := s.rdb.ZRange(ctx, queueKeyPrefix+agentID, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	n := 0
	for _, id := range ids {
		fields, err := s.rdb.HMGet(ctx, msgKeyPrefix+id, "state", "expires_at").Result()
		if err != nil {
			return 0, fmt.Errorf("count pending: %w", err)
		}
		state, _ := fields[0].(string)
		if state != string(bus.AckPending) && state != string(bus.AckDelivered) {
			continue
		}
		if raw, ok := fields[1].(string); ok && raw != "" && raw != "0" {
			if expires, err := strconv.ParseInt(raw, 10, 64); err == nil &&
				now.UnixNano() >= expires {
				continue
			}
		}
		n++
	}
	return n, nil
}
