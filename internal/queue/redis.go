package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLaneLease = 5 * time.Minute
	claimPoll        = time.Second
	stateReady       = "ready"
)

// KEYS: dedup, lane, state, ready, lanes
// ARGV: message, window ms, ordering key, lease ms
var pushScript = redis.NewScript(`
if tonumber(ARGV[2]) > 0 then
  if not redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[2]) then
    return 0
  end
end
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[5], ARGV[3])
if redis.call('EXISTS', KEYS[3]) == 0 then
  redis.call('SET', KEYS[3], 'ready', 'PX', ARGV[4])
  redis.call('RPUSH', KEYS[4], ARGV[3])
end
return 1
`)

// KEYS: state, lane, lanes
// ARGV: token, lease ms, ordering key
var claimScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if state and state ~= 'ready' then
  return false
end
local head = redis.call('LINDEX', KEYS[2], 0)
if not head then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[3], ARGV[3])
  return false
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return head
`)

// KEYS: state, lane, ready, lanes
// ARGV: ordering key, message, token, lease ms
var ackScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[3] then
  return 0
end
if redis.call('LINDEX', KEYS[2], 0) == ARGV[2] then
  redis.call('LPOP', KEYS[2])
end
if redis.call('LLEN', KEYS[2]) > 0 then
  redis.call('SET', KEYS[1], 'ready', 'PX', ARGV[4])
  redis.call('RPUSH', KEYS[3], ARGV[1])
else
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[4], ARGV[1])
end
return 1
`)

// KEYS: state, ready
// ARGV: ordering key, token, lease ms
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[2] then
  return 0
end
redis.call('SET', KEYS[1], 'ready', 'PX', ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: state
// ARGV: token, lease ms
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call('PEXPIRE', KEYS[1], ARGV[2])
`)

// KEYS: state, lane, ready, lanes
// ARGV: ordering key, lease ms
var recoverScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
if redis.call('LLEN', KEYS[2]) == 0 then
  redis.call('SREM', KEYS[4], ARGV[1])
  return 0
end
redis.call('SET', KEYS[1], 'ready', 'PX', ARGV[2])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

var ErrLaneLost = errors.New("lane lease lost")

// RedisBackend keeps lanes in Redis lists. All keys of one queue share a hash
// tag so the scripts stay on a single cluster slot.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	closed atomic.Bool
}

func NewRedisBackend(client redis.UniversalClient, name string, lease time.Duration) *RedisBackend {
	if lease <= 0 {
		lease = defaultLaneLease
	}
	return &RedisBackend{
		client: client,
		prefix: fmt.Sprintf("meterledger:queue:{%s}", name),
		lease:  lease,
	}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) laneKey(key string) string  { return b.prefix + ":lane:" + key }
func (b *RedisBackend) stateKey(key string) string { return b.prefix + ":state:" + key }
func (b *RedisBackend) dedupKey(key string) string { return b.prefix + ":dedup:" + key }
func (b *RedisBackend) readyKey() string           { return b.prefix + ":ready" }
func (b *RedisBackend) lanesKey() string           { return b.prefix + ":lanes" }
func (b *RedisBackend) deadKey() string            { return b.prefix + ":dlq" }

func (b *RedisBackend) Push(ctx context.Context, msg Message, window time.Duration) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}

	keys := []string{
		b.dedupKey(msg.DedupKey),
		b.laneKey(msg.OrderingKey),
		b.stateKey(msg.OrderingKey),
		b.readyKey(),
		b.lanesKey(),
	}
	pushed, err := pushScript.Run(ctx, b.client, keys, data, window.Milliseconds(), msg.OrderingKey, b.lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to push to Redis: %w", err)
	}
	return pushed == 1, nil
}

func (b *RedisBackend) Claim(ctx context.Context) (Message, error) {
	for {
		if b.closed.Load() {
			return Message{}, ErrClosed
		}
		result, err := b.client.BLPop(ctx, claimPoll, b.readyKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Message{}, ctxErr
			}
			if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
				return Message{}, context.DeadlineExceeded
			}
			return Message{}, fmt.Errorf("failed to pop from Redis: %w", err)
		}

		// result[0] is the list key, result[1] the ordering key.
		key := result[1]
		token := uuid.NewString()
		head, err := claimScript.Run(ctx, b.client,
			[]string{b.stateKey(key), b.laneKey(key), b.lanesKey()},
			token, b.lease.Milliseconds(), key,
		).Text()
		if errors.Is(err, redis.Nil) {
			// Lane already claimed or drained.
			continue
		}
		if err != nil {
			return Message{}, fmt.Errorf("failed to claim lane: %w", err)
		}

		var msg Message
		if err := json.Unmarshal([]byte(head), &msg); err != nil {
			return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msg.raw = head
		msg.token = token
		return msg, nil
	}
}

func (b *RedisBackend) Extend(ctx context.Context, msg Message) error {
	ok, err := extendScript.Run(ctx, b.client, []string{b.stateKey(msg.OrderingKey)}, msg.token, b.lease.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrLaneLost
	}
	return nil
}

func (b *RedisBackend) Ack(ctx context.Context, msg Message) error {
	key := msg.OrderingKey
	keys := []string{b.stateKey(key), b.laneKey(key), b.readyKey(), b.lanesKey()}
	ok, err := ackScript.Run(ctx, b.client, keys, key, msg.raw, msg.token, b.lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	if ok == 0 {
		return ErrLaneLost
	}
	return nil
}

func (b *RedisBackend) Release(ctx context.Context, msg Message) error {
	key := msg.OrderingKey
	ok, err := releaseScript.Run(ctx, b.client, []string{b.stateKey(key), b.readyKey()}, key, msg.token, b.lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to release lane: %w", err)
	}
	if ok == 0 {
		return ErrLaneLost
	}
	return nil
}

// Recover hands lanes whose claim expired back to the ready list.
func (b *RedisBackend) Recover(ctx context.Context) (int, error) {
	lanes, err := b.client.SMembers(ctx, b.lanesKey()).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, key := range lanes {
		keys := []string{b.stateKey(key), b.laneKey(key), b.readyKey(), b.lanesKey()}
		n, err := recoverScript.Run(ctx, b.client, keys, key, b.lease.Milliseconds()).Int()
		if err != nil {
			return recovered, err
		}
		recovered += n
	}
	return recovered, nil
}

func (b *RedisBackend) DeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", err)
	}
	if err := b.client.RPush(ctx, b.deadKey(), data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

func (b *RedisBackend) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	results, err := b.client.LRange(ctx, b.deadKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}
	items := make([]DeadLetter, 0, len(results))
	for _, data := range results {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			continue
		}
		items = append(items, dl)
	}
	return items, nil
}

func (b *RedisBackend) Len(ctx context.Context) (int, error) {
	lanes, err := b.client.SMembers(ctx, b.lanesKey()).Result()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, key := range lanes {
		n, err := b.client.LLen(ctx, b.laneKey(key)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to get queue length: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// Close stops claiming. The client is owned by the caller.
func (b *RedisBackend) Close() error {
	b.closed.Store(true)
	return nil
}
