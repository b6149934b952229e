package slot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSlotKey     = "hotspot:slot"
	redisQueuePrefix = "hotspot:credits:"
	redisLedgerKey   = "hotspot:ledger"
)

// Timestamps are stored as unix milliseconds so Lua arithmetic stays exact.
var (
	claimScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
local updated = tonumber(redis.call('HGET', KEYS[1], 'updated') or '0')
if (not holder) or holder == '' or holder == ARGV[1] or updated < tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'updated', ARGV[2])
  return 1
end
return 0
`)
	touchScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'updated', ARGV[2])
  return 1
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'holder') == ARGV[1] then
  redis.call('HDEL', KEYS[1], 'holder', 'updated')
  return 1
end
return 0
`)
	creditScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
local updated = tonumber(redis.call('HGET', KEYS[1], 'updated') or '0')
if holder ~= ARGV[1] or updated < tonumber(ARGV[2]) then
  return 0
end
redis.call('HINCRBY', KEYS[2], 'coins', ARGV[3])
redis.call('HSET', KEYS[2], 'updated', ARGV[4])
redis.call('XADD', KEYS[3], '*', 'client', ARGV[1], 'denomination', ARGV[5], 'slot_no', ARGV[6], 'at', ARGV[4])
return 1
`)
	drainScript = redis.NewScript(`
local coins = redis.call('HGET', KEYS[1], 'coins') or '0'
local updated = redis.call('HGET', KEYS[1], 'updated') or '0'
redis.call('DEL', KEYS[1])
return {coins, updated}
`)
)

// RedisStore keeps the slot, credit queues and coin ledger in Redis so several portal
// processes can share one acceptor.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromURL connects using a redis:// URL and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) ClaimSlot(ctx context.Context, requester string, now, staleBefore time.Time) (bool, error) {
	return runBool(ctx, s.client, claimScript, []string{redisSlotKey}, requester, now.UnixMilli(), staleBefore.UnixMilli())
}

func (s *RedisStore) TouchSlot(ctx context.Context, requester string, lastUpdated time.Time) (bool, error) {
	return runBool(ctx, s.client, touchScript, []string{redisSlotKey}, requester, lastUpdated.UnixMilli())
}

func (s *RedisStore) ReleaseSlot(ctx context.Context, requester string) (bool, error) {
	return runBool(ctx, s.client, releaseScript, []string{redisSlotKey}, requester)
}

func (s *RedisStore) GetSlot(ctx context.Context) (Slot, error) {
	vals, err := s.client.HMGet(ctx, redisSlotKey, "holder", "updated").Result()
	if err != nil {
		return Slot{}, err
	}
	var out Slot
	if holder, ok := vals[0].(string); ok {
		out.HolderID = holder
	}
	if updated, ok := vals[1].(string); ok {
		out.LastUpdated = parseMillis(updated)
	}
	return out, nil
}

func (s *RedisStore) CreditCoins(ctx context.Context, c Credit) (bool, error) {
	keys := []string{redisSlotKey, redisQueuePrefix + c.Requester, redisLedgerKey}
	return runBool(ctx, s.client, creditScript, keys,
		c.Requester,
		c.StaleBefore.UnixMilli(),
		c.Coins,
		c.Entry.CreatedAt.UnixMilli(),
		c.Entry.Denomination,
		c.Entry.SlotNo,
	)
}

func (s *RedisStore) GetQueue(ctx context.Context, mac string) (Queue, error) {
	vals, err := s.client.HGetAll(ctx, redisQueuePrefix+mac).Result()
	if err != nil {
		return Queue{}, err
	}
	return queueFromStrings(mac, vals["coins"], vals["updated"]), nil
}

func (s *RedisStore) DrainQueue(ctx context.Context, mac string) (Queue, error) {
	res, err := drainScript.Run(ctx, s.client, []string{redisQueuePrefix + mac}).StringSlice()
	if err != nil {
		return Queue{}, err
	}
	if len(res) != 2 {
		return Queue{}, fmt.Errorf("unexpected drain reply of %d values", len(res))
	}
	return queueFromStrings(mac, res[0], res[1]), nil
}

func runBool(ctx context.Context, client redis.UniversalClient, script *redis.Script, keys []string, args ...any) (bool, error) {
	n, err := script.Run(ctx, client, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func queueFromStrings(mac, coins, updated string) Queue {
	q := Queue{MAC: mac}
	if n, err := strconv.Atoi(coins); err == nil {
		q.TotalCoins = n
	}
	if updated != "" && updated != "0" {
		q.UpdatedAt = parseMillis(updated)
	}
	return q
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
