package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements DeviceQueue and Locker on Redis. The pending queue
// is a per-device ZSET whose score encodes the ordering key, plus a
// companion hash holding the entry payloads; both are written atomically
// through preloaded Lua scripts.
type RedisStore struct {
	client    *redis.Client
	softLimit int

	offerSHA  string
	pollSHA   string
	removeSHA string
}

// offerScript refuses duplicates and offers past the soft threshold.
// KEYS: zset, payload hash, master index. ARGV: member, master id, payload,
// limit, score. Returns 1 accepted, 0 duplicate, -1 overloaded.
const offerScript = `
	if redis.call("hexists", KEYS[3], ARGV[2]) == 1 then
		return 0
	end
	if redis.call("zcard", KEYS[1]) >= tonumber(ARGV[4]) then
		return -1
	end
	redis.call("zadd", KEYS[1], ARGV[5], ARGV[1])
	redis.call("hset", KEYS[3], ARGV[2], ARGV[1])
	redis.call("hset", KEYS[2], ARGV[1], ARGV[3])
	return 1
`

// pollScript pops the highest-scored member and its payload together, and
// drops the master index entry parsed from the member's tail.
const pollScript = `
	local popped = redis.call("zpopmax", KEYS[1])
	if #popped == 0 then
		return false
	end
	local member = popped[1]
	local payload = redis.call("hget", KEYS[2], member)
	redis.call("hdel", KEYS[2], member)
	local master = string.match(member, ":(%d+)$")
	if master then
		redis.call("hdel", KEYS[3], master)
	end
	return payload
`

// removeScript drops one master's entry from all three structures.
const removeScript = `
	local member = redis.call("hget", KEYS[3], ARGV[1])
	if not member then
		return 0
	end
	redis.call("zrem", KEYS[1], member)
	redis.call("hdel", KEYS[2], member)
	redis.call("hdel", KEYS[3], ARGV[1])
	return 1
`

// releaseScript deletes the lock only when held by the caller.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`

// renewScript extends the TTL only when held by the caller.
const renewScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	end
	return -2
`

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	offerSHA, err := client.ScriptLoad(ctx, offerScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload offer script: %w", err)
	}
	pollSHA, err := client.ScriptLoad(ctx, pollScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload poll script: %w", err)
	}
	removeSHA, err := client.ScriptLoad(ctx, removeScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload remove script: %w", err)
	}

	return &RedisStore{client: client, offerSHA: offerSHA, pollSHA: pollSHA, removeSHA: removeSHA}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Queue score bands. Priority and delay are packed into disjoint integer
// ranges whose sum stays far below 2^53, so every score is an exact float64
// and adjacent values never collapse under rounding. The enqueue-order
// tiebreaker lives in the member string, not the score.
const (
	maxQueueDelayScore = int64(1)<<26 - 1 // ~2.1 years of arrears
	maxQueuePriority   = int64(1)<<26 - 1
	queuePriorityBand  = int64(1) << 26

	queueSeqCeiling = int64(999_999_999_999)
)

// queueScore folds (priority desc, delay_score desc) into a ZSET score,
// popped with ZPOPMAX.
func queueScore(priority int, delayScore int64) float64 {
	if delayScore < 0 {
		delayScore = 0
	}
	if delayScore > maxQueueDelayScore {
		delayScore = maxQueueDelayScore
	}
	p := int64(priority)
	if p < 0 {
		p = 0
	}
	if p > maxQueuePriority {
		p = maxQueuePriority
	}
	return float64(p*queuePriorityBand + delayScore)
}

// queueMember carries the enqueue_instant asc tiebreak. Among equal scores
// ZPOPMAX pops the lexicographically greatest member, so the inverted
// fixed-width sequence makes the oldest entry win the tie.
func queueMember(seq, masterID int64) string {
	return fmt.Sprintf("%012d:%d", queueSeqCeiling-seq, masterID)
}

// DefaultQueueSoftLimit is the per-device soft threshold past which new
// offers are rejected.
const DefaultQueueSoftLimit = 100

// SetQueueSoftLimit overrides the per-device threshold.
func (s *RedisStore) SetQueueSoftLimit(limit int) {
	if limit > 0 {
		s.softLimit = limit
	}
}

func (s *RedisStore) Offer(ctx context.Context, e *QueueEntry) (OfferResult, error) {
	limit := s.softLimit
	if limit <= 0 {
		limit = DefaultQueueSoftLimit
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return OfferDuplicate, fmt.Errorf("marshal queue entry: %w", err)
	}

	// A sequence burned on a duplicate or overloaded offer is harmless; the
	// counter only needs to stay monotonic.
	seq, err := s.client.Incr(ctx, QueueSeqKey(e.DeviceID)).Result()
	if err != nil {
		return OfferDuplicate, err
	}
	member := queueMember(seq, e.MasterID)
	score := queueScore(e.Priority, e.DelayScore)

	res, err := s.client.EvalSha(ctx, s.offerSHA,
		[]string{QueueKey(e.DeviceID), QueueMetaKey(e.DeviceID), QueueIndexKey(e.DeviceID)},
		member, fmt.Sprintf("%d", e.MasterID), string(payload), limit, score,
	).Result()
	if err != nil {
		return OfferDuplicate, err
	}

	switch v, _ := res.(int64); v {
	case 1:
		return OfferAccepted, nil
	case -1:
		return OfferOverloaded, nil
	default:
		return OfferDuplicate, nil
	}
}

func (s *RedisStore) Poll(ctx context.Context, deviceID int64) (*QueueEntry, error) {
	res, err := s.client.EvalSha(ctx, s.pollSHA,
		[]string{QueueKey(deviceID), QueueMetaKey(deviceID), QueueIndexKey(deviceID)},
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	payload, ok := res.(string)
	if !ok || payload == "" {
		return nil, nil
	}
	var e QueueEntry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Peek(ctx context.Context, deviceID int64) (*QueueEntry, error) {
	members, err := s.client.ZRevRange(ctx, QueueKey(deviceID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	payload, err := s.client.HGet(ctx, QueueMetaKey(deviceID), members[0]).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e QueueEntry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Remove(ctx context.Context, deviceID, masterID int64) error {
	_, err := s.client.EvalSha(ctx, s.removeSHA,
		[]string{QueueKey(deviceID), QueueMetaKey(deviceID), QueueIndexKey(deviceID)},
		fmt.Sprintf("%d", masterID),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (s *RedisStore) Contains(ctx context.Context, deviceID, masterID int64) (bool, error) {
	return s.client.HExists(ctx, QueueIndexKey(deviceID), fmt.Sprintf("%d", masterID)).Result()
}

func (s *RedisStore) Size(ctx context.Context, deviceID int64) (int, error) {
	n, err := s.client.ZCard(ctx, QueueKey(deviceID)).Result()
	return int(n), err
}

func (s *RedisStore) TotalSize(ctx context.Context) (int, map[int64]int, error) {
	sizes := make(map[int64]int)
	total := 0

	iter := s.client.Scan(ctx, 0, QueueScanPattern(), 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		deviceID, ok := DeviceIDFromQueueKey(key)
		if !ok {
			continue
		}
		n, err := s.client.ZCard(ctx, key).Result()
		if err != nil {
			continue
		}
		if n > 0 {
			sizes[deviceID] = int(n)
			total += int(n)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, nil, err
	}
	return total, sizes, nil
}

// --- Advisory locks ---

// AcquireLock attempts a distributed lock with SET key value NX EX ttl.
func (s *RedisStore) AcquireLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// RenewLock extends the TTL when the lock is still held by ownerID.
func (s *RedisStore) RenewLock(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	res, err := s.client.Eval(ctx, renewScript, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	v, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from renew script")
	}
	return v == 1, nil
}

// ReleaseLock releases the lock when held by ownerID.
func (s *RedisStore) ReleaseLock(ctx context.Context, key, ownerID string) error {
	_, err := s.client.Eval(ctx, releaseScript, []string{key}, ownerID).Result()
	return err
}
