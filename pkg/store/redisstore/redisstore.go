// Package redisstore is the Redis-backed implementation of pkg/store.Store:
// redis.NewScript-driven Lua for every operation that needs single-round-trip
// atomicity, over an arbitrary number of named queues, each claimed through
// one atomic claim script.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/geyang/zaku/pkg/store"
)

// Store is a Redis-backed pkg/store.Store. Every key it touches is
// namespaced under Prefix.
type Store struct {
	rdb    *redis.Client
	prefix string

	addScript   *redis.Script
	takeScript  *redis.Script
	reapScript  *redis.Script
	allowScript *redis.Script
}

// maxRetries/backoff bounds bound go-redis's built-in retry loop: a
// transient connection error or READONLY reply is retried internally, each
// attempt backing off exponentially between minRetryBackoff and
// maxRetryBackoff, before go-redis gives up and returns the error that the
// queue engine then surfaces as BACKING_STORE_UNAVAILABLE.
const (
	maxRetries      = 5
	minRetryBackoff = 8 * time.Millisecond
	maxRetryBackoff = 512 * time.Millisecond
)

// New connects to the Redis instance at addr and returns a ready Store.
func New(addr, password, prefix string) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		MaxRetries:      maxRetries,
		MinRetryBackoff: minRetryBackoff,
		MaxRetryBackoff: maxRetryBackoff,
	})
	return &Store{
		rdb:    rdb,
		prefix: prefix,

		// addScript refuses the write if taskID is already known, giving ADD
		// its CONFLICT semantics atomically.
		addScript: redis.NewScript(`
			local meta_key = KEYS[1]
			local payload_key = KEYS[2]
			local pending_key = KEYS[3]
			local id = ARGV[1]
			local record = ARGV[2]
			local payload = ARGV[3]

			if redis.call('HEXISTS', meta_key, id) == 1 then
				return 0
			end
			redis.call('HSET', meta_key, id, record)
			redis.call('HSET', payload_key, id, payload)
			redis.call('RPUSH', pending_key, id)
			return 1
		`),

		// takeScript pops the pending head, writes its claim deadline, flips
		// the metadata record to CLAIMED, and returns (id, payload) in one
		// round trip, so no two concurrent TAKEs can return the same id.
		takeScript: redis.NewScript(`
			local pending_key = KEYS[1]
			local claims_key = KEYS[2]
			local payload_key = KEYS[3]
			local meta_key = KEYS[4]
			local deadline_ms = ARGV[1]
			local claimed_at = ARGV[2]

			local id = redis.call('LPOP', pending_key)
			if not id then
				return false
			end

			redis.call('HSET', claims_key, id, deadline_ms)

			local record = redis.call('HGET', meta_key, id)
			if record then
				local rec = cjson.decode(record)
				rec.status = 'CLAIMED'
				rec.claimed_at = claimed_at
				redis.call('HSET', meta_key, id, cjson.encode(rec))
			end

			local payload = redis.call('HGET', payload_key, id)
			return {id, payload}
		`),

		// reapScript reverts every claim entry at or past its deadline back
		// to pending, re-checking existence right before mutation to guard
		// a MARK_DONE/MARK_RESET that lands between the scan and the write.
		reapScript: redis.NewScript(`
			local claims_key = KEYS[1]
			local pending_key = KEYS[2]
			local meta_key = KEYS[3]
			local now = tonumber(ARGV[1])

			local ids = redis.call('HKEYS', claims_key)
			local reaped = {}
			for _, id in ipairs(ids) do
				local deadline = tonumber(redis.call('HGET', claims_key, id))
				if deadline and deadline <= now and redis.call('HEXISTS', claims_key, id) == 1 then
					redis.call('HDEL', claims_key, id)
					redis.call('RPUSH', pending_key, id)
					local record = redis.call('HGET', meta_key, id)
					if record then
						local rec = cjson.decode(record)
						rec.status = 'PENDING'
						rec.claimed_at = cjson.null
						redis.call('HSET', meta_key, id, cjson.encode(rec))
					end
					table.insert(reaped, id)
				end
			end
			return reaped
		`),

		// allowScript is a token-bucket rate limiter, exposed through the
		// Store interface.
		allowScript: redis.NewScript(`
			local key = KEYS[1]
			local rate = tonumber(ARGV[1])
			local burst = tonumber(ARGV[2])
			local now = tonumber(ARGV[3])
			local requested = tonumber(ARGV[4])

			local tokens = tonumber(redis.call('HGET', key, 'tokens'))
			local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

			if not tokens then
				tokens = burst
				last_refill = now
			end

			local delta = math.max(0, now - last_refill)
			local new_tokens = math.min(burst, tokens + (delta * rate))

			if new_tokens >= requested then
				new_tokens = new_tokens - requested
				redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
				return 1
			else
				redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
				return 0
			end
		`),
	}
}

// NewWithClient wraps an already-constructed *redis.Client, letting tests
// point a Store at an alicebob/miniredis/v2 in-memory server.
func NewWithClient(rdb *redis.Client, prefix string) *Store {
	s := New("", "", prefix)
	s.rdb = rdb
	return s
}

func (s *Store) rootKey() string           { return s.prefix + ":queues" }
func (s *Store) pendingKey(q string) string { return fmt.Sprintf("%s:queue:%s:pending", s.prefix, q) }
func (s *Store) claimsKey(q string) string  { return fmt.Sprintf("%s:queue:%s:claims", s.prefix, q) }
func (s *Store) payloadKey(q string) string { return fmt.Sprintf("%s:queue:%s:payload", s.prefix, q) }
func (s *Store) metaKey(q string) string    { return fmt.Sprintf("%s:queue:%s:meta", s.prefix, q) }

func (s *Store) RegisterQueue(ctx context.Context, name string) error {
	return s.rdb.SAdd(ctx, s.rootKey(), name).Err()
}

func (s *Store) UnregisterQueue(ctx context.Context, name string) error {
	return s.rdb.SRem(ctx, s.rootKey(), name).Err()
}

func (s *Store) QueueNames(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.rootKey()).Result()
}

func (s *Store) AddTask(ctx context.Context, queue, taskID string, recordJSON, payload []byte) (bool, error) {
	result, err := s.addScript.Run(ctx, s.rdb,
		[]string{s.metaKey(queue), s.payloadKey(queue), s.pendingKey(queue)},
		taskID, string(recordJSON), payload,
	).Result()
	if err != nil {
		return false, err
	}
	added, _ := result.(int64)
	return added == 1, nil
}

func (s *Store) TakeClaim(ctx context.Context, queue string, deadline, claimedAt time.Time) (string, []byte, bool, error) {
	result, err := s.takeScript.Run(ctx, s.rdb,
		[]string{s.pendingKey(queue), s.claimsKey(queue), s.payloadKey(queue), s.metaKey(queue)},
		deadline.UnixMilli(), claimedAt.Format(time.RFC3339Nano),
	).Result()
	if err == redis.Nil {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}

	// takeScript returns boolean false (pending empty) or a two-element
	// array {id, payload}; go-redis decodes the former as nil.
	if result == nil {
		return "", nil, false, nil
	}
	row, ok := result.([]interface{})
	if !ok || len(row) != 2 {
		return "", nil, false, fmt.Errorf("redisstore: unexpected take result shape %T", result)
	}
	taskID, _ := row[0].(string)
	payload, _ := row[1].(string)
	return taskID, []byte(payload), true, nil
}

func (s *Store) MarkDone(ctx context.Context, queue, taskID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, s.claimsKey(queue), taskID)
	pipe.HDel(ctx, s.payloadKey(queue), taskID)
	pipe.HDel(ctx, s.metaKey(queue), taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkReset is intentionally several round trips rather than a script: it only
// re-queues taskID if it was genuinely claimed, and a lost race against the
// reaper sweeping the same id is harmless — reset is best-effort, not
// exactly-once.
func (s *Store) MarkReset(ctx context.Context, queue, taskID string) error {
	removed, err := s.rdb.HDel(ctx, s.claimsKey(queue), taskID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.pendingKey(queue), taskID)
	record := pipe.HGet(ctx, s.metaKey(queue), taskID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return err
	}
	raw, err := record.Result()
	if err == redis.Nil || raw == "" {
		return nil
	}
	if err != nil {
		return err
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return err
	}
	rec["status"] = "PENDING"
	delete(rec, "claimed_at")
	updated, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.metaKey(queue), taskID, updated).Err()
}

func (s *Store) ReapExpired(ctx context.Context, queue string, now time.Time) ([]string, error) {
	result, err := s.reapScript.Run(ctx, s.rdb,
		[]string{s.claimsKey(queue), s.pendingKey(queue), s.metaKey(queue)},
		now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, err
	}
	rows, _ := result.([]interface{})
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if id, ok := r.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) ClearQueue(ctx context.Context, queue string) error {
	return s.rdb.Del(ctx,
		s.pendingKey(queue), s.claimsKey(queue), s.payloadKey(queue), s.metaKey(queue),
	).Err()
}

func (s *Store) RemoveQueue(ctx context.Context, queue string) error {
	if err := s.ClearQueue(ctx, queue); err != nil {
		return err
	}
	return s.UnregisterQueue(ctx, queue)
}

func (s *Store) Depths(ctx context.Context, queue string) (int64, int64, error) {
	pipe := s.rdb.Pipeline()
	pendingCmd := pipe.LLen(ctx, s.pendingKey(queue))
	claimedCmd := pipe.HLen(ctx, s.claimsKey(queue))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, err
	}
	return pendingCmd.Val(), claimedCmd.Val(), nil
}

// InspectPending lists up to limit pending task ids without removing them
// (claimed and done tasks are inspected via GetRecord).
func (s *Store) InspectPending(ctx context.Context, queue string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.rdb.LRange(ctx, s.pendingKey(queue), 0, limit-1).Result()
}

func (s *Store) GetRecord(ctx context.Context, queue, taskID string) ([]byte, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.metaKey(queue), taskID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(raw), true, nil
}

func (s *Store) GetPayload(ctx context.Context, queue, taskID string) ([]byte, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.payloadKey(queue), taskID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(raw), true, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return s.rdb.Publish(ctx, s.prefix+":topic:"+channel, payload).Result()
}

func (s *Store) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.prefix+":topic:"+channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return newSubscription(ps), nil
}

func (s *Store) Allow(ctx context.Context, key string, ratePerSecond, burst int) (bool, error) {
	result, err := s.allowScript.Run(ctx, s.rdb,
		[]string{s.prefix + ":ratelimit:" + key},
		ratePerSecond, burst, time.Now().Unix(), 1,
	).Result()
	if err != nil {
		return false, err
	}
	allowed, _ := result.(int64)
	return allowed == 1, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
