// Package redisstore is the store adapter: a thin façade over Redis
// exposing the atomic primitives the queue core composes its state
// transitions from. Every primitive is individually atomic; multi-key
// steps that must be mutually exclusive (the claim) run as Lua scripts.
//
// All calls retry transient I/O failures with bounded exponential
// backoff; exhausted retries surface as domain.ErrStoreUnavailable.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/project-queue/internal/domain"
)

// Store wraps a Redis client with the primitives the core depends on.
type Store struct {
	rdb        *redis.Client
	maxRetries uint64

	claimScript   *redis.Script
	deleteScript  *redis.Script
	refreshScript *redis.Script
	ewmaScript    *redis.Script
}

// claimLua atomically takes the lowest-scored pending member, moves it
// in-flight, marks its hash processing and writes the worker's lease,
// refusing when the in-flight list is at capacity. Pending members
// whose hash is gone are discarded in place. Running as one script
// makes the claim mutually exclusive across workers and guarantees no
// in-flight entry ever exists without a lease.
// Job keys are built from the member id; must mirror JobKey/LeaseKey.
const claimLua = `
if redis.call("LLEN", KEYS[2]) >= tonumber(ARGV[1]) then
  return ""
end
while true do
  local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
  if #ids == 0 then
    return ""
  end
  local id = ids[1]
  redis.call("ZREM", KEYS[1], id)
  local jobKey = "job:" .. id
  if redis.call("EXISTS", jobKey) == 1 then
    redis.call("LPUSH", KEYS[2], id)
    redis.call("HSET", jobKey, "status", "processing", "started_at", ARGV[3], "worker_id", ARGV[2])
    redis.call("SET", jobKey .. ":lease", ARGV[2], "PX", ARGV[4])
    return id
  end
end
`

// deleteIfValueLua is the compare-and-delete lease primitive.
const deleteIfValueLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// refreshIfValueLua extends a lease TTL only for its current owner.
const refreshIfValueLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// ewmaLua folds one duration sample into the exponentially weighted
// rolling mean, seeding it on first use.
const ewmaLua = `
local cur = redis.call("GET", KEYS[1])
local avg
if cur then
  avg = tonumber(cur)
else
  avg = tonumber(ARGV[3])
end
local alpha = tonumber(ARGV[2])
avg = alpha * tonumber(ARGV[1]) + (1 - alpha) * avg
redis.call("SET", KEYS[1], tostring(avg))
return tostring(avg)
`

// New constructs a Store over an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:           rdb,
		maxRetries:    3,
		claimScript:   redis.NewScript(claimLua),
		deleteScript:  redis.NewScript(deleteIfValueLua),
		refreshScript: redis.NewScript(refreshIfValueLua),
		ewmaScript:    redis.NewScript(ewmaLua),
	}
}

// retry runs fn with bounded exponential backoff. fn must translate
// redis.Nil into a non-error result before returning.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx)
	err := backoff.Retry(func() error {
		if err := fn(); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: op=%s: %v", domain.ErrStoreUnavailable, op, err)
	}
	return nil
}

// Ping probes the backing store.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// --- sorted set ---

// ZAdd inserts or updates member with the given score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.retry(ctx, "zadd", func() error {
		return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZHead returns the lowest-scored member, if any.
func (s *Store) ZHead(ctx context.Context, key string) (string, float64, bool, error) {
	var zs []redis.Z
	err := s.retry(ctx, "zhead", func() error {
		var err error
		zs, err = s.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
		return err
	})
	if err != nil || len(zs) == 0 {
		return "", 0, false, err
	}
	member, _ := zs[0].Member.(string)
	return member, zs[0].Score, true, nil
}

// ZRem removes member; reports whether it was present.
func (s *Store) ZRem(ctx context.Context, key, member string) (bool, error) {
	var n int64
	err := s.retry(ctx, "zrem", func() error {
		var err error
		n, err = s.rdb.ZRem(ctx, key, member).Result()
		return err
	})
	return n > 0, err
}

// ZRank returns the 0-based rank of member, with ok=false when absent.
func (s *Store) ZRank(ctx context.Context, key, member string) (int64, bool, error) {
	var rank int64
	var found bool
	err := s.retry(ctx, "zrank", func() error {
		r, err := s.rdb.ZRank(ctx, key, member).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		rank, found = r, true
		return nil
	})
	return rank, found, err
}

// ZCard returns the cardinality of the sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.retry(ctx, "zcard", func() error {
		var err error
		n, err = s.rdb.ZCard(ctx, key).Result()
		return err
	})
	return n, err
}

// --- list ---

// LRem removes all occurrences of value; returns the removed count.
func (s *Store) LRem(ctx context.Context, key, value string) (int64, error) {
	var n int64
	err := s.retry(ctx, "lrem", func() error {
		var err error
		n, err = s.rdb.LRem(ctx, key, 0, value).Result()
		return err
	})
	return n, err
}

// LLen returns the list length.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.retry(ctx, "llen", func() error {
		var err error
		n, err = s.rdb.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

// LRange returns the elements between start and stop inclusive.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.retry(ctx, "lrange", func() error {
		var err error
		out, err = s.rdb.LRange(ctx, key, start, stop).Result()
		return err
	})
	return out, err
}

// PushRing prepends value to a capped ring list, trimming to ringCap.
func (s *Store) PushRing(ctx context.Context, key, value string, ringCap int64) error {
	return s.retry(ctx, "pushring", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, ringCap-1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// --- hash ---

// HSet writes the given fields to a hash.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	return s.retry(ctx, "hset", func() error {
		return s.rdb.HSet(ctx, key, fields).Err()
	})
}

// HGet returns one hash field, with ok=false when absent.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var val string
	var found bool
	err := s.retry(ctx, "hget", func() error {
		v, err := s.rdb.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

// HGetAll returns all hash fields; empty map when the key is absent.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := s.retry(ctx, "hgetall", func() error {
		var err error
		fields, err = s.rdb.HGetAll(ctx, key).Result()
		return err
	})
	return fields, err
}

// --- counter with TTL ---

// IncrWithTTL increments a counter and (re)sets its TTL in one
// transaction; used for monthly quotas and daily stat buckets.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.retry(ctx, "incrttl", func() error {
		pipe := s.rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		n = incr.Val()
		return nil
	})
	return n, err
}

// GetInt reads an integer counter, returning 0 when absent.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.retry(ctx, "getint", func() error {
		v, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			n = 0
			return nil
		}
		if err != nil {
			return err
		}
		n, err = strconv.ParseInt(v, 10, 64)
		return err
	})
	return n, err
}

// GetFloat reads a float value, with ok=false when absent.
func (s *Store) GetFloat(ctx context.Context, key string) (float64, bool, error) {
	var val float64
	var found bool
	err := s.retry(ctx, "getfloat", func() error {
		v, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		val, err = strconv.ParseFloat(v, 64)
		found = err == nil
		return err
	})
	return val, found, err
}

// --- lease ---

// SetWithTTL writes a value with a TTL unconditionally.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.retry(ctx, "setttl", func() error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetIfAbsent writes value with a TTL only when the key does not exist.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var set bool
	err := s.retry(ctx, "setnx", func() error {
		var err error
		set, err = s.rdb.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return set, err
}

// DeleteIfValue deletes key only when it currently holds value.
func (s *Store) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	var deleted bool
	err := s.retry(ctx, "delifval", func() error {
		n, err := s.deleteScript.Run(ctx, s.rdb, []string{key}, value).Int64()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// RefreshIfValue extends the TTL of key only when it holds value.
func (s *Store) RefreshIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var refreshed bool
	err := s.retry(ctx, "refresh", func() error {
		n, err := s.refreshScript.Run(ctx, s.rdb, []string{key}, value, ttl.Milliseconds()).Int64()
		if err != nil {
			return err
		}
		refreshed = n > 0
		return nil
	})
	return refreshed, err
}

// Exists reports whether the key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.retry(ctx, "exists", func() error {
		var err error
		n, err = s.rdb.Exists(ctx, key).Result()
		return err
	})
	return n > 0, err
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.retry(ctx, "expire", func() error {
		return s.rdb.Expire(ctx, key, ttl).Err()
	})
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.retry(ctx, "del", func() error {
		return s.rdb.Del(ctx, keys...).Err()
	})
}

// --- composite atomics ---

// ClaimNext pops the lowest-scored pending member into the in-flight
// list, honoring the concurrency cap, and in the same script marks the
// job hash processing for workerID and writes its lease with leaseTTL.
// Returns "" when nothing is claimable. Atomic: no two callers can
// observe the same member, and a claimed job is never in flight
// without a lease.
func (s *Store) ClaimNext(ctx context.Context, pendingKey, inflightKey string, maxInflight int, workerID string, startedAt time.Time, leaseTTL time.Duration) (string, error) {
	var member string
	err := s.retry(ctx, "claim", func() error {
		res, err := s.claimScript.Run(ctx, s.rdb, []string{pendingKey, inflightKey},
			maxInflight,
			workerID,
			strconv.FormatInt(startedAt.UTC().UnixMilli(), 10),
			leaseTTL.Milliseconds()).Text()
		if errors.Is(err, redis.Nil) {
			member = ""
			return nil
		}
		if err != nil {
			return err
		}
		member = res
		return nil
	})
	return member, err
}

// UpdateEWMA folds sample into the rolling mean at key, seeding on
// first use, and returns the new mean.
func (s *Store) UpdateEWMA(ctx context.Context, key string, sample, alpha, seed float64) (float64, error) {
	var avg float64
	err := s.retry(ctx, "ewma", func() error {
		res, err := s.ewmaScript.Run(ctx, s.rdb, []string{key},
			strconv.FormatFloat(sample, 'f', -1, 64),
			strconv.FormatFloat(alpha, 'f', -1, 64),
			strconv.FormatFloat(seed, 'f', -1, 64)).Text()
		if err != nil {
			return err
		}
		avg, err = strconv.ParseFloat(res, 64)
		return err
	})
	return avg, err
}

// ScanKeys collects all keys matching pattern. Used only by the
// low-frequency housekeeping pass.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.retry(ctx, "scan", func() error {
		keys = keys[:0]
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}
