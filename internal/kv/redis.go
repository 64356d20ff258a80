package kv

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts for the atomic compare-and-* primitives. Owner-token checks
// must be server-side; a GET/DEL pair would race with TTL expiry.
var (
	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	incrWithTTLScript = redis.NewScript(`
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(v) == tonumber(ARGV[1]) and tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v`)

	zmoveByScoreScript = redis.NewScript(`
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
for i = 1, #items do
	redis.call("ZREM", KEYS[1], items[i])
	redis.call("ZADD", KEYS[2], ARGV[2], items[i])
end
return items`)
)

// RedisStore implements Store on go-redis v9. A background monitor pings the
// server and flips Available(); operations issued while down fail fast with
// ErrUnavailable instead of waiting out dial timeouts.
type RedisStore struct {
	rdb     *redis.Client
	logger  *slog.Logger
	healthy atomic.Bool
	stop    chan struct{}
}

// RedisConfig carries the connection knobs the platform exposes.
type RedisConfig struct {
	URL          string // redis://[:password@]host:port/db
	PingInterval time.Duration
}

// NewRedisStore connects and verifies connectivity with a ping. The caller
// decides whether a connection error means "fall back to memory" or "fail
// startup".
func NewRedisStore(cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("kv: redis ping failed (%s): %w", opts.Addr, err)
	}

	s := &RedisStore{rdb: rdb, logger: logger, stop: make(chan struct{})}
	s.healthy.Store(true)

	interval := cfg.PingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go s.monitor(interval)

	logger.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return s, nil
}

// monitor keeps the health flag current so consumers can fall back without
// paying a dial timeout on every call.
func (s *RedisStore) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := s.rdb.Ping(ctx).Err()
			cancel()

			was := s.healthy.Load()
			now := err == nil
			if was != now {
				s.healthy.Store(now)
				if now {
					s.logger.Info("redis recovered")
				} else {
					s.logger.Warn("redis unreachable, consumers falling back", "error", err)
				}
			}
		}
	}
}

func (s *RedisStore) guard() error {
	if !s.healthy.Load() {
		return ErrUnavailable
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.guard(); err != nil {
		return "", false, err
	}
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: GET %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: SET %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: SETNX %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	n, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("kv: compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	n, err := compareAndExpireScript.Run(ctx, s.rdb, []string{key}, expected, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv: compare-and-expire %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) IncrementBy(ctx context.Context, key string, delta int64, ttlIfNew time.Duration) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	n, err := incrWithTTLScript.Run(ctx, s.rdb, []string{key}, delta, ttlIfNew.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv: INCRBY %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv: DEL: %w", err)
	}
	return nil
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string, pageSize int64, fn func(key string) error) error {
	if err := s.guard(); err != nil {
		return err
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", pageSize).Result()
		if err != nil {
			return fmt.Errorf("kv: SCAN %s*: %w", prefix, err)
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) ZAdd(ctx context.Context, set string, score float64, member string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.rdb.ZAdd(ctx, set, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kv: ZADD %s: %w", set, err)
	}
	return nil
}

func (s *RedisStore) ZMoveByScore(ctx context.Context, src, dst string, maxScore, newScore float64, limit int64) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}
	res, err := zmoveByScoreScript.Run(ctx, s.rdb, []string{src, dst},
		formatScore(maxScore), formatScore(newScore), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("kv: zmove %s->%s: %w", src, dst, err)
	}
	return res, nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, set string, min, max float64, offset, count int64) ([]ZMember, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = -1 // LIMIT <offset> -1 means "all remaining"
	}
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, set, &redis.ZRangeBy{
		Min:    formatScore(min),
		Max:    formatScore(max),
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: ZRANGEBYSCORE %s: %w", set, err)
	}
	out := make([]ZMember, len(zs))
	for i, z := range zs {
		out[i] = ZMember{Member: z.Member.(string), Score: z.Score}
	}
	return out, nil
}

func (s *RedisStore) ZRem(ctx context.Context, set string, members ...string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	n, err := s.rdb.ZRem(ctx, set, ifaces...).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: ZREM %s: %w", set, err)
	}
	return n, nil
}

func (s *RedisStore) ZCard(ctx context.Context, set string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	n, err := s.rdb.ZCard(ctx, set).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: ZCARD %s: %w", set, err)
	}
	return n, nil
}

func (s *RedisStore) Available() bool { return s.healthy.Load() }

func (s *RedisStore) Name() string { return "redis" }

// Close stops the monitor and releases the client.
func (s *RedisStore) Close() error {
	close(s.stop)
	return s.rdb.Close()
}

func formatScore(f float64) string {
	if math.IsInf(f, 1) {
		return "+inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
