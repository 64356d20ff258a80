package kv

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the single-process fallback used when Redis is down or
// unconfigured. Semantics match RedisStore for everything the platform
// relies on; state is lost on restart, which consumers document and surface
// in their stats.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
	zsets map[string]map[string]float64
	stop  chan struct{}
	once  sync.Once
}

type memItem struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// NewMemoryStore creates the fallback store and starts its janitor, which
// evicts expired entries once a minute.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memItem),
		zsets: make(map[string]map[string]float64),
		stop:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, it := range s.items {
				if it.expired(now) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// getLocked returns the live item, pruning it when expired. Callers hold mu.
func (s *MemoryStore) getLocked(key string, now time.Time) (memItem, bool) {
	it, ok := s.items[key]
	if !ok {
		return memItem{}, false
	}
	if it.expired(now) {
		delete(s.items, key)
		return memItem{}, false
	}
	return it, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getLocked(key, time.Now())
	if !ok {
		return "", false, nil
	}
	return it.value, true, nil
}

func (s *MemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memItem{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key, time.Now()); ok {
		return false, nil
	}
	s.items[key] = memItem{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getLocked(key, time.Now())
	if !ok || it.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

func (s *MemoryStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.getLocked(key, time.Now())
	if !ok || it.value != expected {
		return false, nil
	}
	it.expiresAt = expiry(ttl)
	s.items[key] = it
	return true, nil
}

func (s *MemoryStore) IncrementBy(ctx context.Context, key string, delta int64, ttlIfNew time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	it, ok := s.getLocked(key, now)
	if !ok {
		s.items[key] = memItem{value: strconv.FormatInt(delta, 10), expiresAt: expiry(ttlIfNew)}
		return delta, nil
	}

	n, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n += delta
	it.value = strconv.FormatInt(n, 10)
	s.items[key] = it
	return n, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

func (s *MemoryStore) ScanPrefix(ctx context.Context, prefix string, pageSize int64, fn func(key string) error) error {
	s.mu.Lock()
	now := time.Now()
	keys := make([]string, 0)
	for k, it := range s.items {
		if strings.HasPrefix(k, prefix) && !it.expired(now) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	// Deterministic order makes the admin scan output stable.
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, set string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[set]
	if !ok {
		z = make(map[string]float64)
		s.zsets[set] = z
	}
	z[member] = score
	return nil
}

func (s *MemoryStore) ZMoveByScore(ctx context.Context, src, dst string, maxScore, newScore float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zsets[src]
	if !ok {
		return nil, nil
	}
	members := sortedMembers(z, math.Inf(-1), maxScore)
	if limit > 0 && int64(len(members)) > limit {
		members = members[:limit]
	}
	if len(members) == 0 {
		return nil, nil
	}

	d, ok := s.zsets[dst]
	if !ok {
		d = make(map[string]float64)
		s.zsets[dst] = d
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Member
		delete(z, m.Member)
		d[m.Member] = newScore
	}
	return out, nil
}

func (s *MemoryStore) ZRangeByScore(ctx context.Context, set string, min, max float64, offset, count int64) ([]ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zsets[set]
	if !ok {
		return nil, nil
	}
	members := sortedMembers(z, min, max)
	if offset > 0 {
		if offset >= int64(len(members)) {
			return nil, nil
		}
		members = members[offset:]
	}
	if count > 0 && int64(len(members)) > count {
		members = members[:count]
	}
	return members, nil
}

func (s *MemoryStore) ZRem(ctx context.Context, set string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zsets[set]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, m := range members {
		if _, exists := z[m]; exists {
			delete(z, m)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ZCard(ctx context.Context, set string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[set])), nil
}

func (s *MemoryStore) Available() bool { return true }

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// Len reports live string keys, for stats.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, it := range s.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func sortedMembers(z map[string]float64, min, max float64) []ZMember {
	out := make([]ZMember, 0, len(z))
	for m, score := range z {
		if score >= min && score <= max {
			out = append(out, ZMember{Member: m, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Member < out[j].Member
		}
		return out[i].Score < out[j].Score
	})
	return out
}
