// Package ratelimit enforces fixed-window limits shared across instances
// through the KV store, degrading to process-local token buckets when the
// store is down.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/telemetry"
)

const keyPrefix = "rate:"

// Limiter answers "is this call within budget?" for arbitrary keys. The
// shared path counts in the KV store with the window as TTL, so every
// instance sees the same count. The local path is a token bucket per key;
// smoother and process-local, which is accepted degradation during an
// outage.
type Limiter struct {
	store kv.Store
	tel   *telemetry.Telemetry

	mu      sync.Mutex
	local   map[string]*localBucket
	stop    chan struct{}
	once    sync.Once
	downLog time.Time
}

type localBucket struct {
	lim      *rate.Limiter
	limit    int64
	window   time.Duration
	lastSeen time.Time
}

// New creates a limiter and starts the local-bucket janitor.
func New(store kv.Store, tel *telemetry.Telemetry) *Limiter {
	if tel == nil {
		tel = telemetry.Nop()
	}
	l := &Limiter{
		store: store,
		tel:   tel,
		local: make(map[string]*localBucket),
		stop:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Close stops the janitor.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether one more call under key fits within limit per
// window. scope labels the denial metric so dashboards can tell webhook
// throttling from outbound caps.
func (l *Limiter) Allow(ctx context.Context, scope, key string, limit int64, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	if l.store.Available() {
		count, err := l.store.IncrementBy(ctx, keyPrefix+key, 1, window)
		if err == nil {
			if count > limit {
				l.tel.Metrics.RateDenied.WithLabelValues(scope).Inc()
				return false, nil
			}
			return true, nil
		}
		if !errors.Is(err, kv.ErrUnavailable) {
			return false, err
		}
	}

	allowed := l.allowLocal(key, limit, window)
	if !allowed {
		l.tel.Metrics.RateDenied.WithLabelValues(scope).Inc()
	}
	return allowed, nil
}

// Count returns the current shared count for key, or -1 when only the
// local path is live. Used by stats endpoints, never for decisions.
func (l *Limiter) Count(ctx context.Context, key string) (int64, error) {
	if !l.store.Available() {
		return -1, nil
	}
	val, ok, err := l.store.Get(ctx, keyPrefix+key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (l *Limiter) allowLocal(key string, limit int64, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Log the degradation once a minute, not per call.
	if time.Since(l.downLog) > time.Minute {
		l.downLog = time.Now()
		l.tel.Logger.Warn("rate limiter on local fallback, counts are per-instance")
	}

	b, ok := l.local[key]
	if !ok || b.limit != limit || b.window != window {
		b = &localBucket{
			lim:    rate.NewLimiter(rate.Every(window/time.Duration(limit)), int(limit)),
			limit:  limit,
			window: window,
		}
		l.local[key] = b
	}
	b.lastSeen = time.Now()
	return b.lim.Allow()
}

// cleanup evicts buckets idle for more than ten minutes so one-off keys
// (per-conversation, per-recipient) do not accumulate.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for k, b := range l.local {
				if b.lastSeen.Before(cutoff) {
					delete(l.local, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// ActiveBuckets reports how many local buckets are live, for stats.
func (l *Limiter) ActiveBuckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.local)
}
