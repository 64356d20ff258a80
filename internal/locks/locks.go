// Package locks provides named distributed mutexes over the shared KV
// store, with an in-process fallback for when the store is down.
//
// Every lock is held by an owner token: a random value generated at
// acquisition that must be presented to release or renew. Release and
// renew are compare-and-swap operations server-side, so a holder whose
// TTL lapsed can never clobber the next holder's lock.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/telemetry"
)

const (
	keyPrefix    = "lock:"
	pollInterval = 100 * time.Millisecond

	// StorageShared and StorageLocal identify which backend granted a
	// lock. Local locks only exclude within this process.
	StorageShared = "shared"
	StorageLocal  = "local"
)

// ErrNotAcquired is returned when the wait timeout elapses without the
// lock becoming free.
var ErrNotAcquired = errors.New("locks: not acquired")

// Lock is a held lock. It is released or renewed through the Manager
// that granted it.
type Lock struct {
	Name       string
	OwnerToken string
	TTL        time.Duration
	Storage    string
	AcquiredAt time.Time
}

// Options control a single acquisition.
type Options struct {
	// TTL is how long the lock is held before the store reclaims it.
	// Defaults to 30s.
	TTL time.Duration
	// WaitTimeout bounds how long Acquire blocks polling for a busy
	// lock. Zero means a single non-blocking attempt.
	WaitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	return o
}

// Manager hands out named locks. It prefers the shared store; when the
// store reports itself unavailable it degrades to process-local locks so
// single-instance deployments keep working through a Redis outage.
type Manager struct {
	store kv.Store
	tel   *telemetry.Telemetry
	local *localTable
}

// NewManager creates a lock manager and starts the local table's pruner.
func NewManager(store kv.Store, tel *telemetry.Telemetry) *Manager {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Manager{
		store: store,
		tel:   tel,
		local: newLocalTable(time.Minute),
	}
}

// Close stops the local table's pruner.
func (m *Manager) Close() {
	m.local.close()
}

// Acquire takes the named lock, polling every 100ms up to WaitTimeout if
// it is busy. Returns ErrNotAcquired when the deadline passes first.
func (m *Manager) Acquire(ctx context.Context, name string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	token := uuid.NewString()
	deadline := time.Now().Add(opts.WaitTimeout)

	for {
		lock, err := m.tryOnce(ctx, name, token, opts.TTL)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			m.tel.Metrics.LockAcquired.WithLabelValues(lock.Storage).Inc()
			return lock, nil
		}

		if opts.WaitTimeout <= 0 || time.Now().Add(pollInterval).After(deadline) {
			m.tel.Metrics.LockTimeouts.Inc()
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			m.tel.Metrics.LockTimeouts.Inc()
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tryOnce makes one acquisition attempt against whichever backend is up.
// A nil lock with nil error means the lock is held by someone else.
func (m *Manager) tryOnce(ctx context.Context, name, token string, ttl time.Duration) (*Lock, error) {
	if m.store.Available() {
		created, err := m.store.SetIfAbsent(ctx, keyPrefix+name, token, ttl)
		if err != nil && !errors.Is(err, kv.ErrUnavailable) {
			return nil, fmt.Errorf("locks: acquire %s: %w", name, err)
		}
		if err == nil {
			if !created {
				return nil, nil
			}
			return &Lock{Name: name, OwnerToken: token, TTL: ttl, Storage: StorageShared, AcquiredAt: time.Now()}, nil
		}
		// Store flipped away mid-call; fall through to local.
	}

	if !m.local.tryAcquire(name, token, ttl) {
		return nil, nil
	}
	return &Lock{Name: name, OwnerToken: token, TTL: ttl, Storage: StorageLocal, AcquiredAt: time.Now()}, nil
}

// Release frees the lock if and only if the caller still owns it. A false
// return means the TTL already lapsed and someone else may hold the name.
func (m *Manager) Release(ctx context.Context, l *Lock) (bool, error) {
	if l == nil {
		return false, nil
	}
	if l.Storage == StorageLocal {
		return m.local.release(l.Name, l.OwnerToken), nil
	}
	ok, err := m.store.CompareAndDelete(ctx, keyPrefix+l.Name, l.OwnerToken)
	if err != nil {
		return false, fmt.Errorf("locks: release %s: %w", l.Name, err)
	}
	return ok, nil
}

// Renew extends the lock's TTL if the caller still owns it.
func (m *Manager) Renew(ctx context.Context, l *Lock, additional time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	if additional <= 0 {
		additional = l.TTL
	}
	if l.Storage == StorageLocal {
		return m.local.renew(l.Name, l.OwnerToken, additional), nil
	}
	ok, err := m.store.CompareAndExpire(ctx, keyPrefix+l.Name, l.OwnerToken, additional)
	if err != nil {
		return false, fmt.Errorf("locks: renew %s: %w", l.Name, err)
	}
	return ok, nil
}

// Outcome reports how a WithLock execution ended. Stale means the lock
// could not be released because ownership was lost mid-execution; the
// function's result stands, but callers may choose to discard it.
type Outcome struct {
	Stale   bool
	Storage string
	Held    time.Duration
}

// WithLock runs fn under the named lock and releases it on every exit
// path. If fn runs past 2/3 of the TTL a single background renewal is
// attempted. A release that finds the lock gone is recorded as an
// orphaned-lock audit event and surfaces as Outcome.Stale.
func (m *Manager) WithLock(ctx context.Context, name string, opts Options, fn func(ctx context.Context) error) (Outcome, error) {
	opts = opts.withDefaults()

	lock, err := m.Acquire(ctx, name, opts)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Storage: lock.Storage}

	renewTimer := time.AfterFunc(opts.TTL*2/3, func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ok, rerr := m.Renew(rctx, lock, opts.TTL); rerr != nil || !ok {
			m.tel.Logger.Warn("lock renewal failed", "lock", name, "error", rerr)
		}
	})

	fnErr := fn(ctx)

	renewTimer.Stop()
	out.Held = time.Since(lock.AcquiredAt)

	released, relErr := m.Release(context.WithoutCancel(ctx), lock)
	if relErr != nil {
		m.tel.Logger.Warn("lock release errored", "lock", name, "error", relErr)
	}
	if relErr == nil && !released {
		out.Stale = true
		m.tel.Metrics.LockOrphaned.Inc()
		m.tel.Audit.Record(ctx, telemetry.AuditEntry{
			Actor:      "locks",
			Action:     "lock.orphaned",
			TargetType: "lock",
			TargetID:   name,
			Payload:    map[string]any{"held_ms": out.Held.Milliseconds(), "ttl_ms": opts.TTL.Milliseconds()},
		})
		m.tel.Logger.Warn("lock orphaned, result marked stale",
			"lock", name, "held", out.Held, "ttl", opts.TTL)
	}

	return out, fnErr
}
