// Package dedup answers "have we processed this key before?" with a TTL,
// used to drop repeat webhook deliveries and duplicate action proposals.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/telemetry"
)

const keyPrefix = "dedupe:"

// Deduplicator records first sightings in the KV store. The stored value
// is the first-seen timestamp, so repeat sightings can report when the
// original arrived.
type Deduplicator struct {
	store kv.Store
	tel   *telemetry.Telemetry
}

func New(store kv.Store, tel *telemetry.Telemetry) *Deduplicator {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Deduplicator{store: store, tel: tel}
}

// Seen marks key as seen and reports whether it already was. For repeats,
// firstSeen carries the original sighting time. If the store is
// unavailable the key is treated as fresh: duplicates are cheaper than
// dropped messages.
func (d *Deduplicator) Seen(ctx context.Context, key string, ttl time.Duration) (wasSeen bool, firstSeen time.Time, err error) {
	now := time.Now().UTC()

	created, err := d.store.SetIfAbsent(ctx, keyPrefix+key, now.Format(time.RFC3339Nano), ttl)
	if errors.Is(err, kv.ErrUnavailable) {
		d.tel.Logger.Warn("dedupe store down, treating delivery as first", "key", key)
		return false, now, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("dedup: mark %s: %w", key, err)
	}
	if created {
		d.tel.Metrics.DedupeFirst.Inc()
		return false, now, nil
	}

	d.tel.Metrics.DedupeHits.Inc()

	val, ok, err := d.store.Get(ctx, keyPrefix+key)
	if err != nil || !ok {
		// Raced with expiry between SETNX and GET; the sighting still
		// counts as a repeat.
		return true, time.Time{}, nil
	}
	ts, perr := time.Parse(time.RFC3339Nano, val)
	if perr != nil {
		return true, time.Time{}, nil
	}
	return true, ts, nil
}

// Forget removes a key so it reads as unseen again. Used by admin replay.
func (d *Deduplicator) Forget(ctx context.Context, key string) error {
	return d.store.Delete(ctx, keyPrefix+key)
}
