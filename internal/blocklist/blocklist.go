// Package blocklist answers "may this contact talk to the bot?". Entries
// come from three tiers checked in order: live KV entries (operator adds
// and removes at runtime), the policy file, and a baked-in default from
// the environment. The first tier that knows the contact wins.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/telemetry"
)

const keyPrefix = "block:"

// Source names the tier that matched a contact.
type Source string

const (
	SourceNone   Source = ""
	SourceLive   Source = "live"
	SourcePolicy Source = "policy"
	SourceEnv    Source = "env"
)

// Service resolves contacts against the three tiers.
type Service struct {
	store kv.Store
	tel   *telemetry.Telemetry

	mu     sync.RWMutex
	policy map[string]struct{}
	env    map[string]struct{}
}

// New builds the service. policyContacts comes from the registry's policy
// file, envContacts from the process environment; both are normalized
// here so callers can pass them raw.
func New(store kv.Store, tel *telemetry.Telemetry, policyContacts, envContacts []string) *Service {
	if tel == nil {
		tel = telemetry.Nop()
	}
	s := &Service{
		store:  store,
		tel:    tel,
		policy: make(map[string]struct{}, len(policyContacts)),
		env:    make(map[string]struct{}, len(envContacts)),
	}
	for _, c := range policyContacts {
		if n := Normalize(c); n != "" {
			s.policy[n] = struct{}{}
		}
	}
	for _, c := range envContacts {
		if n := Normalize(c); n != "" {
			s.env[n] = struct{}{}
		}
	}
	return s
}

// Normalize canonicalizes a contact so the same phone or address always
// hits the same entry. Emails are lower-cased and trimmed; anything else
// is treated as a phone number and reduced to digits, keeping a leading +.
func Normalize(contact string) string {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return ""
	}
	if strings.ContainsRune(contact, '@') {
		return strings.ToLower(contact)
	}

	var b strings.Builder
	for i, r := range contact {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 || b.String() == "+" {
		return ""
	}
	return b.String()
}

// Check reports whether the contact is blocked and which tier said so.
// A KV outage degrades to the static tiers rather than failing the check.
func (s *Service) Check(ctx context.Context, contact string) (bool, Source, error) {
	key := Normalize(contact)
	if key == "" {
		return false, SourceNone, nil
	}

	_, found, err := s.store.Get(ctx, keyPrefix+key)
	if err != nil && !errors.Is(err, kv.ErrUnavailable) {
		return false, SourceNone, fmt.Errorf("blocklist: check %s: %w", key, err)
	}
	if err == nil && found {
		return true, SourceLive, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.policy[key]; ok {
		return true, SourcePolicy, nil
	}
	if _, ok := s.env[key]; ok {
		return true, SourceEnv, nil
	}
	return false, SourceNone, nil
}

// Add blocks a contact in the live tier. reason is stored with the entry
// for operators reading the raw keys. ttl <= 0 blocks permanently.
func (s *Service) Add(ctx context.Context, contact, reason string, ttl time.Duration) error {
	key := Normalize(contact)
	if key == "" {
		return errors.New("blocklist: empty contact")
	}
	value := reason
	if value == "" {
		value = "blocked"
	}
	if err := s.store.SetWithTTL(ctx, keyPrefix+key, value, ttl); err != nil {
		return fmt.Errorf("blocklist: add %s: %w", key, err)
	}
	s.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "blocklist",
		Action:     "blocklist.added",
		TargetType: "contact",
		TargetID:   key,
		Payload:    map[string]any{"reason": value},
	})
	return nil
}

// Remove unblocks a contact in the live tier. Policy and env entries can
// only be changed at their sources.
func (s *Service) Remove(ctx context.Context, contact string) error {
	key := Normalize(contact)
	if key == "" {
		return errors.New("blocklist: empty contact")
	}
	if err := s.store.Delete(ctx, keyPrefix+key); err != nil {
		return fmt.Errorf("blocklist: remove %s: %w", key, err)
	}
	s.tel.Audit.Record(ctx, telemetry.AuditEntry{
		Actor:      "blocklist",
		Action:     "blocklist.removed",
		TargetType: "contact",
		TargetID:   key,
	})
	return nil
}

// ReloadPolicy swaps the policy tier, used by the registry on hot reload.
func (s *Service) ReloadPolicy(contacts []string) {
	next := make(map[string]struct{}, len(contacts))
	for _, c := range contacts {
		if n := Normalize(c); n != "" {
			next[n] = struct{}{}
		}
	}
	s.mu.Lock()
	s.policy = next
	s.mu.Unlock()
}

// Size reports entries per tier for the stats endpoint. The live count
// is a prefix scan and is 0 while the store is down.
func (s *Service) Size(ctx context.Context) map[string]int {
	live := 0
	_ = s.store.ScanPrefix(ctx, keyPrefix, 10_000, func(string) error {
		live++
		return nil
	})
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"live":   live,
		"policy": len(s.policy),
		"env":    len(s.env),
	}
}
