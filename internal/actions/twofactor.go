package actions

import (
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TwoFactor verifies the second factor demanded by CRITICAL actions.
// Only bcrypt hashes of the per-actor codes are held in memory; the
// codes themselves arrive out of band (provisioned by an operator).
type TwoFactor struct {
	mu     sync.RWMutex
	hashes map[string][]byte // actor -> bcrypt hash
}

// NewTwoFactor creates an empty verifier.
func NewTwoFactor() *TwoFactor {
	return &TwoFactor{hashes: make(map[string][]byte)}
}

// Enroll stores the actor's code as a bcrypt hash.
func (t *TwoFactor) Enroll(actor, code string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.hashes[actor] = hash
	t.mu.Unlock()
	return nil
}

// EnrollHash stores a pre-computed bcrypt hash (config-provisioned).
func (t *TwoFactor) EnrollHash(actor string, hash []byte) {
	t.mu.Lock()
	t.hashes[actor] = append([]byte(nil), hash...)
	t.mu.Unlock()
}

// Verify reports whether the code matches the actor's enrolled factor.
// Unknown actors always fail.
func (t *TwoFactor) Verify(actor, code string) bool {
	t.mu.RLock()
	hash, ok := t.hashes[actor]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil
}
