package verify

import (
	"crypto"
	"fmt"
	"sync"
)

// SubjectKeys holds the two independent trust anchors for one subject: the
// key expected to sign the outer envelope and the measurement source's
// attestation key expected to sign quotes. They may be the same key.
type SubjectKeys struct {
	Envelope crypto.PublicKey
	Quote    crypto.PublicKey
}

// Roster maps subject identities to their trusted keys. Lookups are
// exact-match on identity only.
type Roster struct {
	mu   sync.RWMutex
	keys map[string]SubjectKeys
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{keys: make(map[string]SubjectKeys)}
}

// Add registers the trusted keys for a subject. Both keys are required.
func (r *Roster) Add(subject string, keys SubjectKeys) error {
	if subject == "" {
		return fmt.Errorf("subject identity must not be empty")
	}
	if keys.Envelope == nil || keys.Quote == nil {
		return fmt.Errorf("subject %q: both envelope and quote keys are required", subject)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[subject] = keys
	return nil
}

// Lookup returns the trusted keys for a subject identity.
func (r *Roster) Lookup(subject string) (SubjectKeys, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.keys[subject]
	return keys, ok
}
