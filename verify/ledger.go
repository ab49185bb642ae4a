package verify

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultChallengeTTL bounds how long an issued nonce stays acceptable.
const DefaultChallengeTTL = 5 * time.Minute

// Challenge is one issued nonce and its bookkeeping.
type Challenge struct {
	// Name is a unique identifier for logs and session credentials.
	Name      string
	Nonce     []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ConsumeResult is the outcome of presenting a nonce to the ledger.
type ConsumeResult int

const (
	ConsumeOK ConsumeResult = iota
	ConsumeUnknown
	ConsumeReplayed
	ConsumeExpired
)

// Ledger owns the nonce lifecycle: issue once, accept once. Nonces are
// derived from a cryptographically secure source and bound to
// session-unique transport material, so evidence built for one channel can
// never validate on another.
type Ledger struct {
	mu     sync.Mutex
	ttl    time.Duration
	issued map[string]*ledgerEntry
}

type ledgerEntry struct {
	challenge Challenge
	consumed  bool
}

// NewLedger returns a ledger with the given challenge TTL; zero means
// DefaultChallengeTTL.
func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &Ledger{ttl: ttl, issued: make(map[string]*ledgerEntry)}
}

// Issue creates a fresh single-use nonce bound to the session material
// (e.g. a handshake-derived hash). The nonce is SHA-256 over the material
// and 32 CSPRNG bytes, so it is unique per call even for identical sessions.
func (l *Ledger) Issue(sessionMaterial []byte, now time.Time) (*Challenge, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("failed to draw challenge entropy: %w", err)
	}
	hash := sha256.New()
	hash.Write(sessionMaterial)
	hash.Write(random)
	nonce := hash.Sum(nil)

	ch := Challenge{
		Name:      "challenges/" + uuid.New().String(),
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(l.ttl),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issued[string(nonce)] = &ledgerEntry{challenge: ch}
	return &ch, nil
}

// Consume marks a nonce as used. Each issued nonce is accepted exactly
// once; later presentations report ConsumeReplayed regardless of the
// token's other content.
func (l *Ledger) Consume(nonce []byte, now time.Time) ConsumeResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.issued[string(nonce)]
	if !ok {
		return ConsumeUnknown
	}
	if entry.consumed {
		return ConsumeReplayed
	}
	if now.After(entry.challenge.ExpiresAt) {
		delete(l.issued, string(nonce))
		return ConsumeExpired
	}
	entry.consumed = true
	return ConsumeOK
}

// Expire drops challenges whose deadline has passed, consumed or not.
// Callers run it periodically; the ledger never grows past the set of
// live challenges plus consumed entries awaiting sweep.
func (l *Ledger) Expire(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, entry := range l.issued {
		if now.After(entry.challenge.ExpiresAt) {
			delete(l.issued, key)
			removed++
		}
	}
	return removed
}
