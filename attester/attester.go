// Package attester builds evidence tokens: it requests a nonce-bound quote
// from a measurement source, assembles the claims set, and seals it under the
// subject's attestation key.
package attester

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/quotegate/quotegate/source"
	"github.com/quotegate/quotegate/token"
)

var (
	// ErrSourceUnavailable reports that the measurement source could not be
	// reached. Not retried here; the caller owns retry policy.
	ErrSourceUnavailable = errors.New("evidence builder: measurement source unavailable")
	// ErrPartialMeasurement reports that the source returned fewer registers
	// than requested. No partial token is ever emitted.
	ErrPartialMeasurement = errors.New("evidence builder: source returned partial measurements")
	// ErrSigningKeyUnavailable reports that the envelope signing key is
	// missing or refused to sign.
	ErrSigningKeyUnavailable = errors.New("evidence builder: signing key unavailable")
)

// Builder assembles and signs evidence tokens for one subject identity.
//
// Builders are stateless per call; callers needing concurrency run multiple
// invocations with independent nonces. The source serializes device access
// itself.
type Builder struct {
	Source  source.Source
	Subject string
	// Signer signs the outer envelope. It may differ from the quote's
	// internal attestation key; the verifier checks both independently.
	Signer crypto.Signer
	// KeyID is recorded in the envelope for audit logs.
	KeyID string
	// Expiry, when nonzero, stamps tokens with a hard deadline of
	// issued-at + Expiry.
	Expiry time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// BuildEvidence produces signed token bytes binding a quote over the given
// registers to the verifier-supplied nonce. The builder never invents its
// own nonce: freshness is the verifier's responsibility.
func (b *Builder) BuildEvidence(ctx context.Context, nonce []byte, registers []uint32) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("provided nonce must not be empty")
	}
	if len(registers) == 0 {
		return nil, fmt.Errorf("at least one register must be requested")
	}
	if b.Subject == "" {
		return nil, fmt.Errorf("builder has no subject identity")
	}
	if b.Signer == nil {
		return nil, fmt.Errorf("%w: no signer configured", ErrSigningKeyUnavailable)
	}

	quote, err := b.Source.Quote(ctx, nonce, registers)
	if err != nil {
		if errors.Is(err, source.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return nil, fmt.Errorf("failed to quote: %w", err)
	}
	for _, idx := range registers {
		if _, ok := quote.Registers[idx]; !ok {
			return nil, fmt.Errorf("%w: register %d missing from quote", ErrPartialMeasurement, idx)
		}
	}

	now := time.Now()
	if b.Clock != nil {
		now = b.Clock()
	}
	claims := &token.ClaimsSet{
		Subject:  b.Subject,
		Nonce:    nonce,
		IssuedAt: now.Unix(),
		Quote:    quote,
	}
	if b.Expiry > 0 {
		claims.Expiry = now.Add(b.Expiry).Unix()
	}

	out, err := token.Seal(claims, b.KeyID, b.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningKeyUnavailable, err)
	}
	return out, nil
}
