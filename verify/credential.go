package verify

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultCredentialTTL bounds the life of a minted session credential.
const DefaultCredentialTTL = time.Hour

// SessionClaims is the payload of a session credential: the accepted
// verdict, portable as a signed JWT for the transport layer to hold.
type SessionClaims struct {
	jwt.RegisteredClaims
	// Challenge names the consumed challenge the evidence answered.
	Challenge string `json:"challenge,omitempty"`
	// Registers maps matched register indices to their quoted hex digests.
	Registers map[uint32]string `json:"registers,omitempty"`
}

// CredentialIssuer mints ES256 session credentials from accepted verdicts.
type CredentialIssuer struct {
	Key    *ecdsa.PrivateKey
	KeyID  string
	Issuer string
	// Audience names the relying transport endpoint.
	Audience string
	TTL      time.Duration
}

// Issue signs a session credential for an accepted verdict. Rejected
// verdicts never produce a credential.
func (ci *CredentialIssuer) Issue(verdict *Verdict, challengeName string, now time.Time) (string, error) {
	if ci.Key == nil {
		return "", fmt.Errorf("credential issuer has no signing key")
	}
	if verdict == nil || !verdict.Accepted {
		return "", fmt.Errorf("refusing to issue a credential for a rejected verdict")
	}
	ttl := ci.TTL
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}

	registers := make(map[uint32]string, len(verdict.Registers))
	for _, reg := range verdict.Registers {
		registers[reg.Index] = hex.EncodeToString(reg.Quoted)
	}
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ci.Issuer,
			Subject:   verdict.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Challenge: challengeName,
		Registers: registers,
	}
	if ci.Audience != "" {
		claims.Audience = jwt.ClaimStrings{ci.Audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if ci.KeyID != "" {
		tok.Header["kid"] = ci.KeyID
	}
	signed, err := tok.SignedString(ci.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session credential: %w", err)
	}
	return signed, nil
}
