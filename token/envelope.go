package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// Envelope is the wire artifact: the canonical claims encoding plus an outer
// signature by the subject's attestation key. The outer key may differ from
// the quote's internal signing key; both must validate independently at the
// verifier.
type Envelope struct {
	// Payload is the canonical ClaimsSet encoding. The signature covers
	// exactly these bytes.
	Payload []byte `cbor:"1,keyasint"`
	// KeyID names the envelope signing key, for audit logs only. Trust comes
	// from the verifier's roster, never from this field.
	KeyID string `cbor:"2,keyasint,omitempty"`
	// Sig is the signature over SHA-256(Payload): ASN.1 DER for ECDSA keys,
	// PKCS#1 v1.5 for RSA keys.
	Sig []byte `cbor:"3,keyasint"`
}

// Seal encodes the claims set canonically and signs it, producing the final
// token bytes.
func Seal(c *ClaimsSet, keyID string, signer crypto.Signer) ([]byte, error) {
	payload, err := Encode(c)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("envelope signing failed: %w", err)
	}
	env := Envelope{Payload: payload, KeyID: keyID, Sig: sig}
	out, err := encMode.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("envelope encoding failed: %v", err)
	}
	return out, nil
}

// DecodeEnvelope parses token bytes into an envelope without trusting any of
// its content. Callers must check VerifySignature before inspecting claims.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) > MaxTokenSize {
		return nil, ErrOversizeInput
	}
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrSchemaViolation)
	}
	if len(env.Sig) == 0 {
		return nil, fmt.Errorf("%w: missing envelope signature", ErrSchemaViolation)
	}
	return &env, nil
}

// VerifySignature checks the outer signature under the given trusted key.
// ECDSA and RSASSA (PKCS#1 v1.5) keys are supported.
func (env *Envelope) VerifySignature(pub crypto.PublicKey) error {
	digest := sha256.Sum256(env.Payload)
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], env.Sig) {
			return fmt.Errorf("ECDSA envelope signature verification failed")
		}
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], env.Sig); err != nil {
			return fmt.Errorf("RSASSA envelope signature verification failed: %v", err)
		}
	default:
		return fmt.Errorf("only RSA and ECC public keys are supported, received type: %T", pub)
	}
	return nil
}

// Claims decodes and schema-checks the envelope payload. The signature must
// already have been verified.
func (env *Envelope) Claims() (*ClaimsSet, error) {
	return Decode(env.Payload)
}
