package verify

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-tpm/legacy/tpm2"

	"github.com/quotegate/quotegate/endorse"
	"github.com/quotegate/quotegate/token"
)

// DefaultMaxSkew is the allowed distance between a token's issued-at time
// and the verifier's clock.
const DefaultMaxSkew = 300 * time.Second

// Verifier checks evidence tokens against a key roster and an endorsement
// store. Verification is stateless per call and safe for concurrent use; the
// endorsement snapshot is taken once at call start.
type Verifier struct {
	Roster *Roster
	Store  *endorse.Store
	// Ledger, when set, enforces the issue-once/accept-once nonce lifecycle.
	Ledger *Ledger

	MaxSkew      time.Duration
	MaxTokenSize int
}

// New returns a verifier with the default skew window and token size cap.
func New(roster *Roster, store *endorse.Store) *Verifier {
	return &Verifier{
		Roster:       roster,
		Store:        store,
		MaxSkew:      DefaultMaxSkew,
		MaxTokenSize: token.MaxTokenSize,
	}
}

// Verify runs the ordered verification gates over raw token bytes. Each gate
// is a hard gate: the first failure short-circuits to a rejected verdict
// with that gate's reason, and no later gate's result is trusted. Register
// match detail appears only when the measurement gate was reached.
func (v *Verifier) Verify(tokenBytes, expectedNonce []byte, now time.Time) *Verdict {
	// Gate 1: size and structure. Size first, before any parsing, so
	// oversized garbage costs nothing.
	if max := v.maxTokenSize(); len(tokenBytes) > max {
		return rejected("", ReasonOversizeInput,
			fmt.Sprintf("token is %d bytes, limit %d", len(tokenBytes), max))
	}
	env, err := token.DecodeEnvelope(tokenBytes)
	if err != nil {
		return rejected("", decodeReason(err), err.Error())
	}
	claims, err := env.Claims()
	if err != nil {
		return rejected("", decodeReason(err), err.Error())
	}
	subject := claims.Subject

	// Gate 2: outer signature under the key trusted for the claimed
	// subject. An unknown subject rejects outright; signature checks are
	// never attempted against a guessed key.
	keys, ok := v.Roster.Lookup(subject)
	if !ok {
		return rejected(subject, ReasonUnknownSubject, "no trusted keys for claimed subject")
	}
	if err := env.VerifySignature(keys.Envelope); err != nil {
		return rejected(subject, ReasonSignatureInvalid, err.Error())
	}

	// Gate 3: the quote must independently verify under the measurement
	// source's attestation key.
	att, err := verifyQuote(claims.Quote, keys.Quote)
	if err != nil {
		return rejected(subject, ReasonQuoteInvalid, err.Error())
	}

	// Gate 4: freshness. Both the envelope's issued-at and its optional
	// expiry are mandatory, independently checked bounds.
	issued := time.Unix(claims.IssuedAt, 0)
	if age := now.Sub(issued); age > v.maxSkew() || age < -v.maxSkew() {
		return rejected(subject, ReasonExpired,
			fmt.Sprintf("issued-at %s outside allowed skew window of %s", issued.UTC().Format(time.RFC3339), v.maxSkew()))
	}
	if claims.Expiry != 0 && now.After(time.Unix(claims.Expiry, 0)) {
		return rejected(subject, ReasonExpired, "token expiry has passed")
	}

	// Gate 5: channel binding. The nonce inside the quote must byte-equal
	// the nonce issued for this session; evidence generated for one channel
	// must never validate for another.
	if subtle.ConstantTimeCompare(att.ExtraData, expectedNonce) == 0 {
		return rejected(subject, ReasonNonceMismatch, "quoted nonce does not match expected nonce")
	}
	if subtle.ConstantTimeCompare(claims.Nonce, expectedNonce) == 0 {
		return rejected(subject, ReasonNonceMismatch, "claimed nonce does not match expected nonce")
	}
	if v.Ledger != nil {
		switch v.Ledger.Consume(expectedNonce, now) {
		case ConsumeOK:
		case ConsumeReplayed:
			return rejected(subject, ReasonReplayedNonce, "nonce was already consumed")
		case ConsumeExpired:
			return rejected(subject, ReasonNonceMismatch, "challenge expired before the token arrived")
		default:
			return rejected(subject, ReasonNonceMismatch, "nonce was never issued by this verifier")
		}
	}

	// Gate 6: measurement matching against one consistent endorsement
	// snapshot.
	snapshot := v.Store.Snapshot()
	refs, ok := snapshot.Lookup(subject)
	if !ok || len(refs) == 0 {
		return rejected(subject, ReasonMeasurementMismatch, "no reference values registered for subject")
	}

	verdict := &Verdict{Subject: subject}
	failed := false
	sorted := make([]endorse.ReferenceValue, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for _, ref := range sorted {
		result := RegisterResult{Index: ref.Index}
		quoted, present := claims.Quote.Registers[ref.Index]
		switch {
		case !present:
			result.Status = RegisterMissing
			result.Detail = "endorsed register absent from quote"
			failed = true
		case !ref.ValidAt(now):
			result.Status = RegisterMismatch
			result.Quoted = quoted
			result.Detail = "reference value not valid at evaluation time"
			failed = true
		case ref.Matches(quoted):
			result.Status = RegisterMatch
			result.Quoted = quoted
		default:
			result.Status = RegisterMismatch
			result.Quoted = quoted
			result.Detail = "quoted value not in accepted set"
			failed = true
		}
		verdict.Registers = append(verdict.Registers, result)
	}
	if failed {
		verdict.Reason = ReasonMeasurementMismatch
		verdict.Detail = "one or more registers failed endorsement matching"
		return verdict
	}

	verdict.Accepted = true
	return verdict
}

func (v *Verifier) maxSkew() time.Duration {
	if v.MaxSkew > 0 {
		return v.MaxSkew
	}
	return DefaultMaxSkew
}

func (v *Verifier) maxTokenSize() int {
	if v.MaxTokenSize > 0 {
		return v.MaxTokenSize
	}
	return token.MaxTokenSize
}

func decodeReason(err error) Reason {
	switch {
	case errors.Is(err, token.ErrOversizeInput):
		return ReasonOversizeInput
	case errors.Is(err, token.ErrSchemaViolation):
		return ReasonSchemaViolation
	default:
		return ReasonMalformedEncoding
	}
}

// verifyQuote checks the attestation key's signature on the quote against
// the quoted data, then matches the quoted digest against the reported
// register values. ECDSA and RSASSA signatures are supported.
func verifyQuote(q *token.Quote, pubKey crypto.PublicKey) (*tpm2.AttestationData, error) {
	sig, err := tpm2.DecodeSignature(bytes.NewBuffer(q.RawSig))
	if err != nil {
		return nil, fmt.Errorf("signature decoding failed: %v", err)
	}

	switch pub := pubKey.(type) {
	case *ecdsa.PublicKey:
		if err = verifyECDSAQuoteSignature(pub, q.Quoted, sig); err != nil {
			return nil, err
		}
	case *rsa.PublicKey:
		if err = verifyRSASSAQuoteSignature(pub, q.Quoted, sig); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("only RSA and ECC public keys are supported, received type: %T", pub)
	}

	att, err := tpm2.DecodeAttestationData(q.Quoted)
	if err != nil {
		return nil, fmt.Errorf("decoding attestation data failed: %v", err)
	}
	if att.Type != tpm2.TagAttestQuote {
		return nil, fmt.Errorf("expected quote tag, got: %v", att.Type)
	}
	info := att.AttestedQuoteInfo
	if info == nil {
		return nil, fmt.Errorf("attestation data does not contain quote info")
	}
	if !q.HasSameSelection(info.PCRSelection) {
		return nil, fmt.Errorf("reported registers and quote do not have the same selection")
	}
	digest, err := q.ComputeRegisterDigest()
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(info.PCRDigest, digest) == 0 {
		return nil, fmt.Errorf("reported register values do not match the quoted digest")
	}
	return att, nil
}

func verifyECDSAQuoteSignature(pub *ecdsa.PublicKey, quoted []byte, sig *tpm2.Signature) error {
	if sig.Alg != tpm2.AlgECDSA {
		return fmt.Errorf("signature scheme 0x%x is not supported, only ECDSA is supported", sig.Alg)
	}
	hash, err := sig.ECC.HashAlg.Hash()
	if err != nil {
		return err
	}
	hashConstructor := hash.New()
	hashConstructor.Write(quoted)
	if !ecdsa.Verify(pub, hashConstructor.Sum(nil), sig.ECC.R, sig.ECC.S) {
		return fmt.Errorf("ECC quote signature verification failed")
	}
	return nil
}

func verifyRSASSAQuoteSignature(pub *rsa.PublicKey, quoted []byte, sig *tpm2.Signature) error {
	if sig.Alg != tpm2.AlgRSASSA {
		return fmt.Errorf("signature scheme 0x%x is not supported, only RSASSA (PKCS#1 v1.5) is supported", sig.Alg)
	}
	hash, err := sig.RSA.HashAlg.Hash()
	if err != nil {
		return err
	}
	hashConstructor := hash.New()
	hashConstructor.Write(quoted)
	if err := rsa.VerifyPKCS1v15(pub, hash, hashConstructor.Sum(nil), sig.RSA.Signature); err != nil {
		return fmt.Errorf("RSASSA quote signature verification failed: %v", err)
	}
	return nil
}
