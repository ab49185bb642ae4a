// Package verify implements the evidence verifier: it decodes a token,
// checks signatures, freshness and channel binding, matches quoted
// measurements against the endorsement store, and emits a trust verdict that
// gates session establishment.
package verify

// Reason identifies which verification gate rejected a token. Policy/trust
// reasons are expected, non-exceptional outcomes: they are reported in the
// verdict, never raised as errors across the trust boundary.
type Reason string

const (
	// ReasonNone marks an accepted verdict.
	ReasonNone Reason = ""
	// ReasonOversizeInput: the token exceeds the maximum size. Rejected
	// before any decoding or cryptographic work.
	ReasonOversizeInput Reason = "OversizeInput"
	// ReasonMalformedEncoding: the token cannot be parsed at all.
	ReasonMalformedEncoding Reason = "MalformedEncoding"
	// ReasonSchemaViolation: the token parses but misses required claims.
	ReasonSchemaViolation Reason = "SchemaViolation"
	// ReasonUnknownSubject: no key is trusted for the claimed identity. The
	// verifier never guesses a key to check against.
	ReasonUnknownSubject Reason = "UnknownSubject"
	// ReasonSignatureInvalid: the outer envelope signature does not verify.
	ReasonSignatureInvalid Reason = "SignatureInvalid"
	// ReasonQuoteInvalid: the quote's own attestation signature or internal
	// structure does not verify.
	ReasonQuoteInvalid Reason = "QuoteInvalid"
	// ReasonExpired: issued-at falls outside the allowed skew window, or the
	// token's own expiry has passed.
	ReasonExpired Reason = "Expired"
	// ReasonNonceMismatch: the quoted nonce does not equal the expected
	// nonce. This is the anti-replay gate tying evidence to one channel.
	ReasonNonceMismatch Reason = "NonceMismatch"
	// ReasonReplayedNonce: the nonce was already consumed by an earlier
	// accepted token.
	ReasonReplayedNonce Reason = "ReplayedNonce"
	// ReasonMeasurementMismatch: one or more registers are missing or do not
	// match the endorsed reference values.
	ReasonMeasurementMismatch Reason = "MeasurementMismatch"
)

// RegisterStatus is the per-register outcome of measurement matching.
type RegisterStatus string

const (
	RegisterMatch    RegisterStatus = "match"
	RegisterMismatch RegisterStatus = "mismatch"
	RegisterMissing  RegisterStatus = "missing"
)

// RegisterResult records how one endorsed register compared against the
// quote. Quoted carries the attested value for audit logging; accepted
// reference digests are deliberately not included, so a rejection can be
// shown to an untrusted caller without leaking policy.
type RegisterResult struct {
	Index  uint32
	Status RegisterStatus
	Quoted []byte
	Detail string
}

// Verdict is the trust decision for one evidence token. Produced fresh per
// verification call and never cached: nonce binding makes each token
// single-use.
//
// Register detail is populated only when verification reached the
// measurement-matching gate; earlier failures short-circuit with an empty
// Registers list.
type Verdict struct {
	Accepted  bool
	Subject   string
	Registers []RegisterResult
	Reason    Reason
	Detail    string
}

func rejected(subject string, reason Reason, detail string) *Verdict {
	return &Verdict{Subject: subject, Reason: reason, Detail: detail}
}
