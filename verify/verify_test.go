package verify

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quotegate/quotegate/attester"
	"github.com/quotegate/quotegate/endorse"
	"github.com/quotegate/quotegate/source"
	"github.com/quotegate/quotegate/token"
)

var testNow = time.Unix(1700000000, 0)

// fixture wires a software measurement source, an evidence builder for
// subject dev-A, and a verifier endorsing the source's current register
// values.
type fixture struct {
	sim      *source.Sim
	builder  *attester.Builder
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim, err := source.NewSim()
	if err != nil {
		t.Fatalf("failed to create sim: %v", err)
	}
	ctx := context.Background()
	// Give the endorsed registers non-trivial values.
	if err := sim.Extend(ctx, 0, []byte("bootloader")); err != nil {
		t.Fatalf("failed to extend: %v", err)
	}
	if err := sim.Extend(ctx, 7, []byte("kernel")); err != nil {
		t.Fatalf("failed to extend: %v", err)
	}

	envKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	builder := &attester.Builder{
		Source:  sim,
		Subject: "dev-A",
		Signer:  envKey,
		KeyID:   "env-key",
		Clock:   func() time.Time { return testNow },
	}

	store, err := endorse.Load(corpusFor(t, sim, 0, 7))
	if err != nil {
		t.Fatalf("failed to load corpus: %v", err)
	}
	roster := NewRoster()
	if err := roster.Add("dev-A", SubjectKeys{Envelope: envKey.Public(), Quote: sim.PublicKey()}); err != nil {
		t.Fatalf("failed to populate roster: %v", err)
	}
	return &fixture{sim: sim, builder: builder, verifier: New(roster, store)}
}

// corpusFor renders a corpus endorsing the sim's current values for the
// given registers under subject dev-A.
func corpusFor(t *testing.T, sim *source.Sim, registers ...uint32) []byte {
	t.Helper()
	quote, err := sim.Quote(context.Background(), []byte("enroll"), registers)
	if err != nil {
		t.Fatalf("failed to quote for enrollment: %v", err)
	}
	var sb strings.Builder
	sb.WriteString("version: 1\nentries:\n  - subject: dev-A\n    registers:\n")
	for _, idx := range registers {
		fmt.Fprintf(&sb, "      - index: %d\n        digests: [\"%s\"]\n",
			idx, hex.EncodeToString(quote.Registers[idx]))
	}
	return []byte(sb.String())
}

func (f *fixture) buildToken(t *testing.T, nonce []byte) []byte {
	t.Helper()
	tokenBytes, err := f.builder.BuildEvidence(context.Background(), nonce, []uint32{0, 7})
	if err != nil {
		t.Fatalf("failed to build evidence: %v", err)
	}
	return tokenBytes
}

func TestVerifyAccepts(t *testing.T) {
	f := newFixture(t)
	nonce := []byte("session-nonce")
	verdict := f.verifier.Verify(f.buildToken(t, nonce), nonce, testNow)
	if !verdict.Accepted {
		t.Fatalf("token rejected: %s (%s)", verdict.Reason, verdict.Detail)
	}
	if verdict.Subject != "dev-A" {
		t.Errorf("got subject %q, want dev-A", verdict.Subject)
	}
	if len(verdict.Registers) != 2 {
		t.Fatalf("got %d register results, want 2", len(verdict.Registers))
	}
	for _, reg := range verdict.Registers {
		if reg.Status != RegisterMatch {
			t.Errorf("register %d: got status %s, want match", reg.Index, reg.Status)
		}
	}
}

func TestVerifyNonceMismatch(t *testing.T) {
	f := newFixture(t)
	verdict := f.verifier.Verify(f.buildToken(t, []byte("A1")), []byte("B2"), testNow)
	if verdict.Accepted {
		t.Fatalf("token quoting the wrong nonce accepted")
	}
	if verdict.Reason != ReasonNonceMismatch {
		t.Errorf("got reason %s, want NonceMismatch", verdict.Reason)
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	f := newFixture(t)
	nonce := []byte("n")
	tokenBytes := f.buildToken(t, nonce)
	tokenBytes[len(tokenBytes)-1] ^= 0x01

	verdict := f.verifier.Verify(tokenBytes, nonce, testNow)
	if verdict.Accepted {
		t.Fatalf("tampered token accepted")
	}
	if verdict.Reason != ReasonSignatureInvalid {
		t.Errorf("got reason %s, want SignatureInvalid", verdict.Reason)
	}
	if len(verdict.Registers) != 0 {
		t.Errorf("signature failure leaked %d register results", len(verdict.Registers))
	}
}

func TestVerifyFreshnessWindow(t *testing.T) {
	f := newFixture(t)
	nonce := []byte("n")
	tokenBytes := f.buildToken(t, nonce)
	subtests := []struct {
		name   string
		at     time.Time
		accept bool
	}{
		{"at-issue", testNow, true},
		{"at-skew-bound", testNow.Add(DefaultMaxSkew), true},
		{"past-skew", testNow.Add(DefaultMaxSkew + time.Second), false},
		{"before-issue-past-skew", testNow.Add(-DefaultMaxSkew - time.Second), false},
	}
	for _, subtest := range subtests {
		t.Run(subtest.name, func(t *testing.T) {
			verdict := f.verifier.Verify(tokenBytes, nonce, subtest.at)
			if verdict.Accepted != subtest.accept {
				t.Fatalf("accepted=%v (%s), want accepted=%v", verdict.Accepted, verdict.Reason, subtest.accept)
			}
			if !subtest.accept && verdict.Reason != ReasonExpired {
				t.Errorf("got reason %s, want Expired", verdict.Reason)
			}
		})
	}
}

func TestVerifyTokenExpiry(t *testing.T) {
	f := newFixture(t)
	f.builder.Expiry = time.Minute
	nonce := []byte("n")
	verdict := f.verifier.Verify(f.buildToken(t, nonce), nonce, testNow.Add(2*time.Minute))
	if verdict.Accepted {
		t.Fatalf("token accepted past its own expiry")
	}
	if verdict.Reason != ReasonExpired {
		t.Errorf("got reason %s, want Expired", verdict.Reason)
	}
}

func TestVerifyMeasurementMismatch(t *testing.T) {
	f := newFixture(t)
	// The platform changed after enrollment.
	if err := f.sim.Extend(context.Background(), 0, []byte("rootkit")); err != nil {
		t.Fatalf("failed to extend: %v", err)
	}
	nonce := []byte("n")
	verdict := f.verifier.Verify(f.buildToken(t, nonce), nonce, testNow)
	if verdict.Accepted {
		t.Fatalf("token with drifted measurement accepted")
	}
	if verdict.Reason != ReasonMeasurementMismatch {
		t.Fatalf("got reason %s, want MeasurementMismatch", verdict.Reason)
	}
	var mismatched *RegisterResult
	for i := range verdict.Registers {
		if verdict.Registers[i].Index == 0 {
			mismatched = &verdict.Registers[i]
		}
	}
	if mismatched == nil || mismatched.Status != RegisterMismatch {
		t.Fatalf("register 0 not reported as mismatched: %+v", verdict.Registers)
	}
	if len(mismatched.Quoted) == 0 {
		t.Errorf("mismatch result omits the quoted value")
	}
}

func TestVerifyMissingEndorsedRegister(t *testing.T) {
	f := newFixture(t)
	store, err := endorse.Load(corpusFor(t, f.sim, 0, 7, 10))
	if err != nil {
		t.Fatalf("failed to load corpus: %v", err)
	}
	f.verifier.Store = store

	// Token quotes only registers 0 and 7.
	nonce := []byte("n")
	verdict := f.verifier.Verify(f.buildToken(t, nonce), nonce, testNow)
	if verdict.Accepted {
		t.Fatalf("token missing an endorsed register accepted")
	}
	if verdict.Reason != ReasonMeasurementMismatch {
		t.Fatalf("got reason %s, want MeasurementMismatch", verdict.Reason)
	}
	found := false
	for _, reg := range verdict.Registers {
		if reg.Index == 10 && reg.Status == RegisterMissing {
			found = true
		}
	}
	if !found {
		t.Errorf("register 10 not reported missing: %+v", verdict.Registers)
	}
}

func TestVerifyUnknownSubject(t *testing.T) {
	f := newFixture(t)
	f.builder.Subject = "dev-B"
	nonce := []byte("n")
	verdict := f.verifier.Verify(f.buildToken(t, nonce), nonce, testNow)
	if verdict.Accepted {
		t.Fatalf("token from unrostered subject accepted")
	}
	if verdict.Reason != ReasonUnknownSubject {
		t.Errorf("got reason %s, want UnknownSubject", verdict.Reason)
	}
}

func TestVerifyOversizeInput(t *testing.T) {
	f := newFixture(t)
	big := make([]byte, token.MaxTokenSize+1)
	verdict := f.verifier.Verify(big, []byte("n"), testNow)
	if verdict.Reason != ReasonOversizeInput {
		t.Errorf("got reason %s, want OversizeInput", verdict.Reason)
	}
}

func TestVerifyGarbageInput(t *testing.T) {
	f := newFixture(t)
	verdict := f.verifier.Verify([]byte("not a token"), []byte("n"), testNow)
	if verdict.Reason != ReasonMalformedEncoding {
		t.Errorf("got reason %s, want MalformedEncoding", verdict.Reason)
	}
}

func TestVerifyNonceLifecycle(t *testing.T) {
	f := newFixture(t)
	ledger := NewLedger(DefaultChallengeTTL)
	f.verifier.Ledger = ledger
	ch, err := ledger.Issue([]byte("handshake"), testNow)
	if err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}
	tokenBytes := f.buildToken(t, ch.Nonce)

	first := f.verifier.Verify(tokenBytes, ch.Nonce, testNow)
	if !first.Accepted {
		t.Fatalf("first presentation rejected: %s (%s)", first.Reason, first.Detail)
	}
	second := f.verifier.Verify(tokenBytes, ch.Nonce, testNow)
	if second.Accepted {
		t.Fatalf("replayed token accepted")
	}
	if second.Reason != ReasonReplayedNonce {
		t.Errorf("got reason %s, want ReplayedNonce", second.Reason)
	}
}

func TestVerifyUnissuedNonce(t *testing.T) {
	f := newFixture(t)
	f.verifier.Ledger = NewLedger(DefaultChallengeTTL)
	nonce := []byte("self-chosen")
	verdict := f.verifier.Verify(f.buildToken(t, nonce), nonce, testNow)
	if verdict.Accepted {
		t.Fatalf("token quoting a never-issued nonce accepted")
	}
	if verdict.Reason != ReasonNonceMismatch {
		t.Errorf("got reason %s, want NonceMismatch", verdict.Reason)
	}
}

// A subject holding only the envelope key must not be able to forge
// measurements: rewriting the reported registers and re-sealing with the
// envelope key leaves the quoted digest stale.
func TestVerifyResealedRegistersRejected(t *testing.T) {
	f := newFixture(t)
	nonce := []byte("n")
	env, err := token.DecodeEnvelope(f.buildToken(t, nonce))
	if err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	claims, err := env.Claims()
	if err != nil {
		t.Fatalf("failed to decode claims: %v", err)
	}
	claims.Quote.Registers[0][0] ^= 0x01
	resealed, err := token.Seal(claims, "env-key", f.builder.Signer)
	if err != nil {
		t.Fatalf("failed to reseal: %v", err)
	}

	verdict := f.verifier.Verify(resealed, nonce, testNow)
	if verdict.Accepted {
		t.Fatalf("token with rewritten registers accepted")
	}
	if verdict.Reason != ReasonQuoteInvalid {
		t.Errorf("got reason %s, want QuoteInvalid", verdict.Reason)
	}
}

func TestVerifyWrongQuoteKey(t *testing.T) {
	f := newFixture(t)
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	roster := NewRoster()
	envPub := f.builder.Signer.Public()
	if err := roster.Add("dev-A", SubjectKeys{Envelope: envPub, Quote: &otherKey.PublicKey}); err != nil {
		t.Fatalf("failed to populate roster: %v", err)
	}
	f.verifier.Roster = roster

	nonce := []byte("n")
	verdict := f.verifier.Verify(f.buildToken(t, nonce), nonce, testNow)
	if verdict.Accepted {
		t.Fatalf("quote accepted under the wrong attestation key")
	}
	if verdict.Reason != ReasonQuoteInvalid {
		t.Errorf("got reason %s, want QuoteInvalid", verdict.Reason)
	}
}
