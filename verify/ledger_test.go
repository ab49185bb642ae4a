package verify

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLedgerIssueProducesUniqueNonces(t *testing.T) {
	ledger := NewLedger(0)
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		ch, err := ledger.Issue([]byte("same material"), testNow)
		if err != nil {
			t.Fatalf("failed to issue challenge: %v", err)
		}
		if len(ch.Nonce) != 32 {
			t.Fatalf("got %d byte nonce, want 32", len(ch.Nonce))
		}
		if seen[string(ch.Nonce)] {
			t.Fatalf("nonce repeated for identical session material")
		}
		seen[string(ch.Nonce)] = true
		if !strings.HasPrefix(ch.Name, "challenges/") {
			t.Errorf("got challenge name %q, want challenges/ prefix", ch.Name)
		}
	}
}

func TestLedgerConsumeOnce(t *testing.T) {
	ledger := NewLedger(0)
	ch, err := ledger.Issue(nil, testNow)
	if err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}
	if got := ledger.Consume(ch.Nonce, testNow); got != ConsumeOK {
		t.Fatalf("first consume: got %v, want ConsumeOK", got)
	}
	if got := ledger.Consume(ch.Nonce, testNow); got != ConsumeReplayed {
		t.Errorf("second consume: got %v, want ConsumeReplayed", got)
	}
}

func TestLedgerUnknownNonce(t *testing.T) {
	ledger := NewLedger(0)
	if got := ledger.Consume(bytes.Repeat([]byte{0x42}, 32), testNow); got != ConsumeUnknown {
		t.Errorf("got %v, want ConsumeUnknown", got)
	}
}

func TestLedgerExpiry(t *testing.T) {
	ledger := NewLedger(time.Minute)
	ch, err := ledger.Issue(nil, testNow)
	if err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}
	late := testNow.Add(2 * time.Minute)
	if got := ledger.Consume(ch.Nonce, late); got != ConsumeExpired {
		t.Fatalf("got %v, want ConsumeExpired", got)
	}
	// Expired entries are dropped, not left consumable.
	if got := ledger.Consume(ch.Nonce, testNow); got != ConsumeUnknown {
		t.Errorf("after expiry: got %v, want ConsumeUnknown", got)
	}
}

func TestLedgerExpireSweep(t *testing.T) {
	ledger := NewLedger(time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := ledger.Issue(nil, testNow); err != nil {
			t.Fatalf("failed to issue challenge: %v", err)
		}
	}
	live, err := ledger.Issue(nil, testNow.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("failed to issue challenge: %v", err)
	}
	if removed := ledger.Expire(testNow.Add(2 * time.Minute)); removed != 3 {
		t.Errorf("sweep removed %d challenges, want 3", removed)
	}
	if got := ledger.Consume(live.Nonce, testNow.Add(5*time.Minute)); got != ConsumeOK {
		t.Errorf("live challenge swept: got %v, want ConsumeOK", got)
	}
}
