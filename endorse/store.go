package endorse

import (
	"fmt"
	"sync/atomic"
)

// Store maps subject identities to their reference values. Reload swaps the
// whole mapping atomically: verifications in flight keep reading the
// snapshot they started with and never observe a mix of old and new entries.
type Store struct {
	snap atomic.Pointer[Snapshot]
}

// Snapshot is one immutable generation of the store. Safe for concurrent
// readers without locking.
type Snapshot struct {
	bySubject map[string][]ReferenceValue
}

// Load parses a corpus document and returns a store serving it.
func Load(data []byte) (*Store, error) {
	snap, err := buildSnapshot(data)
	if err != nil {
		return nil, err
	}
	s := &Store{}
	s.snap.Store(snap)
	return s, nil
}

// Reload validates a new corpus and publishes it atomically. On any error
// the previous snapshot stays in service.
func (s *Store) Reload(data []byte) error {
	snap, err := buildSnapshot(data)
	if err != nil {
		return fmt.Errorf("corpus reload rejected: %w", err)
	}
	s.snap.Store(snap)
	return nil
}

// Snapshot returns the current generation. Callers doing multiple lookups
// for one verification must take a single snapshot at call start.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Lookup is a single-lookup convenience over the current snapshot.
func (s *Store) Lookup(subject string) ([]ReferenceValue, bool) {
	return s.Snapshot().Lookup(subject)
}

// Lookup returns the reference values registered for a subject identity.
// Lookups are exact-match only: substring or prefix matching would invite
// identity confusion.
func (sn *Snapshot) Lookup(subject string) ([]ReferenceValue, bool) {
	refs, ok := sn.bySubject[subject]
	return refs, ok
}

// Subjects returns the identities present in the snapshot.
func (sn *Snapshot) Subjects() []string {
	out := make([]string, 0, len(sn.bySubject))
	for subject := range sn.bySubject {
		out = append(out, subject)
	}
	return out
}

func buildSnapshot(data []byte) (*Snapshot, error) {
	refs, err := ParseCorpus(data)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{bySubject: make(map[string][]ReferenceValue)}
	for _, rv := range refs {
		snap.bySubject[rv.Subject] = append(snap.bySubject[rv.Subject], rv)
	}
	return snap, nil
}
