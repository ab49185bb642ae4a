// Package endorse holds the verifier's golden reference measurements: a
// corpus of endorsed register values per subject identity, loaded once and
// swapped atomically on reload.
package endorse

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrCorpusConflict reports a corpus carrying two different accepted value
// sets for the same subject and register. The corpus is rejected wholesale:
// an attacker-influenced or half-edited corpus must not silently produce an
// under-constrained policy.
var ErrCorpusConflict = errors.New("corpus conflict")

// Corpus is the on-disk reference-value document.
type Corpus struct {
	Version int           `yaml:"version"`
	Entries []CorpusEntry `yaml:"entries"`
}

// CorpusEntry endorses one subject's register values within an optional
// validity window.
type CorpusEntry struct {
	Subject   string           `yaml:"subject"`
	NotBefore time.Time        `yaml:"not_before,omitempty"`
	NotAfter  time.Time        `yaml:"not_after,omitempty"`
	Registers []CorpusRegister `yaml:"registers"`
}

// CorpusRegister lists the accepted digests for one register index. More
// than one digest forms a value-class: the quoted value must equal any one
// of them. Matching is always an enumerated-set comparison, never a prefix
// or range.
type CorpusRegister struct {
	Index   uint32   `yaml:"index"`
	Digests []string `yaml:"digests"`
}

// ReferenceValue is a loaded, validated reference entry for one subject and
// register. Read-only after load.
type ReferenceValue struct {
	Subject   string
	Index     uint32
	Digests   [][]byte
	NotBefore time.Time
	NotAfter  time.Time
}

// ValidAt reports whether the reference may be used at the given evaluation
// time. Zero bounds are open.
func (rv *ReferenceValue) ValidAt(now time.Time) bool {
	if !rv.NotBefore.IsZero() && now.Before(rv.NotBefore) {
		return false
	}
	if !rv.NotAfter.IsZero() && now.After(rv.NotAfter) {
		return false
	}
	return true
}

// Matches reports whether the quoted value equals one of the accepted
// digests.
func (rv *ReferenceValue) Matches(quoted []byte) bool {
	for _, d := range rv.Digests {
		if bytes.Equal(d, quoted) {
			return true
		}
	}
	return false
}

// ParseCorpus parses and validates a YAML corpus document. Any conflict
// rejects the whole corpus; the returned error lists every problem found.
func ParseCorpus(data []byte) ([]ReferenceValue, error) {
	var corpus Corpus
	if err := yaml.Unmarshal(data, &corpus); err != nil {
		return nil, fmt.Errorf("failed to parse corpus document: %v", err)
	}
	if corpus.Version != 1 {
		return nil, fmt.Errorf("unsupported corpus version %d", corpus.Version)
	}

	var problems []error
	// subject+index -> first-seen reference, for duplicate detection.
	seen := make(map[string]*ReferenceValue)
	var refs []ReferenceValue

	for i, entry := range corpus.Entries {
		if entry.Subject == "" {
			problems = append(problems, fmt.Errorf("entry %d: missing subject identity", i))
			continue
		}
		if len(entry.Registers) == 0 {
			problems = append(problems, fmt.Errorf("entry %d (%q): no registers", i, entry.Subject))
			continue
		}
		for _, reg := range entry.Registers {
			rv, err := buildReference(entry, reg)
			if err != nil {
				problems = append(problems, fmt.Errorf("entry %d (%q): %v", i, entry.Subject, err))
				continue
			}
			key := fmt.Sprintf("%s/%d", rv.Subject, rv.Index)
			if prev, ok := seen[key]; ok {
				// Identical re-statements collapse; different accepted sets
				// are a conflict.
				if sameDigestSet(prev.Digests, rv.Digests) && prev.NotBefore.Equal(rv.NotBefore) && prev.NotAfter.Equal(rv.NotAfter) {
					continue
				}
				problems = append(problems, fmt.Errorf("%w: subject %q register %d has conflicting accepted values",
					ErrCorpusConflict, rv.Subject, rv.Index))
				continue
			}
			seen[key] = rv
			refs = append(refs, *rv)
		}
	}

	if err := createGroupedError("invalid corpus:", problems); err != nil {
		return nil, err
	}
	return refs, nil
}

func buildReference(entry CorpusEntry, reg CorpusRegister) (*ReferenceValue, error) {
	if len(reg.Digests) == 0 {
		return nil, fmt.Errorf("register %d: no accepted digests", reg.Index)
	}
	rv := &ReferenceValue{
		Subject:   entry.Subject,
		Index:     reg.Index,
		NotBefore: entry.NotBefore,
		NotAfter:  entry.NotAfter,
	}
	for _, h := range reg.Digests {
		digest, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("register %d: digest %q is not hex: %v", reg.Index, h, err)
		}
		if len(digest) == 0 {
			return nil, fmt.Errorf("register %d: empty digest", reg.Index)
		}
		rv.Digests = append(rv.Digests, digest)
	}
	return rv, nil
}

func sameDigestSet(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i := range a {
		as[i] = string(a[i])
		bs[i] = string(b[i])
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
