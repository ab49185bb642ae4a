// Package token defines the evidence token exchanged between an attester and
// a verifier: a signed envelope around a canonically-encoded claims set that
// binds a hardware quote to a subject identity and a challenge nonce.
//
// Extensibility policy: unknown claim keys are ignored on decode. They are
// covered by the envelope signature, so skipping them cannot launder
// unauthenticated data. Duplicate keys and trailing bytes are always
// rejected.
package token

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/go-tpm/legacy/tpm2"
)

// Quote is the Measurement Source's signed attestation over a set of
// measurement registers and a nonce. The attester treats Quoted and RawSig as
// opaque, already-signed values; it never re-derives or re-signs them.
type Quote struct {
	// Quoted is the TPMS_ATTEST blob signed by the source's attestation key.
	Quoted []byte `cbor:"1,keyasint"`
	// RawSig is the TPMT_SIGNATURE over Quoted.
	RawSig []byte `cbor:"2,keyasint"`
	// Hash identifies the register bank algorithm (a tpm2.Algorithm value).
	Hash uint16 `cbor:"3,keyasint"`
	// Registers maps register index to the digest captured in the quote.
	Registers map[uint32][]byte `cbor:"4,keyasint"`
}

// ClaimsSet is the logical payload of an evidence token.
type ClaimsSet struct {
	Subject string `cbor:"1,keyasint"`
	Nonce   []byte `cbor:"2,keyasint"`
	// IssuedAt is the envelope creation time in Unix seconds.
	IssuedAt int64 `cbor:"3,keyasint"`
	// Expiry is an optional hard deadline in Unix seconds; zero means the
	// verifier's skew window alone bounds the token's life.
	Expiry int64  `cbor:"4,keyasint,omitempty"`
	Quote  *Quote `cbor:"5,keyasint"`
}

// Algorithm returns the register bank algorithm of the quote.
func (q *Quote) Algorithm() tpm2.Algorithm {
	return tpm2.Algorithm(q.Hash)
}

// PCRSelection returns the tpm2.PCRSelection covering the quoted registers.
func (q *Quote) PCRSelection() tpm2.PCRSelection {
	sel := tpm2.PCRSelection{Hash: q.Algorithm()}
	for idx := range q.Registers {
		sel.PCRs = append(sel.PCRs, int(idx))
	}
	sort.Ints(sel.PCRs)
	return sel
}

// HasSameSelection checks whether the quoted register set matches the given
// selection, including the bank algorithm.
func (q *Quote) HasSameSelection(sel tpm2.PCRSelection) bool {
	if q.Algorithm() != sel.Hash {
		return false
	}
	if len(q.Registers) != len(sel.PCRs) {
		return false
	}
	for _, p := range sel.PCRs {
		if _, ok := q.Registers[uint32(p)]; !ok {
			return false
		}
	}
	return true
}

// ComputeRegisterDigest hashes the quoted register values in ascending index
// order, matching how the source folds the selected registers into the
// quote's digest.
func (q *Quote) ComputeRegisterDigest() ([]byte, error) {
	cryptoHash, err := q.Algorithm().Hash()
	if err != nil {
		return nil, fmt.Errorf("unsupported register bank algorithm 0x%x: %v", q.Hash, err)
	}
	indices := make([]int, 0, len(q.Registers))
	for idx := range q.Registers {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	hash := cryptoHash.New()
	for _, idx := range indices {
		hash.Write(q.Registers[uint32(idx)])
	}
	return hash.Sum(nil), nil
}

// PrettyFormat writes a multiline representation of the quoted register
// values to w, for audit logs and CLI output.
func (q *Quote) PrettyFormat(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%v:\n", q.Algorithm()); err != nil {
		return err
	}
	indices := make([]int, 0, len(q.Registers))
	for idx := range q.Registers {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)
	for _, idx := range indices {
		if _, err := fmt.Fprintf(w, "  %2d: 0x%X\n", idx, q.Registers[uint32(idx)]); err != nil {
			return err
		}
	}
	return nil
}
