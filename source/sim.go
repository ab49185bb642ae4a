package source

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/quotegate/quotegate/token"
)

// TPMS_GENERATED_VALUE, the magic prefix of attestation structures.
const attestMagic = 0xff544347

// SimNumRegisters is the register count of the simulated source.
const SimNumRegisters = 24

// Sim is a software measurement source. It keeps SHA-256 registers in memory
// and signs quotes with an ECDSA P-256 key, using the same TPMS_ATTEST and
// TPMT_SIGNATURE wire encodings a real TPM produces.
type Sim struct {
	mu        sync.Mutex
	registers [SimNumRegisters][sha256.Size]byte
	key       *ecdsa.PrivateKey
	counter   uint64
}

// NewSim creates a simulated source with a fresh attestation key and zeroed
// registers.
func NewSim() (*Sim, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate simulated attestation key: %w", err)
	}
	return &Sim{key: key}, nil
}

// PublicKey returns the simulated attestation key, for registering the
// source in a verifier's roster.
func (s *Sim) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Extend folds data into a register: reg = SHA-256(reg || data).
func (s *Sim) Extend(_ context.Context, index uint32, data []byte) error {
	if index >= SimNumRegisters {
		return fmt.Errorf("register %d out of range [0, %d)", index, SimNumRegisters)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := sha256.New()
	hash.Write(s.registers[index][:])
	hash.Write(data)
	copy(s.registers[index][:], hash.Sum(nil))
	return nil
}

// Quote returns a signed attestation over the requested registers bound to
// nonce. The monotonic counter increments on every quote.
func (s *Sim) Quote(_ context.Context, nonce []byte, indices []uint32) (*token.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel := tpm2.PCRSelection{Hash: tpm2.AlgSHA256}
	registers := make(map[uint32][]byte, len(indices))
	for _, idx := range indices {
		if idx >= SimNumRegisters {
			return nil, fmt.Errorf("register %d out of range [0, %d)", idx, SimNumRegisters)
		}
		if _, ok := registers[idx]; ok {
			continue
		}
		val := make([]byte, sha256.Size)
		copy(val, s.registers[idx][:])
		registers[idx] = val
		sel.PCRs = append(sel.PCRs, int(idx))
	}
	sort.Ints(sel.PCRs)

	digest := sha256.New()
	for _, idx := range sel.PCRs {
		digest.Write(registers[uint32(idx)])
	}

	s.counter++
	att := tpm2.AttestationData{
		Magic:           attestMagic,
		Type:            tpm2.TagAttestQuote,
		ExtraData:       nonce,
		ClockInfo:       tpm2.ClockInfo{Clock: s.counter, Safe: 1},
		FirmwareVersion: 1,
		AttestedQuoteInfo: &tpm2.QuoteInfo{
			PCRSelection: sel,
			PCRDigest:    digest.Sum(nil),
		},
	}
	quoted, err := att.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode attestation data: %v", err)
	}

	sigDigest := sha256.Sum256(quoted)
	r, sVal, err := ecdsa.Sign(rand.Reader, s.key, sigDigest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign quote: %w", err)
	}
	rawSig, err := tpmutil.Pack(tpm2.AlgECDSA, tpm2.AlgSHA256,
		tpmutil.U16Bytes(r.Bytes()), tpmutil.U16Bytes(sVal.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("failed to pack quote signature: %v", err)
	}

	return &token.Quote{
		Quoted:    quoted,
		RawSig:    rawSig,
		Hash:      uint16(tpm2.AlgSHA256),
		Registers: registers,
	}, nil
}
