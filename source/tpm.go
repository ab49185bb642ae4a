package source

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/quotegate/quotegate/token"
)

// TPM is a measurement source backed by a TPM 2.0 device. All commands are
// serialized through a mutex: reopening or interleaving sessions on the same
// device causes issues on Linux.
type TPM struct {
	mu sync.Mutex
	rw io.ReadWriter
	// ak is the handle of a restricted signing (attestation) key, already
	// created and persisted by platform provisioning.
	ak   tpmutil.Handle
	hash tpm2.Algorithm
}

// NewTPM wraps an open TPM channel and an attestation key handle. The
// SHA-256 PCR bank is quoted.
func NewTPM(rw io.ReadWriter, akHandle tpmutil.Handle) *TPM {
	return &TPM{rw: rw, ak: akHandle, hash: tpm2.AlgSHA256}
}

// Extend folds data into the given PCR.
func (t *TPM) Extend(ctx context.Context, index uint32, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	digest := make([]byte, 32)
	copy(digest, data)
	if err := tpm2.PCRExtend(t.rw, tpmutil.Handle(index), t.hash, digest, ""); err != nil {
		return fmt.Errorf("%w: PCR extend failed: %v", ErrUnavailable, err)
	}
	return nil
}

// Quote reads the requested PCRs and asks the TPM for a quote over them
// bound to nonce. The caller's context bounds the hardware wait; on expiry
// the request fails with ErrUnavailable.
//
// PCR values are read before the quote is issued. If a register is extended
// in between, the quote's digest will not match the reported values and
// verification fails closed.
func (t *TPM) Quote(ctx context.Context, nonce []byte, indices []uint32) (*token.Quote, error) {
	type quoteResult struct {
		quote *token.Quote
		err   error
	}
	done := make(chan quoteResult, 1)
	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		q, err := t.quoteLocked(nonce, indices)
		done <- quoteResult{q, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case res := <-done:
		return res.quote, res.err
	}
}

func (t *TPM) quoteLocked(nonce []byte, indices []uint32) (*token.Quote, error) {
	pcrs := make([]int, 0, len(indices))
	seen := make(map[uint32]bool, len(indices))
	for _, idx := range indices {
		if !seen[idx] {
			seen[idx] = true
			pcrs = append(pcrs, int(idx))
		}
	}

	registers, err := t.readPCRs(pcrs)
	if err != nil {
		return nil, err
	}

	sel := tpm2.PCRSelection{Hash: t.hash, PCRs: pcrs}
	quoted, rawSig, err := tpm2.QuoteRaw(t.rw, t.ak, "", "", nonce, sel, tpm2.AlgNull)
	if err != nil {
		return nil, fmt.Errorf("%w: quote failed: %v", ErrUnavailable, err)
	}

	return &token.Quote{
		Quoted:    quoted,
		RawSig:    rawSig,
		Hash:      uint16(t.hash),
		Registers: registers,
	}, nil
}

// readPCRs fetches PCR values in batches of 8, the per-command limit of
// TPM2_PCR_Read.
func (t *TPM) readPCRs(pcrs []int) (map[uint32][]byte, error) {
	registers := make(map[uint32][]byte, len(pcrs))
	for i := 0; i < len(pcrs); i += 8 {
		end := i + 8
		if end > len(pcrs) {
			end = len(pcrs)
		}
		sel := tpm2.PCRSelection{Hash: t.hash, PCRs: pcrs[i:end]}
		pcrMap, err := tpm2.ReadPCRs(t.rw, sel)
		if err != nil {
			return nil, fmt.Errorf("%w: PCR read failed: %v", ErrUnavailable, err)
		}
		for pcr, val := range pcrMap {
			registers[uint32(pcr)] = val
		}
	}
	return registers, nil
}
