// Package source models the hardware root of trust as a polymorphic
// capability: something that can extend measurement registers and produce
// signed quotes over them. It ships a TPM-backed implementation and a pure
// software implementation that emits quotes in the same TPM2 wire format, so
// verification code cannot tell them apart.
package source

import (
	"context"
	"errors"

	"github.com/quotegate/quotegate/token"
)

// ErrUnavailable reports that the root of trust cannot be reached or did not
// answer before the caller's deadline. It is fatal to the current request;
// retry policy belongs to the caller.
var ErrUnavailable = errors.New("measurement source unavailable")

// Source is the capability interface of a measurement root of trust.
//
// Implementations must serialize concurrent Quote requests internally if the
// underlying device does not support concurrent sessions.
type Source interface {
	// Extend folds data into the given measurement register.
	Extend(ctx context.Context, index uint32, data []byte) error

	// Quote returns a signed attestation over the requested registers, bound
	// to the caller-supplied nonce. The returned quote is read-only; callers
	// treat it as an opaque, already-signed blob.
	Quote(ctx context.Context, nonce []byte, indices []uint32) (*token.Quote, error)
}
