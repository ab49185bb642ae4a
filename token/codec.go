package token

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxTokenSize is the default cap on encoded token size. The verifier
// enforces it before any parsing or cryptographic work.
const MaxTokenSize = 64 * 1024

var (
	// ErrMalformedEncoding reports input that cannot be parsed as the
	// structured format at all: not CBOR, duplicate claim keys, trailing
	// bytes, or indefinite-length items.
	ErrMalformedEncoding = errors.New("malformed token encoding")
	// ErrSchemaViolation reports input that parses but is missing a required
	// claim or violates a type constraint.
	ErrSchemaViolation = errors.New("token schema violation")
	// ErrOversizeInput reports input exceeding the maximum token size.
	ErrOversizeInput = errors.New("token exceeds maximum size")
)

// The encoder is canonical: two logically equal claims sets encode to
// identical bytes, so the signature always covers an unambiguous
// serialization. The decoder rejects duplicate map keys outright; unknown
// keys are ignored per the package extensibility policy.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	dec := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 16,
	}
	if decMode, err = dec.DecMode(); err != nil {
		panic(err)
	}
}

// Encode serializes the claims set into its canonical binary form.
func Encode(c *ClaimsSet) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil claims set", ErrSchemaViolation)
	}
	out, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("claims encoding failed: %v", err)
	}
	return out, nil
}

// Decode parses a canonical claims encoding and checks required fields.
func Decode(data []byte) (*ClaimsSet, error) {
	var c ClaimsSet
	if err := decMode.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if err := checkClaims(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func checkClaims(c *ClaimsSet) error {
	if c.Subject == "" {
		return fmt.Errorf("%w: missing subject identity", ErrSchemaViolation)
	}
	if len(c.Nonce) == 0 {
		return fmt.Errorf("%w: missing nonce", ErrSchemaViolation)
	}
	if c.IssuedAt == 0 {
		return fmt.Errorf("%w: missing issued-at time", ErrSchemaViolation)
	}
	if c.Quote == nil {
		return fmt.Errorf("%w: missing quote", ErrSchemaViolation)
	}
	if len(c.Quote.Quoted) == 0 || len(c.Quote.RawSig) == 0 {
		return fmt.Errorf("%w: quote is missing attestation data or signature", ErrSchemaViolation)
	}
	if len(c.Quote.Registers) == 0 {
		return fmt.Errorf("%w: quote carries no register values", ErrSchemaViolation)
	}
	for idx, val := range c.Quote.Registers {
		if len(val) == 0 {
			return fmt.Errorf("%w: register %d has an empty value", ErrSchemaViolation, idx)
		}
	}
	return nil
}
