// Package keys defines the 32-byte account identifiers used by the ledger and
// the escrow engine, with their base58 text form.
package keys

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Size is the byte length of an account identifier.
const Size = 32

var ErrInvalidKey = errors.New("invalid account key")

// PublicKey identifies a ledger account. Key-controlled accounts use an
// ed25519 public key; program-controlled accounts use a derived identifier
// that is deliberately not a valid curve point.
type PublicKey [Size]byte

// SystemProgram owns every key-controlled account. Its identifier is all zeros.
var SystemProgram = PublicKey{}

// Parse decodes a base58 account identifier.
func Parse(s string) (PublicKey, error) {
	var k PublicKey
	if s == "" {
		return k, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	b, err := base58.Decode(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != Size {
		return k, fmt.Errorf("%w: decoded length %d, want %d", ErrInvalidKey, len(b), Size)
	}
	copy(k[:], b)
	return k, nil
}

// MustParse is Parse for constants in tests and defaults. It panics on error.
func MustParse(s string) PublicKey {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// FromBytes copies b into a key. b must be exactly Size bytes.
func FromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != Size {
		return k, fmt.Errorf("%w: length %d", ErrInvalidKey, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// String returns the base58 form.
func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

// Short is a log-friendly prefix of the base58 form.
func (k PublicKey) Short() string {
	s := k.String()
	if len(s) <= 8 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}

// IsZero reports whether k is the all-zero key.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// Bytes returns a copy of the key bytes.
func (k PublicKey) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k[:])
	return b
}

// IsOnCurve reports whether k decodes to a point on the ed25519 curve, i.e.
// whether some private key could sign for it.
func (k PublicKey) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(k[:])
	return err == nil
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value stores the key as its base58 text.
func (k PublicKey) Value() (driver.Value, error) {
	return k.String(), nil
}

// Scan reads a key stored as base58 text.
func (k *PublicKey) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return k.UnmarshalText([]byte(v))
	case []byte:
		return k.UnmarshalText(v)
	case nil:
		*k = PublicKey{}
		return nil
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalidKey, src)
	}
}
