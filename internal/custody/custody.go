// Package custody derives program-controlled account addresses.
//
// A custody address is the SHA-256 digest of a list of seeds, the owning
// program's identifier and a fixed marker, chosen so that the digest is not a
// valid ed25519 point. No private key can ever sign for such an address; the
// ledger instead accepts the seeds themselves, replayed by the owning program,
// as the spending authorization.
//
// The search for a usable bump seed happens once, when the account is first
// created. Every later access replays the stored bump with CreateAddress.
package custody

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mbd888/settle/internal/keys"
	sha256 "github.com/minio/sha256-simd"
)

const (
	// MaxSeeds is the maximum number of seeds in one derivation.
	MaxSeeds = 16
	// MaxSeedLen is the maximum length of a single seed.
	MaxSeedLen = 32

	derivationMarker = "ProgramDerivedAddress"
)

// EscrowNamespace prefixes every escrow custody derivation.
var EscrowNamespace = []byte("escrow")

var (
	ErrMaxSeedLength = errors.New("custody: seed count or length exceeds limit")
	ErrOnCurve       = errors.New("custody: derived address lies on the ed25519 curve")
	ErrNoViableBump  = errors.New("custody: no viable bump seed")
)

// CreateAddress derives the address for seeds under program. The seeds must
// already include the bump. It fails with ErrOnCurve if the digest happens to
// be a valid public key.
func CreateAddress(seeds [][]byte, program keys.PublicKey) (keys.PublicKey, error) {
	if len(seeds) > MaxSeeds {
		return keys.PublicKey{}, ErrMaxSeedLength
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return keys.PublicKey{}, ErrMaxSeedLength
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(derivationMarker))

	var addr keys.PublicKey
	copy(addr[:], h.Sum(nil))
	if addr.IsOnCurve() {
		return keys.PublicKey{}, ErrOnCurve
	}
	return addr, nil
}

// FindAddress searches bumps from 255 downward and returns the first address
// that lies off the curve, together with that bump.
func FindAddress(seeds [][]byte, program keys.PublicKey) (keys.PublicKey, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return keys.PublicKey{}, 0, ErrMaxSeedLength
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump > 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		addr, err := CreateAddress(withBump, program)
		switch {
		case err == nil:
			return addr, uint8(bump), nil
		case errors.Is(err, ErrOnCurve):
			continue
		default:
			return keys.PublicKey{}, 0, err
		}
	}
	return keys.PublicKey{}, 0, ErrNoViableBump
}

// EscrowSeeds returns the derivation seeds for the custody account of the
// escrow identified by txID, without the bump.
func EscrowSeeds(txID uint64) [][]byte {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], txID)
	return [][]byte{EscrowNamespace, id[:]}
}

// Signer is the program-level authorization for one custody account: the
// seeds plus the stored bump.
type Signer struct {
	Program keys.PublicKey
	Seeds   [][]byte
}

// EscrowSigner builds the signer for txID by replaying bump.
func EscrowSigner(program keys.PublicKey, txID uint64, bump uint8) Signer {
	seeds := append(EscrowSeeds(txID), []byte{bump})
	return Signer{Program: program, Seeds: seeds}
}

// Address replays the derivation held by the signer.
func (s Signer) Address() (keys.PublicKey, error) {
	return CreateAddress(s.Seeds, s.Program)
}

// Locate finds the custody address and bump for txID. Clients use it to name
// the custody account; the engine itself never searches again once the bump
// is stored.
func Locate(program keys.PublicKey, txID uint64) (keys.PublicKey, uint8, error) {
	addr, bump, err := FindAddress(EscrowSeeds(txID), program)
	if err != nil {
		return keys.PublicKey{}, 0, fmt.Errorf("locate custody for %d: %w", txID, err)
	}
	return addr, bump, nil
}
