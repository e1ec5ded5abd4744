// Package auth authenticates API requests by ed25519 signature.
//
// Authentication model:
//   - Read endpoints (escrow lookup, accounts, health): no auth required
//   - Mutations (fund, release, cancel): the request is signed by the key
//     that acts, and the handler checks that key against the operation
//
// A signed request carries three headers:
//
//	X-Signer:    base58 public key
//	X-Timestamp: unix seconds
//	X-Signature: base58 ed25519 signature over Message(method, uri, ts, body)
package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/keys"
	sha256 "github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"
)

// Header names.
const (
	HeaderSigner    = "X-Signer"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// Errors
var (
	ErrMissingSignature = errors.New("request signature required")
	ErrInvalidSigner    = errors.New("invalid signer key")
	ErrInvalidTimestamp = errors.New("invalid or stale timestamp")
	ErrBadSignature     = errors.New("signature does not verify")
	ErrReplayed         = errors.New("signature already used")
)

// Message is the byte string a client signs.
func Message(method, uri string, timestamp int64, body []byte) []byte {
	digest := sha256.Sum256(body)
	msg := method + "\n" + uri + "\n" + strconv.FormatInt(timestamp, 10) + "\n" + hex.EncodeToString(digest[:])
	return []byte(msg)
}

// Sign produces the X-Signature value for a request. Clients and tests use it.
func Sign(priv ed25519.PrivateKey, method, uri string, timestamp int64, body []byte) string {
	return base58.Encode(ed25519.Sign(priv, Message(method, uri, timestamp, body)))
}

// Verifier checks request signatures and rejects replays within the skew
// window.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // signature -> expiry
}

// NewVerifier creates a verifier accepting timestamps within maxSkew of now.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{
		maxSkew: maxSkew,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Verify checks one signed request and returns the signer.
func (v *Verifier) Verify(signer, timestamp, signature, method, uri string, body []byte) (keys.PublicKey, error) {
	if signer == "" || timestamp == "" || signature == "" {
		return keys.PublicKey{}, ErrMissingSignature
	}
	pub, err := keys.Parse(signer)
	if err != nil {
		return keys.PublicKey{}, ErrInvalidSigner
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return keys.PublicKey{}, ErrInvalidTimestamp
	}
	now := v.now()
	skew := now.Sub(time.Unix(ts, 0))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return keys.PublicKey{}, ErrInvalidTimestamp
	}

	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return keys.PublicKey{}, ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub.Bytes()), Message(method, uri, ts, body), sig) {
		return keys.PublicKey{}, ErrBadSignature
	}

	if !v.remember(signature, now) {
		return keys.PublicKey{}, ErrReplayed
	}
	return pub, nil
}

// remember records a signature until it can no longer pass the skew check.
// It returns false if the signature was already recorded.
func (v *Verifier) remember(signature string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for sig, exp := range v.seen {
		if now.After(exp) {
			delete(v.seen, sig)
		}
	}
	if _, dup := v.seen[signature]; dup {
		return false
	}
	v.seen[signature] = now.Add(2 * v.maxSkew)
	return true
}
