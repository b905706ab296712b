// Package hash implements the SHA-256 hash type shared by the Merkle tree
// and gradient commitments.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Size is the size in bytes of a Hash.
const Size = 32

// ErrMalformed is the error returned when a byte slice does not decode to
// a well-formed Hash.
var ErrMalformed = errors.New("hash: malformed hash")

// Hash is a SHA-256 digest.
type Hash [Size]byte

// New computes the Hash of data.
func New(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// NewFrom computes the Hash over the concatenation of every part, without
// allocating an intermediate buffer for the concatenation itself.
func NewFrom(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Bytes returns the byte view of h.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// IsEmpty returns true iff h is the zero Hash.
func (h Hash) IsEmpty() bool {
	return h == Hash{}
}

// Equal returns true iff h and other are byte-identical.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// MarshalBinary encodes h as a byte slice.
func (h Hash) MarshalBinary() ([]byte, error) {
	out := make([]byte, Size)
	copy(out, h[:])
	return out, nil
}

// UnmarshalBinary decodes a byte slice into h.
func (h *Hash) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return ErrMalformed
	}
	copy(h[:], data)
	return nil
}

// String returns the lower-case hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
