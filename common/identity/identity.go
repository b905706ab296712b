// Package identity implements the opaque participant identity type.
package identity

import (
	"encoding/hex"
	"errors"
)

// Size is the size in bytes of a NodeIdentity.
const Size = 32

// ErrMalformed is the error returned when a byte slice does not decode to
// a well-formed NodeIdentity.
var ErrMalformed = errors.New("identity: malformed identity")

// NodeIdentity is an opaque, comparable participant identity.
type NodeIdentity [Size]byte

// MapKey is the representation used to key NodeIdentity-indexed maps.
//
// NodeIdentity is already a comparable array type and can be used as a map
// key directly; MapKey exists so map-index call sites read uniformly.
type MapKey = NodeIdentity

// FromBytes builds a NodeIdentity from a byte slice.
func FromBytes(b []byte) (NodeIdentity, error) {
	var id NodeIdentity
	if len(b) != Size {
		return id, ErrMalformed
	}
	copy(id[:], b)
	return id, nil
}

// FromHex decodes a lower- or upper-case hex string into a NodeIdentity,
// the inverse of String().
func FromHex(s string) (NodeIdentity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		var id NodeIdentity
		return id, ErrMalformed
	}
	return FromBytes(b)
}

// IsEmpty returns true iff id is the zero NodeIdentity.
func (id NodeIdentity) IsEmpty() bool {
	return id == NodeIdentity{}
}

// Bytes returns the byte view of id.
func (id NodeIdentity) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// String returns the lower-case hex encoding of id.
func (id NodeIdentity) String() string {
	return hex.EncodeToString(id[:])
}
