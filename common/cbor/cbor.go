// Package cbor implements the CBOR wire encoding used for all coordination
// messages and the coordinator's round-state snapshot.
package cbor

import (
	"github.com/ugorji/go/codec"
)

var handle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// Marshaler is implemented by types with a custom CBOR encoding.
type Marshaler interface {
	MarshalCBOR() []byte
}

// Unmarshaler is implemented by types with a custom CBOR decoding.
type Unmarshaler interface {
	UnmarshalCBOR([]byte) error
}

// Marshal serializes v to canonical CBOR.
func Marshal(v interface{}) []byte {
	var data []byte
	enc := codec.NewEncoderBytes(&data, handle)
	if err := enc.Encode(v); err != nil {
		panic("cbor: marshal failure: " + err.Error())
	}
	return data
}

// Unmarshal deserializes data into v.
func Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, handle)
	return dec.Decode(v)
}
