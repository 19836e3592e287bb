// Package wire implements the self-describing binary encoding used for every
// protocol message payload and every persisted protocol state.
//
// A Value is one of three shapes:
//   - Uint: an unsigned integer
//   - Bytes: an opaque byte string
//   - List: an ordered sequence of Values
//
// Domain types (identities, UIDs, seeds, display names) serialize to one of
// these shapes in the package that owns them.
//
// # Encoding
//
// Values are encoded as CBOR using the core deterministic profile: shortest
// integer form, definite lengths only. Decoding is strict and fails closed:
// maps, text strings, negative integers, floats, tags, indefinite lengths,
// trailing bytes and non-canonical forms are all rejected, so
// Decode(Encode(v)) == v and Encode(Decode(b)) == b for every accepted b.
//
// Fixed-arity messages and states use DecodeList / ExpectList, which reject
// any element count other than the declared one.
package wire
