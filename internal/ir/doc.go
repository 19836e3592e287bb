// Package ir holds the canonical JSON form used for traces and the
// domain-separated digests computed over it.
//
// Canonical JSON follows RFC 8785: object keys sorted by UTF-16 code units,
// strings NFC-normalized, no HTML escaping. Floats and null are rejected, so
// the same value always hashes the same way.
//
// ir imports nothing internal.
package ir
