package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SeedLength is the size of a SAS seed.
const SeedLength = 32

const seedInfo = "protocore/seed/v1"

// ErrSeedLength is returned when bytes of the wrong size are used as a Seed.
var ErrSeedLength = errors.New("crypto: invalid seed length")

// Seed is the fixed-length random input of the SAS computation.
type Seed [SeedLength]byte

// NewSeed reads a fresh seed from r.
func NewSeed(r io.Reader) (Seed, error) {
	var s Seed
	if _, err := io.ReadFull(r, s[:]); err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	return s, nil
}

// SeedFromBytes copies b into a Seed.
func SeedFromBytes(b []byte) (Seed, error) {
	var s Seed
	if len(b) != SeedLength {
		return Seed{}, fmt.Errorf("%w: got %d bytes", ErrSeedLength, len(b))
	}
	copy(s[:], b)
	return s, nil
}

// DeriveSeed derives a seed from a long-term secret and a diversifier with
// HKDF-SHA256. Every device holding the same secret derives the same seed
// for the same diversifier.
func DeriveSeed(secret, diversifier []byte) (Seed, error) {
	if len(secret) == 0 {
		return Seed{}, errors.New("crypto: derive seed: empty secret")
	}
	info := make([]byte, 0, len(seedInfo)+1+len(diversifier))
	info = append(info, seedInfo...)
	info = append(info, 0x00)
	info = append(info, diversifier...)

	var s Seed
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), s[:]); err != nil {
		return Seed{}, fmt.Errorf("derive seed: %w", err)
	}
	return s, nil
}

// Bytes returns a copy of the seed bytes.
func (s Seed) Bytes() []byte {
	b := make([]byte, SeedLength)
	copy(b, s[:])
	return b
}

// String returns a short hex prefix for logs. The full seed is never logged.
func (s Seed) String() string {
	return hex.EncodeToString(s[:4]) + "…"
}
