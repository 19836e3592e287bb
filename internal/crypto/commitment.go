package crypto

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"

	"github.com/roach88/protocore/internal/wire"
)

// RandomnessLength is the size of the blinding randomness in a commitment.
const RandomnessLength = 32

const domainCommitment = "protocore/commitment/v1"

var (
	// ErrOpenFailed is returned when a decommitment does not open a commitment.
	ErrOpenFailed = errors.New("crypto: commitment open failed")

	// ErrRandomness is returned for blinding randomness of the wrong size.
	ErrRandomness = errors.New("crypto: invalid commitment randomness")
)

// NewRandomness reads fresh blinding randomness from r.
func NewRandomness(r io.Reader) ([]byte, error) {
	b := make([]byte, RandomnessLength)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read randomness: %w", err)
	}
	return b, nil
}

// Commit binds value under tag. The commitment is safe to publish; the
// decommitment reveals value and must be held back until the committer is
// ready to open.
//
//	commitment   = SHA3-256(domain || 0x00 || len(tag) || tag || randomness || value)
//	decommitment = wire list [randomness, value]
func Commit(tag, value, randomness []byte) (commitment, decommitment []byte, err error) {
	if len(randomness) != RandomnessLength {
		return nil, nil, fmt.Errorf("%w: got %d bytes", ErrRandomness, len(randomness))
	}
	decommitment, err = wire.Encode(wire.List{wire.Bytes(randomness), wire.Bytes(value)})
	if err != nil {
		return nil, nil, fmt.Errorf("encode decommitment: %w", err)
	}
	return commitDigest(tag, randomness, value), decommitment, nil
}

// Open recovers the committed value. Any mismatch of tag, randomness or value
// yields ErrOpenFailed.
func Open(commitment, tag, decommitment []byte) ([]byte, error) {
	l, err := wire.DecodeList(decommitment, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	randomness, err := wire.AsBytes(l[0])
	if err != nil || len(randomness) != RandomnessLength {
		return nil, ErrOpenFailed
	}
	value, err := wire.AsBytes(l[1])
	if err != nil {
		return nil, ErrOpenFailed
	}
	if subtle.ConstantTimeCompare(commitDigest(tag, randomness, value), commitment) != 1 {
		return nil, ErrOpenFailed
	}
	return value, nil
}

func commitDigest(tag, randomness, value []byte) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(tag)))

	h := sha3.New256()
	h.Write([]byte(domainCommitment))
	h.Write([]byte{0x00})
	h.Write(n[:])
	h.Write(tag)
	h.Write(randomness)
	h.Write(value)
	return h.Sum(nil)
}
