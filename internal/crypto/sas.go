package crypto

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/sha3"
	"golang.org/x/text/width"
)

// MaxSASDigits bounds the digit count so the digest fits the modular reduction.
const MaxSASDigits = 9

const domainSAS = "protocore/sas/v1"

// ErrInvalidDigits is returned for a digit count outside [1, MaxSASDigits].
var ErrInvalidDigits = errors.New("crypto: invalid SAS digit count")

// ComputeSAS derives a fixed-width decimal string from two seeds. The order
// of the seeds matters: ComputeSAS(a, b, n) and ComputeSAS(b, a, n) differ
// with overwhelming probability.
func ComputeSAS(first, second Seed, digits int) (string, error) {
	if digits < 1 || digits > MaxSASDigits {
		return "", fmt.Errorf("%w: %d", ErrInvalidDigits, digits)
	}

	h := sha3.New256()
	h.Write([]byte(domainSAS))
	h.Write([]byte{0x00})
	h.Write(first[:])
	h.Write(second[:])
	sum := h.Sum(nil)

	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	n := binary.BigEndian.Uint64(sum[:8]) % mod
	return fmt.Sprintf("%0*d", digits, n), nil
}

// NormalizeSAS canonicalizes a human-entered SAS: full-width digits are
// narrowed, and spaces and dashes are dropped.
func NormalizeSAS(input string) string {
	narrow := width.Narrow.String(input)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, narrow)
}

// EqualSAS compares two normalized SAS strings in constant time.
func EqualSAS(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
