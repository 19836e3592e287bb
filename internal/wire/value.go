package wire

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrMalformed is returned for input that is not a canonical encoding of a Value.
	ErrMalformed = errors.New("wire: malformed encoding")

	// ErrArity is returned when a fixed-arity list has the wrong element count.
	ErrArity = errors.New("wire: unexpected element count")

	// ErrType is returned when a Value does not have the expected shape.
	ErrType = errors.New("wire: unexpected value type")
)

// Value is a sealed interface over the encodable shapes.
// Only Uint, Bytes and List implement it.
type Value interface {
	wireValue()
}

// Uint is an unsigned integer value.
type Uint uint64

func (Uint) wireValue() {}

// Bytes is a byte string value.
type Bytes []byte

func (Bytes) wireValue() {}

// List is an ordered sequence of values.
type List []Value

func (List) wireValue() {}

// Bool encodes a boolean as Uint 0 or 1.
func Bool(b bool) Uint {
	if b {
		return 1
	}
	return 0
}

// String encodes text as NFC-normalized UTF-8 bytes.
func String(s string) Bytes {
	return Bytes(norm.NFC.String(s))
}

// AsUint returns the integer held by v.
func AsUint(v Value) (uint64, error) {
	u, ok := v.(Uint)
	if !ok {
		return 0, fmt.Errorf("%w: want uint, got %T", ErrType, v)
	}
	return uint64(u), nil
}

// AsBytes returns the byte string held by v.
func AsBytes(v Value) ([]byte, error) {
	b, ok := v.(Bytes)
	if !ok {
		return nil, fmt.Errorf("%w: want bytes, got %T", ErrType, v)
	}
	return []byte(b), nil
}

// AsList returns the list held by v.
func AsList(v Value) (List, error) {
	l, ok := v.(List)
	if !ok {
		return nil, fmt.Errorf("%w: want list, got %T", ErrType, v)
	}
	return l, nil
}

// AsBool accepts only Uint 0 and 1.
func AsBool(v Value) (bool, error) {
	u, err := AsUint(v)
	if err != nil {
		return false, err
	}
	switch u {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: bool out of range: %d", ErrType, u)
	}
}

// AsString decodes a Bytes value holding NFC UTF-8 text.
func AsString(v Value) (string, error) {
	b, err := AsBytes(v)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid utf-8", ErrType)
	}
	return norm.NFC.String(string(b)), nil
}

// ExpectList checks that v is a list of exactly n elements.
func ExpectList(v Value, n int) (List, error) {
	l, err := AsList(v)
	if err != nil {
		return nil, err
	}
	if len(l) != n {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrArity, n, len(l))
	}
	return l, nil
}

// Equal reports whether a and b are the same value.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case Uint:
		y, ok := b.(Uint)
		return ok && x == y
	case Bytes:
		y, ok := b.(Bytes)
		return ok && bytes.Equal(x, y)
	case List:
		y, ok := b.(List)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
