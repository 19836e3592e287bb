package wire

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	maxDepth    = 16
	maxElements = 4096
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		IndefLength:      cbor.IndefLengthForbidden,
		MaxNestedLevels:  maxDepth,
		MaxArrayElements: maxElements,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build decoder: %v", err))
	}
}

// Encode serializes v deterministically.
func Encode(v Value) ([]byte, error) {
	raw, err := toRaw(v, 0)
	if err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return data, nil
}

// Decode parses a single canonical value. Anything else is rejected.
func Decode(data []byte) (Value, error) {
	var raw any
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	v, err := fromRaw(raw, 0)
	if err != nil {
		return nil, err
	}
	// Re-encoding must reproduce the input byte for byte; this rejects
	// non-minimal integer and length forms.
	again, err := Encode(v)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(again, data) {
		return nil, fmt.Errorf("%w: non-canonical form", ErrMalformed)
	}
	return v, nil
}

// DecodeList parses data as a list of exactly n elements.
func DecodeList(data []byte, n int) (List, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return ExpectList(v, n)
}

// toRaw maps a Value onto the Go types the CBOR encoder understands. Nil
// slices are replaced with empty ones so they never encode as CBOR null.
func toRaw(v Value, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	switch val := v.(type) {
	case Uint:
		return uint64(val), nil
	case Bytes:
		if val == nil {
			return []byte{}, nil
		}
		return []byte(val), nil
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			r, err := toRaw(elem, depth+1)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("%w: nil value", ErrType)
	default:
		return nil, fmt.Errorf("%w: %T", ErrType, v)
	}
}

func fromRaw(raw any, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	switch val := raw.(type) {
	case uint64:
		return Uint(val), nil
	case []byte:
		return Bytes(val), nil
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			v, err := fromRaw(elem, depth+1)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported item %T", ErrMalformed, raw)
	}
}
