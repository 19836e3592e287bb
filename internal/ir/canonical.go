package ir

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrNotCanonical is returned for values canonical JSON cannot represent.
var ErrNotCanonical = errors.New("ir: value has no canonical form")

// Object is a JSON object. Keys are emitted in canonical order.
type Object map[string]any

// Array is a JSON array.
type Array []any

// MarshalCanonical encodes v as canonical JSON. Supported values are string,
// bool, the signed and unsigned integer types, Object, Array,
// map[string]any, []any and []string.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("%w: null", ErrNotCanonical)
	case string:
		writeString(buf, val)
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float32, float64:
		return fmt.Errorf("%w: float %v", ErrNotCanonical, val)
	case Object:
		return encodeObject(buf, val)
	case map[string]any:
		return encodeObject(buf, val)
	case Array:
		return encodeArray(buf, val)
	case []any:
		return encodeArray(buf, val)
	case []string:
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, s)
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrNotCanonical, v)
	}
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return fmt.Errorf("%q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// compareUTF16 orders keys by UTF-16 code units. Byte order differs for
// characters above the BMP.
func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

// writeString escapes only the quote, the backslash and control characters.
func writeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			fmt.Fprintf(buf, `\u%04x`, r)
		default:
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
