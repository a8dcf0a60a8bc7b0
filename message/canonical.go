package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Canonical encoding rules, applied to the whole message and to nested
// content objects alike:
//
//  1. Object keys sorted by UTF-16 code units.
//  2. Strings NFC normalized; only quote, backslash and control characters
//     escaped (no HTML escaping, no  /  escaping).
//  3. Integers only; a fractional or exponent-form number is an error.
//  4. No null values; absent fields are omitted entirely.
//
// Two structurally equal messages therefore always produce identical bytes,
// which is what makes identity a pure function of content.

func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null is forbidden in canonical encoding")
	case string:
		appendCanonicalString(buf, val)
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case int:
		fmt.Fprintf(buf, "%d", val)
		return nil
	case int64:
		fmt.Fprintf(buf, "%d", val)
		return nil
	case uint64:
		fmt.Fprintf(buf, "%d", val)
		return nil
	case json.Number:
		return appendCanonicalNumber(buf, val)
	case json.RawMessage:
		decoded, err := decodeRaw(val)
		if err != nil {
			return err
		}
		return appendCanonical(buf, decoded)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		buf.WriteByte('{')
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sortKeysUTF16(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := appendCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
		return nil
	case Ref:
		appendCanonicalString(buf, string(val))
		return nil
	case FeedID:
		appendCanonicalString(buf, string(val))
		return nil
	case Signature:
		appendCanonicalString(buf, string(val))
		return nil
	default:
		return fmt.Errorf("unsupported type in canonical encoding: %T", v)
	}
}

// appendCanonicalString writes s NFC normalized. Only quote, backslash and
// the C0 control range are escaped; everything else passes through as UTF-8.
func appendCanonicalString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func appendCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return fmt.Errorf("non-integer number %q is forbidden in canonical encoding", s)
	}
	buf.WriteString(s)
	return nil
}

// decodeRaw parses a JSON fragment preserving integers as json.Number.
func decodeRaw(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after content")
	}
	return v, nil
}

// sortKeysUTF16 orders keys by UTF-16 code units. UTF-8 byte order differs
// for characters outside the BMP, so plain sort.Strings would be wrong.
func sortKeysUTF16(keys []string) {
	slices.SortFunc(keys, compareUTF16)
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := len(a16)
	if len(b16) < n {
		n = len(b16)
	}
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
