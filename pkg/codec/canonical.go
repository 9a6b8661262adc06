// Package codec implements the canonical byte form of events, their
// content-derived identifiers and Ed25519 signatures.
//
// Canonical JSON here means: object keys sorted by code point, no
// insignificant whitespace, UTF-8 output with only the mandatory escapes, and
// integers in minimal decimal form. Every server must produce identical bytes
// for the same event or cross-server signature checks fail.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformedContent  = errors.New("malformed content")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrUnknownSigningKey = errors.New("unknown signing key")
)

const (
	maxDepth = 64

	// maxSafeInteger bounds integers to the range every JSON implementation
	// can represent exactly.
	maxSafeInteger = 1<<53 - 1
)

// Canonicalize rewrites raw JSON into canonical form. Duplicate object keys,
// non-integer or out of range numbers and invalid UTF-8 are rejected with
// ErrMalformedContent.
func Canonicalize(raw []byte) ([]byte, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrMalformedContent)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedContent)
	}

	var buf bytes.Buffer
	buf.Grow(len(raw))
	if err := writeValue(&buf, gjson.ParseBytes(raw), 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalJSON marshals v and canonicalizes the result.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	return Canonicalize(raw)
}

type member struct {
	key   string
	value gjson.Result
}

func writeValue(buf *bytes.Buffer, v gjson.Result, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrMalformedContent, maxDepth)
	}

	switch v.Type {
	case gjson.Null:
		buf.WriteString("null")
	case gjson.False:
		buf.WriteString("false")
	case gjson.True:
		buf.WriteString("true")
	case gjson.String:
		writeString(buf, v.Str)
	case gjson.Number:
		return writeNumber(buf, v.Raw)
	case gjson.JSON:
		if v.IsObject() {
			return writeObject(buf, v, depth)
		}
		if v.IsArray() {
			return writeArray(buf, v, depth)
		}
		return fmt.Errorf("%w: unexpected token %q", ErrMalformedContent, v.Raw)
	default:
		return fmt.Errorf("%w: unexpected token %q", ErrMalformedContent, v.Raw)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, v gjson.Result, depth int) error {
	var (
		members []member
		seen    = make(map[string]struct{})
		dupErr  error
	)
	v.ForEach(func(key, value gjson.Result) bool {
		if _, ok := seen[key.Str]; ok {
			dupErr = fmt.Errorf("%w: duplicate key %q", ErrMalformedContent, key.Str)
			return false
		}
		seen[key.Str] = struct{}{}
		members = append(members, member{key: key.Str, value: value})
		return true
	})
	if dupErr != nil {
		return dupErr
	}

	// Go compares strings bytewise, which for UTF-8 is code point order.
	sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })

	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, m.key)
		buf.WriteByte(':')
		if err := writeValue(buf, m.value, depth+1); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, v gjson.Result, depth int) error {
	var err error
	first := true
	buf.WriteByte('[')
	v.ForEach(func(_, value gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		err = writeValue(buf, value, depth+1)
		return err == nil
	})
	if err != nil {
		return err
	}
	buf.WriteByte(']')
	return nil
}

// writeNumber accepts integers, and floats whose value is integral, and
// emits the minimal decimal form.
func writeNumber(buf *bytes.Buffer, raw string) error {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > maxSafeInteger || n < -maxSafeInteger {
			return fmt.Errorf("%w: integer %s out of range", ErrMalformedContent, raw)
		}
		buf.WriteString(strconv.FormatInt(n, 10))
		return nil
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("%w: non-finite number %s", ErrMalformedContent, raw)
	}
	if f != math.Trunc(f) || math.Abs(f) > maxSafeInteger {
		return fmt.Errorf("%w: number %s is not a safe integer", ErrMalformedContent, raw)
	}
	buf.WriteString(strconv.FormatInt(int64(f), 10))
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString escapes only what JSON requires: quote, backslash and control
// characters.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
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
			if c < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
			} else {
				buf.WriteByte(c)
			}
		}
	}
	buf.WriteByte('"')
}
