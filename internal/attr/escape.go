package attr

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// FieldPrefix marks attribute fields in a search document. Fixed fields use a
// leading underscore and never collide with it.
const FieldPrefix = "attr."

const hexDigits = "0123456789ABCDEF"

// EscapeName NFC-normalises name and percent-encodes every byte outside
// [A-Za-z0-9_-]. The result never contains '.', '"' or '\'.
func EscapeName(name string) string {
	normalized := norm.NFC.String(name)
	var b strings.Builder
	b.Grow(len(normalized))
	for i := 0; i < len(normalized); i++ {
		c := normalized[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0F])
	}
	return b.String()
}

// UnescapeName reverses EscapeName. UnescapeName(EscapeName(s)) equals the
// NFC form of s.
func UnescapeName(escaped string) (string, error) {
	var b strings.Builder
	b.Grow(len(escaped))
	for i := 0; i < len(escaped); i++ {
		c := escaped[i]
		if c != '%' {
			if !isUnreserved(c) {
				return "", fmt.Errorf("unescaped byte %q at %d", c, i)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(escaped) {
			return "", fmt.Errorf("truncated escape at %d", i)
		}
		hi, ok1 := unhex(escaped[i+1])
		lo, ok2 := unhex(escaped[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("bad escape %q at %d", escaped[i:i+3], i)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

// FieldName is the search-document field for an attribute of the given dtype:
// "attr.<escaped name>.<dtype>". Retyping an attribute therefore writes a new
// field instead of reinterpreting the old one.
func FieldName(name string, dtype Dtype) string {
	return FieldPrefix + EscapeName(name) + "." + string(dtype)
}

// ParseFieldName splits a field produced by FieldName.
func ParseFieldName(field string) (string, Dtype, error) {
	rest, ok := strings.CutPrefix(field, FieldPrefix)
	if !ok {
		return "", "", fmt.Errorf("field %q is not an attribute field", field)
	}
	i := strings.LastIndexByte(rest, '.')
	if i < 0 {
		return "", "", fmt.Errorf("field %q has no dtype", field)
	}
	dtype := Dtype(rest[i+1:])
	if !dtype.Valid() {
		return "", "", fmt.Errorf("field %q: unknown dtype %q", field, dtype)
	}
	name, err := UnescapeName(rest[:i])
	if err != nil {
		return "", "", fmt.Errorf("field %q: %w", field, err)
	}
	return name, dtype, nil
}

func isUnreserved(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
