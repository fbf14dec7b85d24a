// Package render converts raw payload bytes to and from a display form
// that is safe for logs and terminals: printable ASCII passes through
// verbatim and every other byte becomes a \xNN escape with two
// lowercase hex digits, so []byte{0x48, 0x00, 0x7e, 0xff} renders as
// `H\x00~\xff`. The backslash itself is escaped, which keeps the
// encoding injective: every rendered string decodes back to exactly
// one byte sequence.
package render

import (
	"fmt"
	"strings"
)

const hexDigits = "0123456789abcdef"

// Bytes renders b in display form.
func Bytes(b []byte) string {
	var sb strings.Builder

	sb.Grow(len(b))

	for _, c := range b {
		if printable(c) {
			sb.WriteByte(c)
			continue
		}

		sb.WriteByte('\\')
		sb.WriteByte('x')
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0f])
	}

	return sb.String()
}

// Decode reverses Bytes. It rejects strings that Bytes cannot have
// produced: bytes outside the printable range, bare backslashes, and
// malformed escapes.
func Decode(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))

	for i := 0; i < len(s); {
		c := s[i]

		if c != '\\' {
			if c < 0x20 || c > 0x7e {
				return nil, fmt.Errorf("invalid raw byte %#02x at offset %d", c, i)
			}

			out = append(out, c)
			i++

			continue
		}

		if i+3 >= len(s) {
			return nil, fmt.Errorf("truncated escape at offset %d", i)
		}

		if s[i+1] != 'x' {
			return nil, fmt.Errorf("malformed escape at offset %d", i)
		}

		hi, ok := unhex(s[i+2])
		if !ok {
			return nil, fmt.Errorf("invalid hex digit %q at offset %d", s[i+2], i+2)
		}

		lo, ok := unhex(s[i+3])
		if !ok {
			return nil, fmt.Errorf("invalid hex digit %q at offset %d", s[i+3], i+3)
		}

		out = append(out, hi<<4|lo)
		i += 4
	}

	return out, nil
}

// printable reports whether c passes through unescaped. The backslash
// is excluded so escapes stay unambiguous.
func printable(c byte) bool {
	return c >= 0x20 && c <= 0x7e && c != '\\'
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
