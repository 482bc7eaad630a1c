package crypto

import (
	"encoding/base32"
	"fmt"
	"strings"
)

// Crockford base32 is the encoding used for all binary data in JSON bodies,
// query parameters and configuration values.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var crockford = base32.NewEncoding(crockfordAlphabet).WithPadding(base32.NoPadding)

// EncodeCrock encodes raw bytes in Crockford base32 without padding.
func EncodeCrock(b []byte) string {
	return crockford.EncodeToString(b)
}

// DecodeCrock decodes Crockford base32. Lowercase input and the usual
// ambiguous characters (O/0, I/L/1, U/V) are accepted.
func DecodeCrock(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("crypto: empty base32 input")
	}
	normalized := normalizeCrock(s)
	out, err := crockford.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid base32 input: %w", err)
	}
	return out, nil
}

func normalizeCrock(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		switch c {
		case 'O':
			c = '0'
		case 'I', 'L':
			c = '1'
		case 'U':
			c = 'V'
		}
		b.WriteByte(c)
	}
	return b.String()
}
