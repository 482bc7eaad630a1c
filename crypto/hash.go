package crypto

import (
	"bytes"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// HashLength is the length of all protocol hashes (SHA-512).
const HashLength = sha512.Size

// Hash is a 64-byte SHA-512 digest: contract hashes, wire hashes, pay keys
// and pickup identifiers are all values of this type.
type Hash [HashLength]byte

// HashBytes digests the concatenation of the given byte slices.
func HashBytes(parts ...[]byte) Hash {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (h Hash) Bytes() []byte { return h[:] }

// String renders the hash in Crockford base32.
func (h Hash) String() string { return EncodeCrock(h[:]) }

// ParseHash decodes a Crockford base32 hash string.
func ParseHash(s string) (Hash, error) {
	raw, err := DecodeCrock(s)
	if err != nil {
		return Hash{}, err
	}
	if len(raw) != HashLength {
		return Hash{}, fmt.Errorf("crypto: hash must be %d bytes, got %d", HashLength, len(raw))
	}
	var out Hash
	copy(out[:], raw)
	return out, nil
}

// CanonicalJSON re-encodes a JSON document deterministically: object keys
// sorted lexicographically, number literals preserved, no insignificant
// whitespace. Wallets and merchant must agree on these rules so that both
// sides derive the same contract hash.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("crypto: canonicalize: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("crypto: canonicalize: trailing data")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case json.Number:
		buf.WriteString(t.String())
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("crypto: canonicalize: unsupported type %T", v)
	}
	return nil
}

// HashContractTerms derives the contract hash: SHA-512 over the canonical
// JSON form of the contract terms document.
func HashContractTerms(raw json.RawMessage) (Hash, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(canonical), nil
}

// PayKey derives the wake-up channel identifier for an order:
// SHA-512(order_id || merchant_pub).
func PayKey(orderID string, merchantPub *PublicKey) Hash {
	return HashBytes([]byte(orderID), merchantPub.Bytes())
}
