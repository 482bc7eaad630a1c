package crypto

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"math/big"
)

// DenomPublicKey is an exchange denomination key: an RSA public key whose
// full-domain-hash signatures certify coins of one fixed value.
type DenomPublicKey struct {
	N *big.Int
	E int
}

const denomPubMinLen = 5

// ParseDenomPub decodes the Crockford base32 wire form: exponent (u32 BE)
// followed by the modulus bytes.
func ParseDenomPub(s string) (*DenomPublicKey, error) {
	raw, err := DecodeCrock(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse denomination key: %w", err)
	}
	if len(raw) < denomPubMinLen {
		return nil, fmt.Errorf("crypto: denomination key too short: %d bytes", len(raw))
	}
	e := binary.BigEndian.Uint32(raw[:4])
	n := new(big.Int).SetBytes(raw[4:])
	if n.Sign() <= 0 || e == 0 {
		return nil, fmt.Errorf("crypto: denomination key degenerate")
	}
	return &DenomPublicKey{N: n, E: int(e)}, nil
}

// Encode renders the binary wire form.
func (d *DenomPublicKey) Encode() []byte {
	mod := d.N.Bytes()
	out := make([]byte, 4+len(mod))
	binary.BigEndian.PutUint32(out[:4], uint32(d.E))
	copy(out[4:], mod)
	return out
}

// String renders the Crockford base32 wire form.
func (d *DenomPublicKey) String() string {
	return EncodeCrock(d.Encode())
}

// Hash derives the denomination key hash wallets reference planchets by.
func (d *DenomPublicKey) Hash() Hash {
	return HashBytes(d.Encode())
}

// FDH maps a message onto Z_n with a SHA-512 mask generation function. Both
// signer and verifier must use the identical mapping.
func FDH(msg []byte, n *big.Int) *big.Int {
	k := (n.BitLen() + 7) / 8
	out := make([]byte, 0, k+sha512.Size)
	var counter [4]byte
	for i := uint32(0); len(out) < k; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		h := sha512.New()
		h.Write(msg)
		h.Write(counter[:])
		out = h.Sum(out)
	}
	m := new(big.Int).SetBytes(out[:k])
	return m.Mod(m, n)
}

// VerifySignature checks a full-domain-hash RSA signature over msg:
// sig^e mod n must equal FDH(msg).
func (d *DenomPublicKey) VerifySignature(msg, sig []byte) bool {
	s := new(big.Int).SetBytes(sig)
	if s.Cmp(d.N) >= 0 {
		return false
	}
	recovered := new(big.Int).Exp(s, big.NewInt(int64(d.E)), d.N)
	return recovered.Cmp(FDH(msg, d.N)) == 0
}
