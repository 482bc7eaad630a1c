package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// SeedLength is the on-disk and in-database length of an EdDSA private key.
const SeedLength = ed25519.SeedSize

// PublicKeyLength is the length of an EdDSA public key.
const PublicKeyLength = ed25519.PublicKeySize

// SignatureLength is the length of an EdDSA signature.
const SignatureLength = ed25519.SignatureSize

// --- Key Management ---

// PrivateKey is an EdDSA signing key. Keys are persisted and exchanged in the
// 32-byte seed form.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// PublicKey is an EdDSA verification key.
type PublicKey struct {
	key ed25519.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// Bytes returns the 32-byte seed representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Seed()
}

func (k *PrivateKey) PubKey() *PublicKey {
	pub := k.key.Public().(ed25519.PublicKey)
	return &PublicKey{key: pub}
}

// Sign produces an EdDSA signature over msg.
func (k *PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.key, msg)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != SeedLength {
		return nil, fmt.Errorf("crypto: private key must be %d bytes, got %d", SeedLength, len(b))
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(b)}, nil
}

// Equal reports whether both keys hold the same seed.
func (k *PrivateKey) Equal(other *PrivateKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return bytes.Equal(k.Bytes(), other.Bytes())
}

// Bytes returns the raw 32-byte public key.
func (k *PublicKey) Bytes() []byte {
	return []byte(k.key)
}

// String renders the public key in Crockford base32, the form used in JSON
// bodies and configuration files.
func (k *PublicKey) String() string {
	return EncodeCrock(k.Bytes())
}

// Verify checks an EdDSA signature over msg.
func (k *PublicKey) Verify(msg, sig []byte) bool {
	if len(sig) != SignatureLength {
		return false
	}
	return ed25519.Verify(k.key, msg, sig)
}

func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != PublicKeyLength {
		return nil, fmt.Errorf("crypto: public key must be %d bytes, got %d", PublicKeyLength, len(b))
	}
	key := make(ed25519.PublicKey, PublicKeyLength)
	copy(key, b)
	return &PublicKey{key: key}, nil
}

// ParsePublicKey decodes a Crockford base32 public key.
func ParsePublicKey(s string) (*PublicKey, error) {
	raw, err := DecodeCrock(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	return PublicKeyFromBytes(raw)
}

// Equal reports whether both public keys are the same key.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return bytes.Equal(k.Bytes(), other.Bytes())
}
