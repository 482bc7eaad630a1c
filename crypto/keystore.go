package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// SaveToKeyfile writes the private key seed to path with owner-only
// permissions. If the parent directory does not exist it is created with
// 0700 permissions. The write goes through a temporary file and rename so a
// crash never leaves a truncated key behind.
func SaveToKeyfile(path string, key *PrivateKey) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keyfile path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "keyfile-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(key.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadFromKeyfile reads a 32-byte seed file written by SaveToKeyfile.
func LoadFromKeyfile(path string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keyfile path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: keyfile %s: %w", path, err)
	}
	return key, nil
}

// EnsureKeyfile loads the key at path, generating and persisting a fresh one
// when the file does not exist yet. The boolean reports whether a new key was
// created.
func EnsureKeyfile(path string) (*PrivateKey, bool, error) {
	key, err := LoadFromKeyfile(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	key, err = GeneratePrivateKey()
	if err != nil {
		return nil, false, err
	}
	if err := SaveToKeyfile(path, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}
