// Package identity manages the host's Ed25519 keypair and the address
// derived from it. An address is the hex-encoded public key with a 0x
// prefix; it is globally unique and stable across restarts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Identity is a loaded keypair plus its derived address.
type Identity struct {
	Address    string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// AddressFor derives the 0x-hex address for a public key.
func AddressFor(pub ed25519.PublicKey) string {
	return "0x" + hex.EncodeToString(pub)
}

// Short returns the display form of an address: the first 10 hex characters.
func Short(addr string) string {
	h := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(h) > 10 {
		h = h[:10]
	}
	return h
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{Address: AddressFor(pub), PublicKey: pub, PrivateKey: priv}, nil
}

// Load reads an identity from the key file written by Save: a single line of
// hex holding either the 32-byte seed or the full 64-byte private key.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(string(data), "0x")))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("key file %s: unexpected key length %d", path, len(raw))
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Address: AddressFor(pub), PublicKey: pub, PrivateKey: priv}, nil
}

// Save writes the private key seed to path with owner-only permissions,
// creating parent directories as needed.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	seed := hex.EncodeToString(id.PrivateKey.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// LoadOrGenerate loads the identity at path, generating and saving a new one
// if the file does not exist.
func LoadOrGenerate(path string) (*Identity, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	return Load(path)
}
