package protocol

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CanonicalJSON serializes v with lexicographically sorted object keys and
// compact separators. This is the exact byte sequence signatures are computed
// over, so it must be identical on the sign and verify paths regardless of
// the key order the caller used.
//
// Numbers pass through json.Number so a payload that arrived as "1737000000"
// is re-emitted byte-for-byte, not through a float round trip.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	// Encode appends a newline; the signature input must not include it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// StripHexPrefix removes an optional 0x/0X prefix from a hex string.
func StripHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

// Sign signs the canonical JSON of payload and returns the signature as a
// 0x-prefixed hex string.
func Sign(priv ed25519.PrivateKey, payload any) (string, error) {
	data, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(ed25519.Sign(priv, data)), nil
}

// Verify checks an Ed25519 signature over the canonical JSON of payload.
// pubHex and sigHex accept an optional 0x prefix.
func Verify(pubHex, sigHex string, payload any) (bool, error) {
	pub, err := hex.DecodeString(StripHexPrefix(pubHex))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key")
	}
	sig, err := hex.DecodeString(StripHexPrefix(sigHex))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature encoding")
	}
	data, err := CanonicalJSON(payload)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
