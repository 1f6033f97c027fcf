package protocol

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Envelope is the signed request wrapper accepted by every entry point
// (HTTP /input, WS INPUT, relay INPUT, onboarding, admin messages).
//
//	payload   — at least {"prompt": ..., "timestamp": unix seconds}
//	from      — hex-encoded Ed25519 public key of the caller
//	signature — Ed25519 over CanonicalJSON(payload), hex
type Envelope struct {
	Payload   map[string]any `json:"payload"`
	From      string         `json:"from"`
	Signature string         `json:"signature"`
}

// NewEnvelope builds and signs an envelope for the given payload. The
// timestamp is injected if the caller did not set one.
func NewEnvelope(priv ed25519.PrivateKey, pub ed25519.PublicKey, payload map[string]any) (*Envelope, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().Unix()
	}
	sig, err := Sign(priv, payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Payload:   payload,
		From:      "0x" + hex.EncodeToString(pub),
		Signature: sig,
	}, nil
}

// ParseEnvelope extracts an envelope from a decoded JSON message. Extra
// top-level fields (type, input_id, ...) are ignored.
func ParseEnvelope(msg map[string]any) *Envelope {
	env := &Envelope{}
	if p, ok := msg["payload"].(map[string]any); ok {
		env.Payload = p
	}
	env.From, _ = msg["from"].(string)
	env.Signature, _ = msg["signature"].(string)
	return env
}

// Timestamp returns the payload's unix timestamp, or 0 when missing or
// non-numeric.
func (e *Envelope) Timestamp() int64 {
	switch v := e.Payload["timestamp"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// Prompt returns the payload's prompt string.
func (e *Envelope) Prompt() string {
	s, _ := e.Payload["prompt"].(string)
	return s
}
