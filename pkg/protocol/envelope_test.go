package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelope_SignsAndStampsTimestamp(t *testing.T) {
	pub, priv := testKeypair(t)

	env, err := NewEnvelope(priv, pub, map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Timestamp() == 0 {
		t.Error("timestamp not injected")
	}
	if env.From != "0x"+addrHex(pub) {
		t.Errorf("From = %q", env.From)
	}

	ok, err := Verify(env.From, env.Signature, env.Payload)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v; want true", ok, err)
	}
}

func TestParseEnvelope_IgnoresTransportFields(t *testing.T) {
	env := ParseEnvelope(map[string]any{
		"type":      MsgInput,
		"input_id":  "abc",
		"payload":   map[string]any{"prompt": "hello", "timestamp": float64(1737000000)},
		"from":      "0xdeadbeef",
		"signature": "0x1234",
	})
	if env.Prompt() != "hello" {
		t.Errorf("Prompt = %q", env.Prompt())
	}
	if env.Timestamp() != 1737000000 {
		t.Errorf("Timestamp = %d", env.Timestamp())
	}
	if env.From != "0xdeadbeef" || env.Signature != "0x1234" {
		t.Errorf("From/Signature = %q/%q", env.From, env.Signature)
	}
}

func TestEnvelope_TimestampForms(t *testing.T) {
	cases := map[string]any{
		"float":  float64(1737000000),
		"int64":  int64(1737000000),
		"int":    int(1737000000),
		"number": json.Number("1737000000"),
	}
	for name, v := range cases {
		env := &Envelope{Payload: map[string]any{"timestamp": v}}
		if got := env.Timestamp(); got != 1737000000 {
			t.Errorf("%s: Timestamp = %d", name, got)
		}
	}

	env := &Envelope{Payload: map[string]any{"timestamp": "soon"}}
	if env.Timestamp() != 0 {
		t.Error("non-numeric timestamp should be 0")
	}
}

func TestNewEvent_StampsIDAndTS(t *testing.T) {
	e := NewEvent(EventThinking, map[string]any{"content": "hmm"})
	if e.Type() != EventThinking {
		t.Errorf("Type = %q", e.Type())
	}
	if e.String("id") == "" {
		t.Error("id missing")
	}
	if _, ok := e["ts"].(float64); !ok {
		t.Error("ts missing")
	}
	if e.String("content") != "hmm" {
		t.Error("fields not merged")
	}
}
