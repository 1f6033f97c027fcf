package host

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/openonion/connectonion/pkg/identity"
	"github.com/openonion/connectonion/pkg/protocol"
	"github.com/openonion/connectonion/pkg/trust"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func signedEnvelope(t *testing.T, id *identity.Identity, payload map[string]any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(id.PrivateKey, id.PublicKey, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func testGate(t *testing.T, self *identity.Identity, policyLevel string) *Gate {
	t.Helper()
	policy, err := trust.LoadPolicy(policyLevel)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := trust.NewEngine(trust.NewStore(t.TempDir()), policy, nil, nil, self.Address, logger)
	return &Gate{SelfAddress: self.Address, Engine: engine}
}

func TestGate_UnsignedRejected(t *testing.T) {
	g := testGate(t, testIdentity(t), "open")

	cases := []*protocol.Envelope{
		nil,
		{},
		{Payload: map[string]any{"prompt": "hi"}},
		{Payload: map[string]any{"prompt": "hi", "timestamp": time.Now().Unix()}, Signature: "0xabc"},
	}
	for i, env := range cases {
		if _, err := g.VerifySignature(env); err == nil {
			t.Errorf("case %d: unsigned envelope accepted", i)
		}
	}
}

func TestGate_TimestampWindow(t *testing.T) {
	self := testIdentity(t)
	caller := testIdentity(t)
	g := testGate(t, self, "open")

	fresh := signedEnvelope(t, caller, map[string]any{"prompt": "hi"})
	if _, err := g.VerifySignature(fresh); err != nil {
		t.Errorf("fresh envelope rejected: %v", err)
	}

	stale := signedEnvelope(t, caller, map[string]any{
		"prompt":    "hi",
		"timestamp": time.Now().Add(-10 * time.Minute).Unix(),
	})
	if _, err := g.VerifySignature(stale); err == nil {
		t.Error("stale envelope accepted")
	}

	future := signedEnvelope(t, caller, map[string]any{
		"prompt":    "hi",
		"timestamp": time.Now().Add(10 * time.Minute).Unix(),
	})
	if _, err := g.VerifySignature(future); err == nil {
		t.Error("far-future envelope accepted")
	}
}

func TestGate_RecipientCheck(t *testing.T) {
	self := testIdentity(t)
	caller := testIdentity(t)
	other := testIdentity(t)
	g := testGate(t, self, "open")

	addressed := signedEnvelope(t, caller, map[string]any{"prompt": "hi", "to": self.Address})
	if _, err := g.VerifySignature(addressed); err != nil {
		t.Errorf("correctly addressed envelope rejected: %v", err)
	}

	misaddressed := signedEnvelope(t, caller, map[string]any{"prompt": "hi", "to": other.Address})
	if _, err := g.VerifySignature(misaddressed); err == nil {
		t.Error("misaddressed envelope accepted")
	}
}

func TestGate_TamperedPayloadRejected(t *testing.T) {
	g := testGate(t, testIdentity(t), "open")
	caller := testIdentity(t)

	env := signedEnvelope(t, caller, map[string]any{"prompt": "hi"})
	env.Payload["prompt"] = "drop all tables"
	if _, err := g.VerifySignature(env); err == nil {
		t.Error("tampered payload accepted")
	}
}

func TestGate_BlacklistBeforeSignature(t *testing.T) {
	self := testIdentity(t)
	caller := testIdentity(t)
	g := testGate(t, self, "open")
	g.Blacklist = []string{NormalizeAddress(caller.Address)}

	// Even a garbage signature from a blacklisted caller must report
	// forbidden, not a signature error: no verification work for them.
	env := &protocol.Envelope{
		Payload:   map[string]any{"prompt": "hi", "timestamp": time.Now().Unix()},
		From:      caller.Address,
		Signature: "0xgarbage",
	}
	_, err := g.VerifySignature(env)
	if err == nil {
		t.Fatal("blacklisted caller accepted")
	}
	if StatusFor(err) != 403 {
		t.Errorf("status = %d, want 403", StatusFor(err))
	}
}

func TestGate_WhitelistBypassesPolicyNotSignature(t *testing.T) {
	self := testIdentity(t)
	caller := testIdentity(t)
	g := testGate(t, self, "strict") // strict denies strangers
	g.Whitelist = []string{NormalizeAddress(caller.Address)}

	env := signedEnvelope(t, caller, map[string]any{"prompt": "hi"})
	auth, err := g.Authenticate(context.Background(), env)
	if err != nil {
		t.Fatalf("whitelisted caller denied: %v", err)
	}
	if !auth.Decision.Allow {
		t.Error("decision not allow")
	}

	// Bad signature must still fail even for whitelisted callers.
	env.Payload["prompt"] = "tampered"
	if _, err := g.Authenticate(context.Background(), env); err == nil {
		t.Error("whitelist bypassed signature verification")
	}
}

func TestGate_PolicyDenyIsForbidden(t *testing.T) {
	self := testIdentity(t)
	caller := testIdentity(t)
	g := testGate(t, self, "strict")

	env := signedEnvelope(t, caller, map[string]any{"prompt": "hi"})
	_, err := g.Authenticate(context.Background(), env)
	if err == nil {
		t.Fatal("stranger allowed under strict policy")
	}
	if StatusFor(err) != 403 {
		t.Errorf("status = %d, want 403", StatusFor(err))
	}
}

func TestGate_OpenPolicyAllows(t *testing.T) {
	self := testIdentity(t)
	caller := testIdentity(t)
	g := testGate(t, self, "open")

	env := signedEnvelope(t, caller, map[string]any{"prompt": "hello there"})
	auth, err := g.Authenticate(context.Background(), env)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if auth.Prompt != "hello there" {
		t.Errorf("Prompt = %q", auth.Prompt)
	}
	if auth.From != NormalizeAddress(caller.Address) {
		t.Errorf("From = %q", auth.From)
	}
}

func TestNormalizeAddress(t *testing.T) {
	for in, want := range map[string]string{
		"0xABCdef": "0xabcdef",
		"ABCdef":   "0xabcdef",
		"0xabc":    "0xabc",
	} {
		if got := NormalizeAddress(in); got != want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		unauthorized("x"):                          401,
		forbidden("x"):                             403,
		&Error{Category: CatBadRequest}:            400,
		&Error{Category: CatNotFound}:              404,
		&Error{Category: CatInternal, Message: ""}: 500,
	}
	for err, want := range cases {
		if got := StatusFor(err); got != want {
			t.Errorf("StatusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
