package trust

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type stubEvaluator struct {
	allow  bool
	reason string
	err    error
	called bool
}

func (s *stubEvaluator) Evaluate(ctx context.Context, identity string, request map[string]any) (bool, string, error) {
	s.called = true
	return s.allow, s.reason, s.err
}

type stubPayments struct {
	ok  bool
	err error
}

func (s *stubPayments) VerifyTransfer(ctx context.Context, payer, payee string, amount float64) (bool, error) {
	return s.ok, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T, policy *Policy, eval Evaluator, pay PaymentVerifier) (*Engine, *Store) {
	t.Helper()
	store := tempStore(t)
	return NewEngine(store, policy, eval, pay, "0xself", quietLogger()), store
}

func TestEngine_DenyBeforeAllow(t *testing.T) {
	policy := &Policy{Allow: []string{"whitelisted"}, Deny: []string{"blocked"}, Default: "deny"}
	e, store := testEngine(t, policy, nil, nil)

	// On both lists: blocked must win.
	store.PromoteToWhitelist("0xabc")
	store.Block("0xabc")

	d := e.Decide(context.Background(), "0xabc", nil)
	if d.Allow {
		t.Error("blocked identity allowed")
	}
}

func TestEngine_AllowRules(t *testing.T) {
	policy := &Policy{Allow: []string{"whitelisted", "contact"}, Default: "deny"}
	e, store := testEngine(t, policy, nil, nil)

	if d := e.Decide(context.Background(), "0xnobody", nil); d.Allow {
		t.Error("stranger allowed under default deny")
	}

	store.PromoteToContact("0xfriend")
	if d := e.Decide(context.Background(), "0xfriend", nil); !d.Allow {
		t.Errorf("contact denied: %s", d.Reason)
	}

	// The contact rule also admits whitelist level.
	store.PromoteToWhitelist("0xvip")
	if d := e.Decide(context.Background(), "0xvip", nil); !d.Allow {
		t.Errorf("whitelisted denied: %s", d.Reason)
	}
}

func TestEngine_OpenPolicyAdmitsStrangers(t *testing.T) {
	policy, err := LoadPolicy("open")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	e, _ := testEngine(t, policy, nil, nil)
	if d := e.Decide(context.Background(), "0xanyone", nil); !d.Allow {
		t.Errorf("open policy denied stranger: %s", d.Reason)
	}
}

func TestEngine_InviteCodePromotes(t *testing.T) {
	policy := &Policy{
		Onboard: &Onboard{InviteCodes: []string{"SECRET"}},
		Default: "deny",
	}
	e, store := testEngine(t, policy, nil, nil)

	d := e.Decide(context.Background(), "0xnew", map[string]any{"invite_code": "SECRET"})
	if !d.Allow {
		t.Fatalf("valid invite denied: %s", d.Reason)
	}
	level, _ := store.GetLevel("0xnew")
	if level != LevelContact {
		t.Errorf("level = %q, want contact", level)
	}

	if d := e.Decide(context.Background(), "0xother", map[string]any{"invite_code": "WRONG"}); d.Allow {
		t.Error("bad invite code allowed")
	}
}

func TestEngine_PaymentFieldPromotes(t *testing.T) {
	policy := &Policy{
		Onboard: &Onboard{Payment: 5},
		Default: "deny",
	}
	e, _ := testEngine(t, policy, nil, nil)

	if d := e.Decide(context.Background(), "0xpayer", map[string]any{"payment": 5.0}); !d.Allow {
		t.Errorf("sufficient payment denied: %s", d.Reason)
	}
	if d := e.Decide(context.Background(), "0xcheap", map[string]any{"payment": 1.0}); d.Allow {
		t.Error("insufficient payment allowed")
	}
}

func TestEngine_AskEscalatesToEvaluator(t *testing.T) {
	policy := &Policy{Default: "ask", Body: "judge carefully"}
	eval := &stubEvaluator{allow: true, reason: "looks fine"}
	e, _ := testEngine(t, policy, eval, nil)

	d := e.Decide(context.Background(), "0xunknown", map[string]any{"prompt": "hello"})
	if !eval.called {
		t.Fatal("evaluator not consulted")
	}
	if !d.Allow || !d.UsedLLM {
		t.Errorf("decision = %+v", d)
	}
}

func TestEngine_EvaluatorErrorDenies(t *testing.T) {
	policy := &Policy{Default: "ask"}
	eval := &stubEvaluator{err: errors.New("api down")}
	e, _ := testEngine(t, policy, eval, nil)

	d := e.Decide(context.Background(), "0xunknown", nil)
	if d.Allow {
		t.Error("evaluator failure must not fail open")
	}
}

func TestEngine_NoEvaluatorDenies(t *testing.T) {
	policy := &Policy{Default: "ask"}
	e, _ := testEngine(t, policy, nil, nil)
	if d := e.Decide(context.Background(), "0xunknown", nil); d.Allow {
		t.Error("ask with no evaluator must deny")
	}
}

func TestEngine_UnrecognizedDefaultDenies(t *testing.T) {
	policy := &Policy{Default: "yolo"}
	e, _ := testEngine(t, policy, nil, nil)
	if d := e.Decide(context.Background(), "0xunknown", nil); d.Allow {
		t.Error("unrecognized default must deny")
	}
}

func TestEngine_VerifyPayment(t *testing.T) {
	policy := &Policy{Onboard: &Onboard{Payment: 5}}
	e, store := testEngine(t, policy, nil, &stubPayments{ok: true})

	ok, err := e.VerifyPayment(context.Background(), "0xpayer")
	if err != nil || !ok {
		t.Fatalf("VerifyPayment = %v, %v", ok, err)
	}
	level, _ := store.GetLevel("0xpayer")
	if level != LevelContact {
		t.Errorf("level = %q, want contact", level)
	}
}

func TestEngine_Admins(t *testing.T) {
	e, store := testEngine(t, &Policy{Default: "deny"}, nil, nil)

	if !e.IsAdmin("0xself") || !e.IsSuperAdmin("0xself") {
		t.Error("host must be super admin")
	}
	if e.IsAdmin("0xother") {
		t.Error("unexpected admin")
	}
	store.Add(ListAdmins, "0xother")
	if !e.IsAdmin("0xother") {
		t.Error("listed admin not recognized")
	}
	if e.IsSuperAdmin("0xother") {
		t.Error("listed admin must not be super admin")
	}
}
