package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Decision is the outcome of a trust evaluation.
type Decision struct {
	Allow   bool   `json:"allow"`
	Reason  string `json:"reason"`
	UsedLLM bool   `json:"used_llm,omitempty"`
}

// Evaluator decides ambiguous requests. It is the single narrow interface to
// the policy-evaluating LLM; the policy body is its system prompt.
type Evaluator interface {
	Evaluate(ctx context.Context, identity string, request map[string]any) (allow bool, reason string, err error)
}

// Engine applies the trust policy: zero-cost fast rules first, then
// onboarding promotion, then the configured default, escalating to the
// Evaluator only when the default is "ask".
type Engine struct {
	store     *Store
	policy    *Policy
	evaluator Evaluator
	payments  PaymentVerifier
	selfAddr  string
	logger    *slog.Logger

	// LLMTimeout bounds a single Evaluate call. A timeout is a deny.
	LLMTimeout time.Duration
}

// NewEngine creates a trust engine. evaluator and payments may be nil; the
// corresponding paths then resolve to deny / failure.
func NewEngine(store *Store, policy *Policy, evaluator Evaluator, payments PaymentVerifier, selfAddr string, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		policy:     policy,
		evaluator:  evaluator,
		payments:   payments,
		selfAddr:   selfAddr,
		logger:     logger,
		LLMTimeout: 30 * time.Second,
	}
}

// Policy returns the engine's loaded policy.
func (e *Engine) Policy() *Policy { return e.policy }

// Store returns the underlying trust store.
func (e *Engine) Store() *Store { return e.store }

// Decide evaluates a request from address. request may carry "invite_code"
// and "payment" for onboarding. Failures never fail open: any error on the
// decision path resolves to deny with a reason.
func (e *Engine) Decide(ctx context.Context, address string, request map[string]any) *Decision {
	d, pending := e.fastRules(address, request)
	if !pending {
		return d
	}

	// default: ask — escalate to the LLM evaluator.
	if e.evaluator == nil {
		return &Decision{Allow: false, Reason: "no evaluator configured"}
	}
	evalCtx, cancel := context.WithTimeout(ctx, e.LLMTimeout)
	defer cancel()
	allow, reason, err := e.evaluator.Evaluate(evalCtx, address, request)
	if err != nil {
		e.logger.Warn("trust evaluator failed", "address", address, "error", err)
		return &Decision{Allow: false, Reason: fmt.Sprintf("evaluator error: %v", err), UsedLLM: true}
	}
	return &Decision{Allow: allow, Reason: reason, UsedLLM: true}
}

// fastRules runs the zero-cost rules. pending is true when the policy says
// "ask" and no rule fired.
func (e *Engine) fastRules(address string, request map[string]any) (d *Decision, pending bool) {
	level, err := e.store.GetLevel(address)
	if err != nil {
		return &Decision{Allow: false, Reason: fmt.Sprintf("trust store unreadable: %v", err)}, false
	}

	// deny is evaluated before allow.
	for _, cond := range e.policy.Deny {
		if cond == "blocked" && level == LevelBlocked {
			return &Decision{Allow: false, Reason: "blocked"}, false
		}
	}

	for _, cond := range e.policy.Allow {
		switch cond {
		case "whitelisted":
			if level == LevelWhitelist {
				return &Decision{Allow: true, Reason: "whitelisted"}, false
			}
		case "contact":
			if level == LevelContact || level == LevelWhitelist {
				return &Decision{Allow: true, Reason: "contact"}, false
			}
		case "stranger":
			return &Decision{Allow: true, Reason: "open to strangers"}, false
		}
	}

	// Onboarding supplied inline with the request promotes before the final
	// allow evaluation.
	if e.policy.Onboard != nil {
		if code, _ := request["invite_code"].(string); code != "" {
			for _, c := range e.policy.Onboard.InviteCodes {
				if c == code {
					if err := e.store.PromoteToContact(address); err != nil {
						return &Decision{Allow: false, Reason: fmt.Sprintf("promotion failed: %v", err)}, false
					}
					return &Decision{Allow: true, Reason: "onboarded via invite code"}, false
				}
			}
		}
		if e.policy.Onboard.Payment > 0 {
			if paid := numberField(request, "payment"); paid >= e.policy.Onboard.Payment {
				if err := e.store.PromoteToContact(address); err != nil {
					return &Decision{Allow: false, Reason: fmt.Sprintf("promotion failed: %v", err)}, false
				}
				return &Decision{Allow: true, Reason: "onboarded via payment"}, false
			}
		}
	}

	switch e.policy.Default {
	case "allow":
		return &Decision{Allow: true, Reason: "default allow"}, false
	case "ask":
		return nil, true
	default:
		// "deny" and anything unrecognized.
		return &Decision{Allow: false, Reason: "default deny"}, false
	}
}

// VerifyInvite promotes address to contact when code is a configured invite
// code.
func (e *Engine) VerifyInvite(address, code string) (bool, error) {
	if e.policy.Onboard == nil {
		return false, nil
	}
	for _, c := range e.policy.Onboard.InviteCodes {
		if c == code {
			if err := e.store.PromoteToContact(address); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// VerifyPayment checks with the external payment service that address paid
// at least the policy's required amount, and promotes on success.
func (e *Engine) VerifyPayment(ctx context.Context, address string) (bool, error) {
	if e.payments == nil || e.policy.Onboard == nil || e.policy.Onboard.Payment <= 0 {
		return false, nil
	}
	ok, err := e.payments.VerifyTransfer(ctx, address, e.selfAddr, e.policy.Onboard.Payment)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := e.store.PromoteToContact(address); err != nil {
		return false, err
	}
	return true, nil
}

// IsAdmin reports whether address may perform admin operations. The host's
// own address is always admin.
func (e *Engine) IsAdmin(address string) bool {
	if address == e.selfAddr {
		return true
	}
	ok, err := e.store.IsAdmin(address)
	if err != nil {
		e.logger.Warn("admins list unreadable", "error", err)
		return false
	}
	return ok
}

// IsSuperAdmin reports whether address is the host itself. Only the
// super-admin may add or remove other admins.
func (e *Engine) IsSuperAdmin(address string) bool {
	return address == e.selfAddr
}

func numberField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}
