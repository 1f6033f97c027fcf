package host

import (
	"context"
	"strings"
	"time"

	"github.com/openonion/connectonion/pkg/protocol"
	"github.com/openonion/connectonion/pkg/trust"
)

// MaxTimestampSkew is the signed-request freshness window.
const MaxTimestampSkew = 300 * time.Second

// Gate authenticates signed request envelopes and applies the trust policy.
// The operator whitelist bypasses policy, never signature; the blacklist is
// checked before signature verification so blocked identities cannot probe
// the verifier.
type Gate struct {
	SelfAddress string
	Engine      *trust.Engine
	Whitelist   []string
	Blacklist   []string

	// Now is overridable in tests.
	Now func() time.Time
}

// AuthResult is a successful authentication.
type AuthResult struct {
	Prompt   string
	From     string // normalized 0x address
	Decision *trust.Decision
}

// NormalizeAddress canonicalizes a caller key or address to 0x + lowercase
// hex, the form stored in trust lists.
func NormalizeAddress(s string) string {
	return "0x" + strings.ToLower(protocol.StripHexPrefix(s))
}

func matchList(list []string, addr string) bool {
	for _, entry := range list {
		if strings.Contains(entry, "*") {
			if pattern := strings.ReplaceAll(entry, "*", ""); strings.Contains(addr, pattern) {
				return true
			}
			continue
		}
		if entry == addr {
			return true
		}
	}
	return false
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// VerifySignature runs the signature checks only (steps 1-6): envelope
// completeness, blacklist, timestamp window, recipient, Ed25519 over
// canonical JSON. It returns the normalized caller address. No identity
// bypasses signature verification.
func (g *Gate) VerifySignature(env *protocol.Envelope) (string, error) {
	if env == nil || env.Payload == nil || env.Signature == "" {
		return "", unauthorized("signed request required")
	}

	from := NormalizeAddress(env.From)
	if matchList(g.Blacklist, from) {
		return "", forbidden("blacklisted")
	}

	if env.From == "" || env.Signature == "" {
		return "", unauthorized("signed request required")
	}
	ts := env.Timestamp()
	if ts == 0 {
		return "", unauthorized("signed request required")
	}

	skew := g.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxTimestampSkew {
		return "", unauthorized("signature expired")
	}

	if to, ok := env.Payload["to"].(string); ok && to != "" {
		if NormalizeAddress(to) != NormalizeAddress(g.SelfAddress) {
			return "", unauthorized("wrong recipient")
		}
	}

	ok, err := protocol.Verify(env.From, env.Signature, env.Payload)
	if err != nil || !ok {
		return "", unauthorized("invalid signature")
	}
	return from, nil
}

// Authenticate runs the full gate: signature verification, then the trust
// policy (unless the caller is on the operator whitelist).
func (g *Gate) Authenticate(ctx context.Context, env *protocol.Envelope) (*AuthResult, error) {
	from, err := g.VerifySignature(env)
	if err != nil {
		return nil, err
	}

	prompt := env.Prompt()
	if matchList(g.Whitelist, from) {
		return &AuthResult{
			Prompt:   prompt,
			From:     from,
			Decision: &trust.Decision{Allow: true, Reason: "operator whitelist"},
		}, nil
	}

	request := map[string]any{"prompt": prompt}
	if code, ok := env.Payload["invite_code"]; ok {
		request["invite_code"] = code
	}
	if payment, ok := env.Payload["payment"]; ok {
		request["payment"] = payment
	}

	decision := g.Engine.Decide(ctx, from, request)
	if !decision.Allow {
		return nil, forbidden(decision.Reason)
	}
	return &AuthResult{Prompt: prompt, From: from, Decision: decision}, nil
}
