package host

import (
	"context"

	"github.com/openonion/connectonion/pkg/protocol"
	"github.com/openonion/connectonion/pkg/trust"
)

// handleOnboard processes ONBOARD_SUBMIT: a signed request to promote the
// caller to contact via invite code or verified payment. Signature checks are
// never skipped; a blocked identity cannot onboard its way out.
func (c *wsConn) handleOnboard(ctx context.Context, msg map[string]any) {
	env := protocol.ParseEnvelope(msg)
	from, err := c.srv.gate.VerifySignature(env)
	if err != nil {
		c.sendError(err)
		return
	}

	engine := c.srv.engine
	level, err := engine.Store().GetLevel(from)
	if err != nil {
		c.sendError(&Error{Category: CatInternal, Message: "trust store unreadable"})
		return
	}
	if level == trust.LevelBlocked {
		c.sendError(forbidden("blocked"))
		return
	}

	// Invite code first, payment second. A verification error on one method
	// does not stop the other from being tried.
	if code, _ := env.Payload["invite_code"].(string); code != "" {
		ok, err := engine.VerifyInvite(from, code)
		if err != nil {
			c.srv.logger.Warn("invite verification failed", "address", from, "error", err)
		}
		if ok {
			c.sendOnboardSuccess()
			return
		}
	}

	ok, err := engine.VerifyPayment(ctx, from)
	if err != nil {
		c.srv.logger.Warn("payment verification failed", "address", from, "error", err)
	}
	if ok {
		c.sendOnboardSuccess()
		return
	}

	c.sendError(forbidden("onboarding failed"))
}

func (c *wsConn) sendOnboardSuccess() {
	c.send(map[string]any{
		"type":  protocol.MsgOnboardSuccess,
		"level": string(trust.LevelContact),
	})
}

// handleAdmin processes ADMIN_* messages: signed trust-list management.
// Any admin may manage trust levels; only the host itself may change the
// admins list.
func (c *wsConn) handleAdmin(ctx context.Context, msg map[string]any) {
	env := protocol.ParseEnvelope(msg)
	from, err := c.srv.gate.VerifySignature(env)
	if err != nil {
		c.sendError(err)
		return
	}

	engine := c.srv.engine
	if !engine.IsAdmin(from) {
		c.sendError(forbidden("admin required"))
		return
	}

	target, _ := env.Payload["address"].(string)
	if target == "" {
		c.sendAdminResult(false, "address required", "")
		return
	}
	target = NormalizeAddress(target)
	store := engine.Store()

	msgType, _ := msg["type"].(string)
	switch msgType {
	case "ADMIN_PROMOTE":
		if err := store.PromoteToWhitelist(target); err != nil {
			c.sendAdminResult(false, err.Error(), "")
			return
		}
		c.sendAdminResult(true, "promoted to whitelist", string(trust.LevelWhitelist))

	case "ADMIN_DEMOTE":
		if err := store.Demote(target); err != nil {
			c.sendAdminResult(false, err.Error(), "")
			return
		}
		c.sendAdminResult(true, "demoted", string(trust.LevelContact))

	case "ADMIN_BLOCK":
		if err := store.Block(target); err != nil {
			c.sendAdminResult(false, err.Error(), "")
			return
		}
		c.sendAdminResult(true, "blocked", string(trust.LevelBlocked))

	case "ADMIN_UNBLOCK":
		if err := store.Unblock(target); err != nil {
			c.sendAdminResult(false, err.Error(), "")
			return
		}
		level, _ := store.GetLevel(target)
		c.sendAdminResult(true, "unblocked", string(level))

	case "ADMIN_GET_LEVEL":
		level, err := store.GetLevel(target)
		if err != nil {
			c.sendAdminResult(false, err.Error(), "")
			return
		}
		c.sendAdminResult(true, "", string(level))

	case "ADMIN_ADD":
		if !engine.IsSuperAdmin(from) {
			c.sendError(forbidden("super admin required"))
			return
		}
		if err := store.Add(trust.ListAdmins, target); err != nil {
			c.sendAdminResult(false, err.Error(), "")
			return
		}
		c.sendAdminResult(true, "admin added", "")

	case "ADMIN_REMOVE":
		if !engine.IsSuperAdmin(from) {
			c.sendError(forbidden("super admin required"))
			return
		}
		if err := store.Remove(trust.ListAdmins, target); err != nil {
			c.sendAdminResult(false, err.Error(), "")
			return
		}
		c.sendAdminResult(true, "admin removed", "")

	default:
		c.sendAdminResult(false, "unknown admin operation "+msgType, "")
	}
}

func (c *wsConn) sendAdminResult(success bool, message, level string) {
	out := map[string]any{
		"type":    protocol.MsgAdminResult,
		"success": success,
		"message": message,
	}
	if level != "" {
		out["level"] = level
	}
	c.send(out)
}
