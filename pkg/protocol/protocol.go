// Package protocol defines the wire protocol shared by the agent host, the
// relay uplink, and dial-out clients: message type constants, the signed
// request envelope, and the canonical JSON serialization that Ed25519
// signatures are computed over.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Transport-level message types. These are handled by the host or the relay
// themselves; everything else on an event stream is passed through opaquely.
const (
	MsgInput           = "INPUT"
	MsgOutput          = "OUTPUT"
	MsgPing            = "PING"
	MsgPong            = "PONG"
	MsgError           = "ERROR"
	MsgAnnounce        = "ANNOUNCE"
	MsgOnboardRequired = "ONBOARD_REQUIRED"
	MsgOnboardSubmit   = "ONBOARD_SUBMIT"
	MsgOnboardSuccess  = "ONBOARD_SUCCESS"
	MsgAdminResult     = "ADMIN_RESULT"

	// AdminPrefix marks admin management messages (ADMIN_PROMOTE, ADMIN_BLOCK, ...).
	AdminPrefix = "ADMIN_"
)

// Agent event types recognized by name. The pump never interprets their
// bodies; the names exist so clients can render them.
const (
	EventThinking       = "thinking"
	EventToolCall       = "tool_call"
	EventToolResult     = "tool_result"
	EventApprovalNeeded = "approval_needed"
	EventAskUser        = "ask_user"
	EventAgentImage     = "agent_image"
)

// Event is a free-form message on the agent event stream. A "type" field is
// required; server-generated events additionally carry "id" and "ts".
type Event map[string]any

// NewEvent builds a server-generated event with a unique id and a timestamp.
func NewEvent(eventType string, fields map[string]any) Event {
	e := Event{
		"type": eventType,
		"id":   uuid.NewString(),
		"ts":   float64(time.Now().UnixNano()) / 1e9,
	}
	for k, v := range fields {
		e[k] = v
	}
	return e
}

// Type returns the event's type string, or "" if absent.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

// String returns a string field from the event, or "" if absent.
func (e Event) String(key string) string {
	s, _ := e[key].(string)
	return s
}
