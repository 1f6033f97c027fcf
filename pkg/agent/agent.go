// Package agent defines the contract between the host and the agent worker,
// the per-invocation I/O channel that streams events between them, and the
// invoker that runs one agent per request.
//
// The host never interprets what the agent does with a prompt; it only
// requires that Run consumes a prompt, may emit events on the channel, and
// returns a result with optional opaque session state for client-side
// continuation.
package agent

import (
	"context"
	"encoding/json"
)

// Result is what an agent returns from one invocation.
type Result struct {
	Output string
	// Session is the agent's post-run internal state, surfaced verbatim to
	// the client. The host treats it as opaque and immutable.
	Session json.RawMessage
}

// Agent consumes a prompt and produces a result, optionally streaming
// intermediate events on the channel. Implementations must be safe to
// abandon: the host may stop reading events if the client disconnects.
type Agent interface {
	Run(ctx context.Context, prompt string, session json.RawMessage, ch *Channel) (*Result, error)
}

// Factory produces a fresh agent per request. Agents with internal mutable
// state (a browser, an open connection) must be constructed here so no state
// leaks across requests.
type Factory func() (Agent, error)
