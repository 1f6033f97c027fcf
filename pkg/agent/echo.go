package agent

import (
	"context"
	"encoding/json"

	"github.com/openonion/connectonion/pkg/protocol"
)

// EchoAgent is a deterministic agent for tests and local smoke runs: it
// emits a thinking event and returns the prompt back.
type EchoAgent struct {
	// Delay hooks let tests simulate a slow agent.
	BeforeRun func()
}

// NewEchoFactory returns a factory producing echo agents.
func NewEchoFactory() Factory {
	return func() (Agent, error) { return &EchoAgent{}, nil }
}

// Run echoes the prompt.
func (a *EchoAgent) Run(ctx context.Context, prompt string, sessionState json.RawMessage, ch *Channel) (*Result, error) {
	if a.BeforeRun != nil {
		a.BeforeRun()
	}
	ch.Emit(protocol.EventThinking, map[string]any{"content": "echoing"})

	state, _ := json.Marshal(map[string]any{"last_prompt": prompt})
	return &Result{Output: "echo: " + prompt, Session: state}, nil
}
