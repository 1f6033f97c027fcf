package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openonion/connectonion/pkg/session"
)

// InvokeResult is what the host returns to a caller after one invocation.
type InvokeResult struct {
	SessionID  string
	Result     string
	DurationMS int64
	Session    json.RawMessage
}

// Invoker constructs a fresh agent per request, persists the session record,
// runs the agent, and re-saves the record on clean completion. On failure
// the record stays running and naturally expires.
type Invoker struct {
	factory Factory
	store   session.Store
	ttl     time.Duration
	logger  *slog.Logger
}

// NewInvoker creates an invoker. ttl is the result TTL applied to each
// record at write time.
func NewInvoker(factory Factory, store session.Store, ttl time.Duration, logger *slog.Logger) *Invoker {
	return &Invoker{factory: factory, store: store, ttl: ttl, logger: logger}
}

// Invoke runs one agent invocation. sessionID may be empty; a UUID is
// generated. sessionState is the client-provided continuation state, passed
// to the agent verbatim. ch may be nil for callers that do not stream.
func (inv *Invoker) Invoke(ctx context.Context, prompt, sessionID string, sessionState json.RawMessage, ch *Channel) (*InvokeResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if ch == nil {
		ch = NewChannel()
	}

	created := time.Now()
	rec := &session.Record{
		SessionID: sessionID,
		Status:    session.StatusRunning,
		Prompt:    prompt,
		Created:   created.Unix(),
	}
	if inv.ttl > 0 {
		rec.Expires = created.Add(inv.ttl).Unix()
	}
	if err := inv.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("internal: save session: %w", err)
	}

	a, err := inv.factory()
	if err != nil {
		return nil, fmt.Errorf("internal: create agent: %w", err)
	}

	result, err := a.Run(ctx, prompt, sessionState, ch)
	if err != nil {
		// The running record stays as-is and expires on its own.
		inv.logger.Error("agent run failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("internal: %w", err)
	}

	duration := time.Since(created)
	rec.Status = session.StatusDone
	rec.Result = result.Output
	rec.DurationMS = duration.Milliseconds()
	rec.Session = result.Session
	if err := inv.store.Save(ctx, rec); err != nil {
		inv.logger.Error("failed to persist session result", "session_id", sessionID, "error", err)
	}

	return &InvokeResult{
		SessionID:  sessionID,
		Result:     result.Output,
		DurationMS: duration.Milliseconds(),
		Session:    result.Session,
	}, nil
}
