package host

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openonion/connectonion/pkg/agent"
	"github.com/openonion/connectonion/pkg/protocol"
	"github.com/openonion/connectonion/pkg/session"
)

// pingInterval is the server-side keep-alive cadence on /ws. Overridable in
// tests.
var pingInterval = 30 * time.Second

// closeNotFound is sent when a WS upgrade lands on an unknown path. The
// handshake is completed first so the client sees a close code instead of
// an opaque handshake failure.
const closeNotFound = 4004

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS runs the event pump for one WebSocket client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{srv: s, conn: conn}
	c.connected.Store(true)
	c.run(r.Context())
}

// rejectWSUpgrade completes the handshake on an unknown path and closes with
// 4004 so WS clients get a distinguishable close code.
func (s *Server) rejectWSUpgrade(w http.ResponseWriter, r *http.Request) bool {
	if !websocket.IsWebSocketUpgrade(r) {
		return false
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return true
	}
	msg := websocket.FormatCloseMessage(closeNotFound, "not found")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
	return true
}

// wsConn is one client connection. Reads happen only on the run loop;
// writes are serialized through send because the drain goroutine, the
// keep-alive ticker, and handlers all write concurrently.
type wsConn struct {
	srv       *Server
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool

	// inputMu serializes invocations: one in-flight INPUT per connection, so
	// client replies are always routed to the invocation that asked.
	inputMu sync.Mutex

	mu     sync.Mutex
	active *agent.Channel // channel of the in-flight invocation, nil between runs
}

func (c *wsConn) send(v any) error {
	if !c.connected.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) sendError(err error) {
	c.send(map[string]any{"type": protocol.MsgError, "error": err.Error()})
}

func (c *wsConn) setActive(ch *agent.Channel) {
	c.mu.Lock()
	c.active = ch
	c.mu.Unlock()
}

func (c *wsConn) clearActive(ch *agent.Channel) {
	c.mu.Lock()
	if c.active == ch {
		c.active = nil
	}
	c.mu.Unlock()
}

// run is the outer read loop. It owns all reads on the socket and dispatches
// by message type; unrecognized messages are client replies routed to the
// active invocation's incoming queue.
func (c *wsConn) run(ctx context.Context) {
	defer func() {
		c.connected.Store(false)
		c.conn.Close()
		// Unblock any agent waiting on a client reply. The agent itself
		// keeps running; its result lands in the session log.
		c.mu.Lock()
		if c.active != nil {
			c.active.Incoming.Close()
		}
		c.mu.Unlock()
	}()

	for {
		var msg map[string]any
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		msgType, _ := msg["type"].(string)
		switch {
		case msgType == protocol.MsgInput:
			go c.runInput(ctx, msg)
		case msgType == protocol.MsgOnboardSubmit:
			go c.handleOnboard(ctx, msg)
		case strings.HasPrefix(msgType, protocol.AdminPrefix):
			go c.handleAdmin(ctx, msg)
		case msgType == protocol.MsgPong:
			// keep-alive reply, nothing to do
		default:
			c.mu.Lock()
			ch := c.active
			c.mu.Unlock()
			if ch != nil {
				ch.Incoming.Push(protocol.Event(msg))
			}
		}
	}
}

// runInput authenticates and runs one invocation, streaming agent events to
// the client as they arrive. If the client disconnects mid-run the agent
// finishes anyway and the result stays recoverable via GET /sessions/{id}.
func (c *wsConn) runInput(ctx context.Context, msg map[string]any) {
	env := protocol.ParseEnvelope(msg)
	auth, err := c.srv.gate.Authenticate(ctx, env)
	if err != nil {
		c.sendAuthFailure(err)
		return
	}

	c.inputMu.Lock()
	defer c.inputMu.Unlock()

	ch := agent.NewChannel()
	c.setActive(ch)
	defer c.clearActive(ch)

	// Drain agent events toward the client. Pop returns false only after the
	// outgoing queue is closed and empty, so nothing emitted before
	// completion is lost.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			e, ok := ch.Outgoing.Pop(context.Background())
			if !ok {
				return
			}
			c.send(e)
		}
	}()

	pingCtx, stopPing := context.WithCancel(context.Background())
	defer stopPing()
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-t.C:
				c.send(map[string]any{"type": protocol.MsgPing})
			}
		}
	}()

	sessionID, _ := env.Payload["session_id"].(string)
	state := extractSessionState(env.Payload)

	res, err := c.srv.invoker.Invoke(context.WithoutCancel(ctx), auth.Prompt, sessionID, state, ch)

	// The agent is done: stop the keep-alive before draining so no PING goes
	// out after completion, even when the drain takes a while.
	stopPing()
	ch.Outgoing.Close()
	<-drained
	ch.Incoming.Close()

	if err != nil {
		c.sendError(err)
		return
	}
	c.send(map[string]any{
		"type":        protocol.MsgOutput,
		"session_id":  res.SessionID,
		"status":      session.StatusDone,
		"result":      res.Result,
		"duration_ms": res.DurationMS,
		"session":     rawOrNil(res.Session),
	})
}

// sendAuthFailure reports a gate rejection. A policy denial turns into
// ONBOARD_REQUIRED when the policy offers a way in.
func (c *wsConn) sendAuthFailure(err error) {
	var hostErr *Error
	if errors.As(err, &hostErr) && hostErr.Category == CatForbidden {
		if policy := c.srv.engine.Policy(); policy.HasOnboarding() {
			msg := map[string]any{
				"type":    protocol.MsgOnboardRequired,
				"methods": policy.OnboardMethods(),
				"address": c.srv.identity.Address,
			}
			if policy.Onboard != nil && policy.Onboard.Payment > 0 {
				msg["payment"] = policy.Onboard.Payment
			}
			c.send(msg)
			return
		}
	}
	c.sendError(err)
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return json.RawMessage(raw)
}
