package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/openonion/connectonion/pkg/agent"
	"github.com/openonion/connectonion/pkg/host"
	"github.com/openonion/connectonion/pkg/identity"
	"github.com/openonion/connectonion/pkg/protocol"
)

const (
	// defaultReconnectMin is the floor of the reconnect backoff.
	defaultReconnectMin = 5 * time.Second

	// reconnectMax caps the exponential backoff.
	reconnectMax = 2 * time.Minute

	// receiveTimeout bounds a single read. A quiet minute triggers a
	// re-announce so the relay knows the host is still alive.
	receiveTimeout = 60 * time.Second
)

// Client maintains the outbound relay connection with automatic reconnection.
// INPUT messages from the relay pass through the same signature/trust gate as
// direct HTTP and WS requests.
type Client struct {
	url      string
	identity *identity.Identity
	gate     *host.Gate
	invoker  *agent.Invoker
	summary  string
	port     int
	logger   *slog.Logger

	// ReconnectMin is overridable in tests.
	ReconnectMin time.Duration

	// Endpoints are discovered once, on the first announce; the public IP
	// lookup is a single external call, not one per heartbeat.
	discoverOnce sync.Once
	endpoints    []string

	mu        sync.RWMutex
	connected bool
}

// NewClient creates a relay client.
func NewClient(url string, id *identity.Identity, gate *host.Gate, invoker *agent.Invoker, summary string, port int, logger *slog.Logger) *Client {
	return &Client{
		url:          url,
		identity:     id,
		gate:         gate,
		invoker:      invoker,
		summary:      summary,
		port:         port,
		logger:       logger,
		ReconnectMin: defaultReconnectMin,
	}
}

// Run connects to the relay and serves forwarded inputs until ctx is done.
// Connection loss triggers exponential backoff from ReconnectMin, reset on a
// successful connect.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.ReconnectMin
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("relay connection lost", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// IsConnected reports whether the uplink is currently established.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) connectAndServe(ctx context.Context) error {
	c.logger.Info("connecting to relay", "url", c.url, "address", identity.Short(c.identity.Address))

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "host stopping")

	w := &wsWriter{conn: conn}
	if err := c.announce(ctx, w); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()
	c.logger.Info("announced to relay", "address", identity.Short(c.identity.Address))

	for {
		msg, err := readWithTimeout(ctx, conn)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				// Quiet link: re-announce as a heartbeat.
				if err := c.announce(ctx, w); err != nil {
					return err
				}
				continue
			}
			return err
		}

		msgType, _ := msg["type"].(string)
		switch msgType {
		case protocol.MsgInput:
			go c.handleInput(ctx, w, msg)
		case protocol.MsgPing:
			w.write(ctx, map[string]any{"type": protocol.MsgPong})
		case protocol.MsgError:
			errText, _ := msg["error"].(string)
			c.logger.Warn("relay reported error", "error", errText)
		default:
			c.logger.Debug("unhandled relay message", "type", msgType)
		}
	}
}

func (c *Client) discoverEndpoints(ctx context.Context) []string {
	c.discoverOnce.Do(func() {
		c.endpoints = DiscoverEndpoints(ctx, c.port)
	})
	return c.endpoints
}

func (c *Client) announce(ctx context.Context, w *wsWriter) error {
	announce, err := BuildAnnounce(c.identity, c.summary, c.discoverEndpoints(ctx), c.url)
	if err != nil {
		return err
	}
	if err := w.write(ctx, announce); err != nil {
		return fmt.Errorf("send announce: %w", err)
	}
	return nil
}

// handleInput authenticates and runs one forwarded input, then sends OUTPUT
// keyed by the relay's input_id. Failures become unsuccessful OUTPUTs rather
// than dropped messages so the remote caller always hears back.
func (c *Client) handleInput(ctx context.Context, w *wsWriter, msg map[string]any) {
	inputID, _ := msg["input_id"].(string)

	env := protocol.ParseEnvelope(msg)
	auth, err := c.gate.Authenticate(ctx, env)
	if err != nil {
		c.sendOutput(ctx, w, inputID, "", err)
		return
	}

	sessionID, _ := env.Payload["session_id"].(string)
	res, err := c.invoker.Invoke(context.WithoutCancel(ctx), auth.Prompt, sessionID, sessionState(env.Payload), nil)
	if err != nil {
		c.sendOutput(ctx, w, inputID, "", err)
		return
	}
	c.sendOutput(ctx, w, inputID, res.Result, nil)
}

func (c *Client) sendOutput(ctx context.Context, w *wsWriter, inputID, result string, runErr error) {
	out := map[string]any{
		"type":     protocol.MsgOutput,
		"input_id": inputID,
		"success":  runErr == nil,
		"result":   result,
	}
	if runErr != nil {
		out["error"] = runErr.Error()
	}
	if err := w.write(ctx, out); err != nil {
		c.logger.Warn("failed to send relay output", "input_id", inputID, "error", err)
	}
}

// wsWriter serializes concurrent writes on one relay connection.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) write(ctx context.Context, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wsjson.Write(ctx, w.conn, v)
}

func sessionState(payload map[string]any) json.RawMessage {
	state, ok := payload["session"]
	if !ok || state == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	return raw
}

func readWithTimeout(ctx context.Context, conn *websocket.Conn) (map[string]any, error) {
	readCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(readCtx, conn, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
