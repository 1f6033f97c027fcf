package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/openonion/connectonion/pkg/identity"
	"github.com/openonion/connectonion/pkg/protocol"
)

// Dial sends one signed prompt to a remote agent through the relay and waits
// for its OUTPUT. relayURL is the announce endpoint; the input endpoint is
// derived from it.
func Dial(ctx context.Context, relayURL string, id *identity.Identity, target, prompt string) (string, error) {
	inputURL := strings.Replace(relayURL, "/ws/announce", "/ws/input", 1)

	conn, _, err := websocket.Dial(ctx, inputURL, nil)
	if err != nil {
		return "", fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	payload := map[string]any{
		"prompt":    prompt,
		"to":        target,
		"timestamp": time.Now().Unix(),
	}
	env, err := protocol.NewEnvelope(id.PrivateKey, id.PublicKey, payload)
	if err != nil {
		return "", fmt.Errorf("sign input: %w", err)
	}

	inputID := uuid.NewString()
	msg := map[string]any{
		"type":      protocol.MsgInput,
		"input_id":  inputID,
		"target":    target,
		"payload":   env.Payload,
		"from":      env.From,
		"signature": env.Signature,
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return "", fmt.Errorf("send input: %w", err)
	}

	// The relay may interleave other traffic; wait for the OUTPUT that
	// answers our input_id.
	for {
		var reply map[string]any
		if err := wsjson.Read(ctx, conn, &reply); err != nil {
			return "", fmt.Errorf("read output: %w", err)
		}
		replyType, _ := reply["type"].(string)
		switch replyType {
		case protocol.MsgOutput:
			if idField, _ := reply["input_id"].(string); idField != inputID {
				continue
			}
			if success, ok := reply["success"].(bool); ok && !success {
				errText, _ := reply["error"].(string)
				return "", fmt.Errorf("remote agent: %s", errText)
			}
			result, _ := reply["result"].(string)
			return result, nil
		case protocol.MsgError:
			errText, _ := reply["error"].(string)
			return "", fmt.Errorf("relay: %s", errText)
		case protocol.MsgPing:
			wsjson.Write(ctx, conn, map[string]any{"type": protocol.MsgPong})
		}
	}
}
