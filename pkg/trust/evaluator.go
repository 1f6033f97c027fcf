package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicEvaluator escalates ambiguous trust decisions to Claude. The
// policy body is the system prompt; the model must answer with a JSON object
// {"allow": bool, "reason": string}.
type AnthropicEvaluator struct {
	client anthropic.Client
	model  anthropic.Model
	system string
}

// NewAnthropicEvaluator creates an evaluator for the given policy body.
// model may be empty to use the default.
func NewAnthropicEvaluator(apiKey, model, policyBody string) *AnthropicEvaluator {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicEvaluator{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
		system: policyBody,
	}
}

// Evaluate asks the model whether to admit the request.
func (a *AnthropicEvaluator) Evaluate(ctx context.Context, identity string, request map[string]any) (bool, string, error) {
	reqJSON, err := json.Marshal(request)
	if err != nil {
		return false, "", fmt.Errorf("marshal request: %w", err)
	}

	prompt := fmt.Sprintf(
		"Caller identity: %s\nRequest: %s\n\nDecide whether to allow this request. "+
			`Respond with only a JSON object: {"allow": true|false, "reason": "..."}`,
		identity, reqJSON,
	)

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: a.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return false, "", fmt.Errorf("evaluate trust: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	verdict := struct {
		Allow  bool   `json:"allow"`
		Reason string `json:"reason"`
	}{}
	if err := json.Unmarshal([]byte(extractJSON(text)), &verdict); err != nil {
		return false, "", fmt.Errorf("unparseable verdict %q: %w", text, err)
	}
	return verdict.Allow, verdict.Reason, nil
}

// extractJSON pulls the first {...} object out of a model response that may
// be wrapped in prose or a code fence.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
