package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/openonion/connectonion/pkg/protocol"
)

// chatTurn is one entry in the conversation state carried between
// invocations via the opaque session blob.
type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIAgent is the reference LLM-backed agent: a single chat completion
// per invocation, with conversation history round-tripped through the
// session state so clients can continue a conversation.
type OpenAIAgent struct {
	client openai.Client
	model  openai.ChatModel
	system string
}

// NewOpenAIFactory returns a factory producing OpenAI-backed agents.
// model may be empty to use gpt-4o.
func NewOpenAIFactory(apiKey, model, systemPrompt string) Factory {
	if model == "" {
		model = openai.ChatModelGPT4o
	}
	return func() (Agent, error) {
		return &OpenAIAgent{
			client: openai.NewClient(option.WithAPIKey(apiKey)),
			model:  openai.ChatModel(model),
			system: systemPrompt,
		}, nil
	}
}

// Run sends the conversation to the model and returns its reply.
func (a *OpenAIAgent) Run(ctx context.Context, prompt string, sessionState json.RawMessage, ch *Channel) (*Result, error) {
	var history []chatTurn
	if len(sessionState) > 0 {
		var state struct {
			History []chatTurn `json:"history"`
		}
		if err := json.Unmarshal(sessionState, &state); err == nil {
			history = state.History
		}
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if a.system != "" {
		messages = append(messages, openai.SystemMessage(a.system))
	}
	for _, turn := range history {
		switch turn.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(prompt))

	ch.Emit(protocol.EventThinking, map[string]any{"content": "calling model"})

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    a.model,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty response")
	}
	reply := resp.Choices[0].Message.Content

	history = append(history, chatTurn{Role: "user", Content: prompt}, chatTurn{Role: "assistant", Content: reply})
	state, _ := json.Marshal(map[string]any{"history": history})

	return &Result{Output: reply, Session: state}, nil
}
