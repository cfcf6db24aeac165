// Package llm provides streaming completion clients for the supported
// model providers.
package llm

import (
	"context"
	"encoding/json"
)

// StreamCallback is called for each text delta during streaming.
type StreamCallback func(delta string) error

// ToolDefinition describes a tool the model may call during a turn.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ChatMessage is one provider-neutral entry of the turn transcript.
// Role "tool" entries carry a tool result keyed by ToolCallID; assistant
// entries that requested tools echo their calls back on the next turn.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCallID string
	IsError    bool
	ToolCalls  []ToolCall
}

// TurnRequest is one model turn: the transcript so far plus the tools the
// model is allowed to call.
type TurnRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// TurnResult is the outcome of one streamed turn. A non-empty ToolCalls
// slice means the model paused to invoke tools and expects their results on
// the next turn.
type TurnResult struct {
	Content    string
	ToolCalls  []ToolCall
	Model      string
	StopReason string
	TokensIn   int
	TokensOut  int
	LatencyMs  int64
}

// Client is the interface for streaming LLM providers.
type Client interface {
	// StreamTurn runs one model turn, invoking onDelta for each text delta.
	StreamTurn(ctx context.Context, req *TurnRequest, onDelta StreamCallback) (*TurnResult, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a client for the given provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return NewAnthropicClient(apiKey)
	}
}

// Transcript roles shared by providers.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
	ChatRoleTool      = "tool"
)
