package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicClient is the Anthropic streaming client.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// StreamTurn runs one streamed model turn.
func (c *AnthropicClient) StreamTurn(ctx context.Context, req *TurnRequest, onDelta StreamCallback) (*TurnResult, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(toAnthropicMessages(req.Messages)),
	}
	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(req.System),
			},
		})
	}
	if len(req.Tools) > 0 {
		toolParams := make([]anthropic.ToolParam, len(req.Tools))
		for i, t := range req.Tools {
			toolParams[i] = anthropic.ToolParam{
				Name:        anthropic.F(t.Name),
				Description: anthropic.F(t.Description),
				InputSchema: anthropic.F[interface{}](t.InputSchema),
			}
		}
		params.Tools = anthropic.F(toolParams)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	var content string
	var toolCalls []ToolCall
	var toolInput string
	var tokensIn, tokensOut int
	var stopReason string

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case anthropic.MessageStreamEventTypeMessageStart:
			tokensIn = int(event.Message.Usage.InputTokens)

		case anthropic.MessageStreamEventTypeContentBlockStart:
			block := event.ContentBlock.(anthropic.ContentBlockStartEventContentBlock)
			if block.Type == "tool_use" {
				toolCalls = append(toolCalls, ToolCall{
					ID:   block.ID,
					Name: block.Name,
				})
				toolInput = ""
			}

		case anthropic.MessageStreamEventTypeContentBlockDelta:
			delta := event.Delta.(anthropic.ContentBlockDeltaEventDelta)
			switch delta.Type {
			case "text_delta":
				content += delta.Text
				if err := onDelta(delta.Text); err != nil {
					return nil, err
				}
			case "input_json_delta":
				toolInput += delta.PartialJSON
			}

		case anthropic.MessageStreamEventTypeContentBlockStop:
			if n := len(toolCalls); n > 0 && toolCalls[n-1].Input == nil {
				if toolInput == "" {
					toolInput = "{}"
				}
				toolCalls[n-1].Input = json.RawMessage(toolInput)
			}

		case anthropic.MessageStreamEventTypeMessageDelta:
			stopReason = string(event.Delta.(anthropic.MessageDeltaEventDelta).StopReason)
			tokensOut = int(event.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	return &TurnResult{
		Content:    content,
		ToolCalls:  toolCalls,
		Model:      model,
		StopReason: stopReason,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// toAnthropicMessages converts the provider-neutral transcript. Tool results
// travel as user messages carrying tool_result blocks; assistant entries
// that requested tools echo the tool_use blocks back.
func toAnthropicMessages(msgs []ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case ChatRoleTool:
			out = append(out, anthropic.MessageParam{
				Role: anthropic.F(anthropic.MessageParamRoleUser),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{
					anthropic.ToolResultBlockParam{
						Type:      anthropic.F(anthropic.ToolResultBlockParamTypeToolResult),
						ToolUseID: anthropic.F(msg.ToolCallID),
						IsError:   anthropic.F(msg.IsError),
						Content: anthropic.F([]anthropic.ToolResultBlockParamContentUnion{
							anthropic.TextBlockParam{
								Type: anthropic.F(anthropic.TextBlockParamTypeText),
								Text: anthropic.F(msg.Content),
							},
						}),
					},
				}),
			})

		case ChatRoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Content),
				})
			}
			for _, call := range msg.ToolCalls {
				var input interface{}
				if err := json.Unmarshal(call.Input, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ToolUseBlockParam{
					Type:  anthropic.F(anthropic.ToolUseBlockParamTypeToolUse),
					ID:    anthropic.F(call.ID),
					Name:  anthropic.F(call.Name),
					Input: anthropic.F(input),
				})
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.F(anthropic.MessageParamRoleAssistant),
				Content: anthropic.F(blocks),
			})

		default:
			out = append(out, anthropic.MessageParam{
				Role: anthropic.F(anthropic.MessageParamRoleUser),
				Content: anthropic.F([]anthropic.ContentBlockParamUnion{
					anthropic.TextBlockParam{
						Type: anthropic.F(anthropic.TextBlockParamTypeText),
						Text: anthropic.F(msg.Content),
					},
				}),
			})
		}
	}
	return out
}
