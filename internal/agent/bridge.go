// Package agent bridges the gateway to the LLM agent runtime, enforcing the
// tool allowlist and turn cap regardless of caller-supplied overrides.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/commitledger/agent-gateway/internal/llm"
	"github.com/commitledger/agent-gateway/internal/tools"
	"github.com/commitledger/agent-gateway/pkg/logger"
	"github.com/commitledger/agent-gateway/pkg/metrics"
)

// MaxTurns is the hard ceiling on agent turns per query. Caller-supplied
// caps are clamped to it, never raised.
const MaxTurns = 25

// allowedTools is the fixed read-only set. Caller-supplied tool lists are
// intersected with it; this is the hard control, the system prompt below is
// defense in depth.
var allowedTools = []string{tools.NameRead, tools.NameGlob, tools.NameGrep}

// systemPrompt is always prepended; overrides cannot replace it.
const systemPrompt = `You are a leaf agent embedded in the commitment ledger assistant. You answer questions about the user's workspace using only the read-only tools provided to you. You must not attempt to spawn other agents, delegate work, execute shell commands, or modify any files. If a request requires capabilities you do not have, say so plainly.`

// Options are caller-supplied overrides for one query. All of them are
// subordinate to the bridge's fixed invariants.
type Options struct {
	Model        string
	AllowedTools []string
	MaxTurns     int
}

// Events receives the streamed output of a query in order.
type Events interface {
	OnDelta(delta string) error
	OnToolUse(callID, name string, input json.RawMessage) error
	OnToolResult(callID, output string, isError bool) error
}

// Outcome summarizes a finished query.
type Outcome struct {
	Content    string
	Model      string
	StopReason string
	Turns      int
	TokensIn   int
	TokensOut  int
}

// Bridge drives the agent loop over a streaming LLM client and the closed
// tool registry. It performs no persistence; all mutation happens in the
// gateway around it.
type Bridge struct {
	client   llm.Client
	registry *tools.Registry
	log      *logger.Logger
}

// New creates a bridge over the given client and tool registry.
func New(client llm.Client, registry *tools.Registry, log *logger.Logger) *Bridge {
	return &Bridge{client: client, registry: registry, log: log}
}

// EffectiveTools intersects a caller-supplied tool list with the fixed
// allowlist, preserving allowlist order. A nil list means the full
// allowlist.
func EffectiveTools(requested []string) []string {
	if requested == nil {
		return append([]string(nil), allowedTools...)
	}
	set := make(map[string]bool, len(requested))
	for _, name := range requested {
		set[name] = true
	}
	var out []string
	for _, name := range allowedTools {
		if set[name] {
			out = append(out, name)
		}
	}
	return out
}

// EffectiveMaxTurns clamps a caller-supplied cap to the ceiling. Zero or
// negative means the ceiling.
func EffectiveMaxTurns(requested int) int {
	if requested <= 0 || requested > MaxTurns {
		return MaxTurns
	}
	return requested
}

// Run executes a query: stream assistant deltas, dispatch any requested tool
// calls, feed results back, and repeat until the model stops calling tools
// or the turn cap is reached. Tool failures are returned to the model as
// error results and never abort the query; ctx cancellation does.
func (b *Bridge) Run(ctx context.Context, prompt string, opts Options, events Events) (*Outcome, error) {
	toolNames := EffectiveTools(opts.AllowedTools)
	maxTurns := EffectiveMaxTurns(opts.MaxTurns)
	defs := b.registry.Definitions(toolNames)

	toolDefs := make([]llm.ToolDefinition, len(defs))
	for i, d := range defs {
		toolDefs[i] = llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}

	transcript := []llm.ChatMessage{{Role: llm.ChatRoleUser, Content: prompt}}
	outcome := &Outcome{}
	start := time.Now()

	for turn := 1; turn <= maxTurns; turn++ {
		outcome.Turns = turn

		res, err := b.client.StreamTurn(ctx, &llm.TurnRequest{
			Model:    opts.Model,
			System:   systemPrompt,
			Messages: transcript,
			Tools:    toolDefs,
		}, events.OnDelta)
		if err != nil {
			metrics.RecordLLMStream(opts.Model, "error", time.Since(start).Seconds(), 0, 0)
			return nil, fmt.Errorf("stream turn %d: %w", turn, err)
		}

		outcome.Content += res.Content
		outcome.Model = res.Model
		outcome.StopReason = res.StopReason
		outcome.TokensIn += res.TokensIn
		outcome.TokensOut += res.TokensOut

		if len(res.ToolCalls) == 0 {
			metrics.RecordLLMStream(res.Model, "success", time.Since(start).Seconds(), outcome.TokensIn, outcome.TokensOut)
			return outcome, nil
		}

		transcript = append(transcript, llm.ChatMessage{
			Role:      llm.ChatRoleAssistant,
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})

		for _, call := range res.ToolCalls {
			if err := events.OnToolUse(call.ID, call.Name, call.Input); err != nil {
				return nil, err
			}

			result := b.registry.Invoke(ctx, call.Name, call.Input)
			status := "ok"
			if result.IsError {
				status = "error"
			}
			metrics.RecordToolInvocation(call.Name, status)
			b.log.Debug("tool invocation",
				zap.String("tool", call.Name),
				zap.String("tool_call_id", call.ID),
				zap.Bool("is_error", result.IsError),
			)

			if err := events.OnToolResult(call.ID, result.Output, result.IsError); err != nil {
				return nil, err
			}

			transcript = append(transcript, llm.ChatMessage{
				Role:       llm.ChatRoleTool,
				Content:    result.Output,
				ToolCallID: call.ID,
				IsError:    result.IsError,
			})
		}
	}

	// Turn cap reached mid-loop; return what was produced.
	outcome.StopReason = "max_turns"
	metrics.RecordLLMStream(outcome.Model, "max_turns", time.Since(start).Seconds(), outcome.TokensIn, outcome.TokensOut)
	return outcome, nil
}
