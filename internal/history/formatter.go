// Package history transforms persisted message rows into a bounded
// prompt-context document for the agent runtime.
package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/commitledger/agent-gateway/internal/model"
)

const (
	// DefaultMaxPairs bounds how many user/assistant exchanges are retained.
	DefaultMaxPairs = 20
	// DefaultMaxChars bounds the total character budget of the context.
	DefaultMaxChars = 100000

	// fetchLimit is the raw-row over-fetch bound before folding.
	fetchLimit = 100
	// toolResultLimit truncates tool output embedded in an assistant turn.
	toolResultLimit = 500
)

// Fetcher supplies the most recent raw rows of a conversation in
// chronological order, up to limit.
type Fetcher interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// Options tune the context window bounds. Zero values take the defaults.
type Options struct {
	MaxPairs int
	MaxChars int
}

// Formatter builds recency-biased, pair-aligned context windows.
type Formatter struct {
	fetcher Fetcher
}

// NewFormatter creates a formatter over the given message source.
func NewFormatter(fetcher Fetcher) *Formatter {
	return &Formatter{fetcher: fetcher}
}

// GetHistory fetches and folds a conversation into LLM-ready history
// messages: consecutive assistant/tool rows collapse into one assistant
// turn, the oldest entries are dropped first when a budget is exceeded, and
// the retained window never starts mid-assistant-turn.
func (f *Formatter) GetHistory(ctx context.Context, conversationID string, opts Options) ([]model.HistoryMessage, error) {
	rows, err := f.fetcher.RecentMessages(ctx, conversationID, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return Format(rows, opts), nil
}

// Format folds chronological rows into turns and applies the truncation
// pass. Pure; exported for direct use in tests and callers that already
// hold the rows.
func Format(rows []model.Message, opts Options) []model.HistoryMessage {
	if opts.MaxPairs <= 0 {
		opts.MaxPairs = DefaultMaxPairs
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}

	folded := foldTurns(rows)
	return truncate(folded, opts.MaxPairs*2, opts.MaxChars)
}

// foldTurns collapses rows into alternating user/assistant entries. System
// rows are dropped entirely; system context is supplied out-of-band.
func foldTurns(rows []model.Message) []model.HistoryMessage {
	var out []model.HistoryMessage
	var assistant strings.Builder

	flush := func() {
		if assistant.Len() > 0 {
			out = append(out, model.HistoryMessage{Role: model.RoleAssistant, Content: assistant.String()})
			assistant.Reset()
		}
	}

	for _, row := range rows {
		switch row.Role {
		case model.RoleUser:
			flush()
			out = append(out, model.HistoryMessage{Role: model.RoleUser, Content: row.Content})
		case model.RoleAssistant:
			if assistant.Len() > 0 {
				assistant.WriteString("\n")
			}
			assistant.WriteString(row.Content)
		case model.RoleToolUse:
			if assistant.Len() > 0 {
				assistant.WriteString("\n")
			}
			assistant.WriteString("[Used tool: " + row.ToolName + "]")
		case model.RoleToolResult:
			if assistant.Len() > 0 {
				assistant.WriteString("\n")
			}
			assistant.WriteString("[Tool result: " + abbreviate(row.ToolOutput) + "]")
		case model.RoleSystem:
			// dropped
		}
	}
	flush()

	return out
}

// truncate walks backward accumulating entries until either budget would be
// exceeded, then drops leading entries until the window starts on a user
// turn.
func truncate(msgs []model.HistoryMessage, maxCount, maxChars int) []model.HistoryMessage {
	start := len(msgs)
	chars := 0
	for start > 0 {
		next := chars + len(msgs[start-1].Content)
		if len(msgs)-start+1 > maxCount || next > maxChars {
			break
		}
		chars = next
		start--
	}

	for start < len(msgs) && msgs[start].Role != model.RoleUser {
		start++
	}

	return msgs[start:]
}

func abbreviate(s string) string {
	if len(s) <= toolResultLimit {
		return s
	}
	return s[:toolResultLimit] + "... [truncated]"
}

// BuildPrompt serializes history into a single delimited text block followed
// by the new message, for providers that accept only a flat prompt.
func BuildPrompt(currentMessage string, history []model.HistoryMessage) string {
	if len(history) == 0 {
		return currentMessage
	}

	var b strings.Builder
	b.WriteString("<conversation_history>\n")
	for _, m := range history {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("</conversation_history>\n\n")
	b.WriteString(currentMessage)
	return b.String()
}
