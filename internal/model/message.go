package model

import (
	"time"
)

// Role represents the role of a persisted message row.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
	RoleSystem     Role = "system"
)

// Message is the persisted, append-only record of one conversation row.
// Rows are never mutated or deleted after persistence; ordering is by
// CreatedAt ascending.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Tool metadata, set only for tool_use / tool_result rows.
	ToolName   string `json:"tool_name,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HistoryMessage is the ephemeral, derived view used only as LLM input.
// It is never persisted; consecutive assistant/tool rows collapse into a
// single assistant entry. Kept distinct from Message so formatting artifacts
// (abbreviated tool output) can never leak into the source record.
type HistoryMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
