package model

import (
	"encoding/json"
)

// FrameType tags a wire frame. Frames are transient; they exist only for the
// duration of transmission and share no structure with persisted messages.
type FrameType string

const (
	// Client -> server.
	FrameUserMessage FrameType = "user_message"
	FramePing        FrameType = "ping"

	// Server -> client.
	FrameAssistantChunk FrameType = "assistant_chunk"
	FrameToolUse        FrameType = "tool_use"
	FrameToolResult     FrameType = "tool_result"
	FrameError          FrameType = "error"
	FrameDone           FrameType = "done"
	FramePong           FrameType = "pong"
)

// Frame is the JSON envelope for every message on the socket.
type Frame struct {
	Type           FrameType       `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// UserMessageData is the payload of a user_message frame.
type UserMessageData struct {
	Content string `json:"content"`
}

// AssistantChunkData carries one streamed text delta.
type AssistantChunkData struct {
	Delta     string `json:"delta"`
	MessageID string `json:"message_id,omitempty"`
}

// ToolUseData announces a tool invocation the agent is making.
type ToolUseData struct {
	ToolCallID string `json:"tool_call_id"`
	Tool       string `json:"tool"`
	Input      string `json:"input"`
}

// ToolResultData carries the outcome of a tool invocation.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ErrorData is an in-band error frame payload. RetryAfter is set only for
// rate-limit errors.
type ErrorData struct {
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Code       string `json:"code,omitempty"`
}

// DoneData terminates one assistant response.
type DoneData struct {
	MessageID string `json:"message_id"`
}

// NewFrame marshals a payload into a tagged frame. Marshal failures are a
// programming error on our own payload types and reported to the caller.
func NewFrame(t FrameType, conversationID string, data any) (Frame, error) {
	f := Frame{Type: t, ConversationID: conversationID}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	f.Data = raw
	return f, nil
}
