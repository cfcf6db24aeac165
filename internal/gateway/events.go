package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/commitledger/agent-gateway/internal/model"
	"github.com/commitledger/agent-gateway/pkg/logger"
	"github.com/commitledger/agent-gateway/pkg/metrics"
)

// frameWriter sends one wire frame. Abstracted from the socket so message
// handling can be exercised without a live connection.
type frameWriter interface {
	writeFrame(ctx context.Context, f model.Frame) error
}

// wsFrameWriter writes frames as JSON text messages.
type wsFrameWriter struct {
	conn *websocket.Conn
}

func (w *wsFrameWriter) writeFrame(ctx context.Context, f model.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// connectionEvents relays agent output onto the wire and persists the tool
// trace as it happens. Write failures propagate back into the bridge, which
// aborts the query; persistence failures are logged but do not interrupt
// the stream the client is watching.
type connectionEvents struct {
	gateway        *Gateway
	ctx            context.Context
	fw             frameWriter
	log            *logger.Logger
	conversationID string
	assistantID    string
}

func (e *connectionEvents) OnDelta(delta string) error {
	frame, err := model.NewFrame(model.FrameAssistantChunk, e.conversationID, model.AssistantChunkData{
		Delta:     delta,
		MessageID: e.assistantID,
	})
	if err != nil {
		return err
	}
	return e.fw.writeFrame(e.ctx, frame)
}

func (e *connectionEvents) OnToolUse(callID, name string, input json.RawMessage) error {
	frame, err := model.NewFrame(model.FrameToolUse, e.conversationID, model.ToolUseData{
		ToolCallID: callID,
		Tool:       name,
		Input:      string(input),
	})
	if err != nil {
		return err
	}
	if err := e.fw.writeFrame(e.ctx, frame); err != nil {
		return err
	}

	e.persist(&model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: e.conversationID,
		Role:           model.RoleToolUse,
		ToolName:       name,
		ToolInput:      string(input),
		CreatedAt:      time.Now(),
	})
	return nil
}

func (e *connectionEvents) OnToolResult(callID, output string, isError bool) error {
	frame, err := model.NewFrame(model.FrameToolResult, e.conversationID, model.ToolResultData{
		ToolCallID: callID,
		Output:     output,
		IsError:    isError,
	})
	if err != nil {
		return err
	}
	if err := e.fw.writeFrame(e.ctx, frame); err != nil {
		return err
	}

	e.persist(&model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: e.conversationID,
		Role:           model.RoleToolResult,
		ToolOutput:     output,
		CreatedAt:      time.Now(),
	})
	return nil
}

func (e *connectionEvents) persist(msg *model.Message) {
	if err := e.gateway.store.AppendMessage(e.ctx, msg); err != nil {
		e.log.Error("failed to persist tool message", zap.Error(err), zap.String("role", string(msg.Role)))
		return
	}
	metrics.RecordMessage(string(msg.Role))
}
