// Package gateway accepts WebSocket connections, applies admission control,
// and drives the per-connection message loop between the wire protocol and
// the agent pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/commitledger/agent-gateway/internal/agent"
	"github.com/commitledger/agent-gateway/internal/auth"
	"github.com/commitledger/agent-gateway/internal/history"
	"github.com/commitledger/agent-gateway/internal/middleware"
	"github.com/commitledger/agent-gateway/internal/model"
	"github.com/commitledger/agent-gateway/internal/ratelimit"
	"github.com/commitledger/agent-gateway/internal/store"
	"github.com/commitledger/agent-gateway/pkg/logger"
	"github.com/commitledger/agent-gateway/pkg/metrics"
)

// maxTitleLength bounds conversation titles derived from the first message.
const maxTitleLength = 80

// maxFrameBytes is the per-message read limit on the socket. It must cover
// the maximum accepted content length plus the JSON envelope and escaping
// overhead, so that every frame the validator would accept fits through the
// transport.
const maxFrameBytes = 256 * 1024

// Gateway is the top-level connection orchestrator.
type Gateway struct {
	verifier     *auth.Verifier
	origins      *auth.OriginPolicy
	limiter      *ratelimit.Limiter
	store        store.Store
	formatter    *history.Formatter
	bridge       *agent.Bridge
	agentOpts    agent.Options
	log          *logger.Logger
	authRequired bool
}

// New wires a gateway from its collaborators. agentOpts is applied to every
// bridge run; zero fields fall back to the bridge's defaults.
func New(
	verifier *auth.Verifier,
	origins *auth.OriginPolicy,
	limiter *ratelimit.Limiter,
	st store.Store,
	bridge *agent.Bridge,
	agentOpts agent.Options,
	authRequired bool,
	log *logger.Logger,
) *Gateway {
	return &Gateway{
		verifier:     verifier,
		origins:      origins,
		limiter:      limiter,
		store:        st,
		formatter:    history.NewFormatter(st),
		bridge:       bridge,
		agentOpts:    agentOpts,
		log:          log,
		authRequired: authRequired,
	}
}

// ServeHTTP handles the upgrade endpoint. All admission checks happen
// before the upgrade so rejections surface as plain HTTP statuses: 403 for
// origin, 401 for auth, 429 for the connection quota.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.origins.Allow(r.Header.Get("Origin")) {
		metrics.RecordAdmissionRejection("origin")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	identity, ok := g.authenticate(r)
	if !ok {
		metrics.RecordAdmissionRejection("auth")
		http.Error(w, "missing or invalid token", http.StatusUnauthorized)
		return
	}

	if !g.limiter.TrackConnection(identity.ID) {
		metrics.RecordAdmissionRejection("quota")
		http.Error(w, "connection limit exceeded", http.StatusTooManyRequests)
		return
	}
	// Registered before the upgrade is attempted so the slot is returned on
	// every exit path, including upgrade failure and panics in the loop.
	defer g.limiter.ReleaseConnection(identity.ID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was already vetted against the allowlist above.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Warn("websocket accept failed", zap.Error(err), zap.String("user_id", identity.ID))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")
	conn.SetReadLimit(maxFrameBytes)

	correlationID := uuid.New().String()
	sess := newSession(*identity, g.log.WithConnection(correlationID, identity.ID))
	sess.log.Info("connection admitted",
		zap.Int("open_connections", g.limiter.Connections(identity.ID)),
	)

	metrics.IncrementConnections()
	defer metrics.DecrementConnections()

	// The connection context bounds everything started on behalf of this
	// client, so a disconnect cancels in-flight agent streams.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.readLoop(ctx, conn, sess)

	sess.log.Info("connection closed",
		zap.Duration("connected_for", time.Since(sess.connectedAt)),
	)
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// authenticate resolves the connection's identity from the token query
// parameter. When auth is not required, a failed or missing token falls
// back to the fixed development identity.
func (g *Gateway) authenticate(r *http.Request) (*model.Identity, bool) {
	token := auth.ExtractTokenFromURL(r.URL.String())

	if identity := g.verifier.VerifyToken(token); identity != nil {
		return identity, true
	}
	if g.authRequired {
		return nil, false
	}
	dev := auth.DevIdentity
	return &dev, true
}

// readLoop processes frames in strict arrival order until the socket
// closes. Per-message errors are surfaced in-band and never end the
// connection; only transport-level closure does.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *session) {
	fw := &wsFrameWriter{conn: conn}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return
			}
			sess.log.Warn("websocket read error", zap.Error(err))
			return
		}
		sess.touch()
		g.handleFrame(ctx, fw, sess, data)
	}
}

// handleFrame dispatches one inbound frame.
func (g *Gateway) handleFrame(ctx context.Context, fw frameWriter, sess *session, data []byte) {
	var frame model.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		sess.log.Warn("malformed frame", zap.Error(err))
		g.writeError(ctx, fw, "", model.ErrorData{Message: "invalid message format", Code: "bad_frame"})
		return
	}

	switch frame.Type {
	case model.FramePing:
		// Pings do not consume rate-limit budget.
		g.writeFrameOrLog(ctx, fw, sess, model.FramePong, frame.ConversationID, nil)

	case model.FrameUserMessage:
		g.handleUserMessage(ctx, fw, sess, frame)

	default:
		sess.log.Info("ignoring unrecognized frame type", zap.String("type", string(frame.Type)))
	}
}

func (g *Gateway) handleUserMessage(ctx context.Context, fw frameWriter, sess *session, frame model.Frame) {
	start := time.Now()

	var payload model.UserMessageData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		g.writeError(ctx, fw, frame.ConversationID, model.ErrorData{Message: "invalid message format", Code: "bad_frame"})
		return
	}
	if err := middleware.ValidateMessageContent(payload.Content); err != nil {
		g.writeError(ctx, fw, frame.ConversationID, model.ErrorData{Message: err.Error(), Code: "invalid_content"})
		return
	}

	if decision := g.limiter.Check(sess.identity.ID); !decision.Allowed {
		g.writeError(ctx, fw, frame.ConversationID, model.ErrorData{
			Message:    decision.Reason,
			RetryAfter: decision.RetryAfter,
			Code:       "rate_limited",
		})
		return
	}

	conversationID, err := g.resolveConversation(ctx, sess, frame.ConversationID, payload.Content)
	if err != nil {
		sess.log.Error("failed to resolve conversation",
			zap.Error(err),
			zap.String("conversation_id", frame.ConversationID),
		)
		g.writeError(ctx, fw, frame.ConversationID, model.ErrorData{Message: "Failed to process message", Code: "internal"})
		return
	}
	log := sess.log.With(zap.String("conversation_id", conversationID))

	// History is captured before the new message is persisted so the
	// prompt carries it exactly once, as the current message.
	hist, err := g.formatter.GetHistory(ctx, conversationID, history.Options{})
	if err != nil {
		log.Error("failed to load history", zap.Error(err))
		g.writeError(ctx, fw, conversationID, model.ErrorData{Message: "Failed to process message", Code: "internal"})
		return
	}

	userMsg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        payload.Content,
		CreatedAt:      time.Now(),
	}
	if err := g.store.AppendMessage(ctx, userMsg); err != nil {
		log.Error("failed to persist user message", zap.Error(err))
		g.writeError(ctx, fw, conversationID, model.ErrorData{Message: "Failed to process message", Code: "internal"})
		return
	}
	metrics.RecordMessage(string(model.RoleUser))

	assistantID := uuid.Must(uuid.NewV7()).String()
	events := &connectionEvents{
		gateway:        g,
		ctx:            ctx,
		fw:             fw,
		log:            log,
		conversationID: conversationID,
		assistantID:    assistantID,
	}

	prompt := history.BuildPrompt(payload.Content, hist)
	outcome, err := g.bridge.Run(ctx, prompt, g.agentOpts, events)
	if err != nil {
		log.Error("agent query failed",
			zap.Error(err),
			zap.String("user_id", sess.identity.ID),
			zap.Duration("elapsed", time.Since(start)),
		)
		g.writeError(ctx, fw, conversationID, model.ErrorData{Message: "Failed to process message", Code: "internal"})
		return
	}

	assistantMsg := &model.Message{
		ID:             assistantID,
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		Content:        outcome.Content,
		CreatedAt:      time.Now(),
	}
	if err := g.store.AppendMessage(ctx, assistantMsg); err != nil {
		// The client already has the streamed content; log and finish.
		log.Error("failed to persist assistant message", zap.Error(err))
	} else {
		metrics.RecordMessage(string(model.RoleAssistant))
	}

	g.writeFrameOrLog(ctx, fw, sess, model.FrameDone, conversationID, model.DoneData{MessageID: assistantID})

	log.Info("message processed",
		zap.Int("turns", outcome.Turns),
		zap.String("stop_reason", outcome.StopReason),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// resolveConversation reuses the session's conversation, or lazily creates
// or adopts one on the first user message.
func (g *Gateway) resolveConversation(ctx context.Context, sess *session, requested, content string) (string, error) {
	if sess.conversationID != "" && (requested == "" || requested == sess.conversationID) {
		return sess.conversationID, nil
	}

	conv, err := g.store.GetOrCreateConversation(ctx, requested, sess.identity.ID, deriveTitle(content))
	if err != nil {
		return "", err
	}
	sess.conversationID = conv.ID
	return conv.ID, nil
}

// deriveTitle builds a conversation title from the first user message.
func deriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if len(title) > maxTitleLength {
		title = strings.TrimSpace(title[:maxTitleLength]) + "..."
	}
	return title
}

func (g *Gateway) writeError(ctx context.Context, fw frameWriter, conversationID string, data model.ErrorData) {
	frame, err := model.NewFrame(model.FrameError, conversationID, data)
	if err != nil {
		g.log.Error("failed to build error frame", zap.Error(err))
		return
	}
	if err := fw.writeFrame(ctx, frame); err != nil {
		g.log.Debug("failed to write error frame", zap.Error(err))
	}
}

func (g *Gateway) writeFrameOrLog(ctx context.Context, fw frameWriter, sess *session, t model.FrameType, conversationID string, data any) {
	frame, err := model.NewFrame(t, conversationID, data)
	if err != nil {
		sess.log.Error("failed to build frame", zap.Error(err), zap.String("type", string(t)))
		return
	}
	if err := fw.writeFrame(ctx, frame); err != nil {
		sess.log.Debug("failed to write frame", zap.Error(err), zap.String("type", string(t)))
	}
}
