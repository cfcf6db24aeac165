package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	"github.com/commitledger/agent-gateway/internal/agent"
	"github.com/commitledger/agent-gateway/internal/auth"
	"github.com/commitledger/agent-gateway/internal/llm"
	"github.com/commitledger/agent-gateway/internal/model"
	"github.com/commitledger/agent-gateway/internal/ratelimit"
	"github.com/commitledger/agent-gateway/internal/tools"
	"github.com/commitledger/agent-gateway/pkg/logger"
)

const testSecret = "test-secret"

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

func (s *fakeStore) GetOrCreateConversation(_ context.Context, id, workspaceID, title string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = "conv-generated"
	}
	if conv, ok := s.conversations[id]; ok {
		return conv, nil
	}
	conv := &model.Conversation{ID: id, WorkspaceID: workspaceID, Title: title, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.conversations[id] = conv
	return conv, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *fakeStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.Message(nil), msgs...), nil
}

func (s *fakeStore) roles(conversationID string) []model.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	var roles []model.Role
	for _, m := range s.messages[conversationID] {
		roles = append(roles, m.Role)
	}
	return roles
}

// echoClient answers every turn with a fixed delta stream and no tools.
type echoClient struct{}

func (echoClient) Name() string { return "echo" }

func (echoClient) StreamTurn(_ context.Context, req *llm.TurnRequest, onDelta llm.StreamCallback) (*llm.TurnResult, error) {
	for _, delta := range []string{"hello", " world"} {
		if err := onDelta(delta); err != nil {
			return nil, err
		}
	}
	return &llm.TurnResult{Content: "hello world", StopReason: "end_turn"}, nil
}

// recordingClient captures each turn request before answering like
// echoClient.
type recordingClient struct {
	echoClient
	mu       sync.Mutex
	requests []llm.TurnRequest
}

func (c *recordingClient) StreamTurn(ctx context.Context, req *llm.TurnRequest, onDelta llm.StreamCallback) (*llm.TurnResult, error) {
	c.mu.Lock()
	c.requests = append(c.requests, *req)
	c.mu.Unlock()
	return c.echoClient.StreamTurn(ctx, req, onDelta)
}

type gatewayOptions struct {
	authRequired bool
	limits       ratelimit.Config
	origins      []string
	client       llm.Client
	store        *fakeStore
	model        string
}

func newTestGateway(t *testing.T, opts gatewayOptions) (*Gateway, *fakeStore, *ratelimit.Limiter) {
	t.Helper()

	log, err := logger.New("error")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if opts.client == nil {
		opts.client = echoClient{}
	}
	if opts.store == nil {
		opts.store = newFakeStore()
	}
	if opts.origins == nil {
		opts.origins = []string{"http://localhost:3000"}
	}

	limiter := ratelimit.New(opts.limits)
	bridge := agent.New(opts.client, tools.NewRegistry(t.TempDir()), log)
	gw := New(
		auth.NewVerifier(testSecret),
		auth.NewOriginPolicy(opts.origins, false),
		limiter,
		opts.store,
		bridge,
		agent.Options{Model: opts.model},
		opts.authRequired,
		log,
	)
	return gw, opts.store, limiter
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, f model.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func sendUserMessage(t *testing.T, ctx context.Context, conn *websocket.Conn, conversationID, content string) {
	t.Helper()
	f, err := model.NewFrame(model.FrameUserMessage, conversationID, model.UserMessageData{Content: content})
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	send(t, ctx, conn, f)
}

func recvFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) model.Frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f model.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f
}

// collectUntilDone reads frames until a done or error frame arrives.
func collectUntilDone(t *testing.T, ctx context.Context, conn *websocket.Conn) []model.Frame {
	t.Helper()
	var frames []model.Frame
	for {
		f := recvFrame(t, ctx, conn)
		frames = append(frames, f)
		if f.Type == model.FrameDone || f.Type == model.FrameError {
			return frames
		}
	}
}

func TestRejectsMissingTokenWhenAuthRequired(t *testing.T) {
	gw, _, _ := newTestGateway(t, gatewayOptions{authRequired: true})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, srv.URL, nil)
	if err == nil {
		t.Fatal("dial without token should fail before upgrade")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 pre-upgrade, got %+v", resp)
	}
}

func TestRejectsInvalidToken(t *testing.T) {
	gw, _, _ := newTestGateway(t, gatewayOptions{authRequired: true})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, srv.URL+"?token=garbage", nil)
	if err == nil {
		t.Fatal("dial with a bad token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestRejectsDisallowedOrigin(t *testing.T) {
	gw, _, _ := newTestGateway(t, gatewayOptions{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestConnectionQuota(t *testing.T) {
	gw, _, limiter := newTestGateway(t, gatewayOptions{
		authRequired: true,
		limits:       ratelimit.Config{MaxConnsPerUser: 1},
	})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := srv.URL + "?token=" + signToken(t, "user-1")
	first := dial(t, ctx, url)
	defer first.Close(websocket.StatusNormalClosure, "")

	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("second connection should be rejected at the quota")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %+v", resp)
	}

	// Closing the first connection frees the slot.
	first.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(3 * time.Second)
	for limiter.Connections("user-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection slot never released after close")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := dial(t, ctx, url)
	second.Close(websocket.StatusNormalClosure, "")
}

func TestUserMessageStreamsAndPersists(t *testing.T) {
	gw, st, _ := newTestGateway(t, gatewayOptions{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendUserMessage(t, ctx, conn, "c1", "hello there")
	frames := collectUntilDone(t, ctx, conn)

	last := frames[len(frames)-1]
	if last.Type != model.FrameDone {
		t.Fatalf("terminal frame is %s, want done", last.Type)
	}

	var chunks string
	for _, f := range frames[:len(frames)-1] {
		if f.Type != model.FrameAssistantChunk {
			t.Fatalf("unexpected frame type %s", f.Type)
		}
		var data model.AssistantChunkData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		chunks += data.Delta
	}
	if chunks != "hello world" {
		t.Errorf("streamed content %q", chunks)
	}

	roles := st.roles("c1")
	if len(roles) != 2 || roles[0] != model.RoleUser || roles[1] != model.RoleAssistant {
		t.Errorf("persisted roles = %v, want [user assistant]", roles)
	}
	if st.conversations["c1"] == nil {
		t.Error("conversation was not created")
	}
}

func TestLargeMessageWithinContentLimitIsProcessed(t *testing.T) {
	gw, st, _ := newTestGateway(t, gatewayOptions{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Well past the websocket library's default 32KB read limit but inside
	// the validator's content bound; the frame must still be dispatched.
	content := strings.Repeat("k", 60000)
	sendUserMessage(t, ctx, conn, "c1", content)
	frames := collectUntilDone(t, ctx, conn)
	if frames[len(frames)-1].Type != model.FrameDone {
		t.Fatalf("large message did not complete: terminal frame %s", frames[len(frames)-1].Type)
	}

	msgs, err := st.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) == 0 || msgs[0].Content != content {
		t.Error("large message content was not persisted intact")
	}
}

func TestConfiguredModelReachesProvider(t *testing.T) {
	client := &recordingClient{}
	gw, _, _ := newTestGateway(t, gatewayOptions{client: client, model: "claude-3-5-haiku-20241022"})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendUserMessage(t, ctx, conn, "c1", "hello")
	frames := collectUntilDone(t, ctx, conn)
	if frames[len(frames)-1].Type != model.FrameDone {
		t.Fatal("message did not complete")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.requests) != 1 {
		t.Fatalf("provider saw %d requests, want 1", len(client.requests))
	}
	if got := client.requests[0].Model; got != "claude-3-5-haiku-20241022" {
		t.Errorf("request model = %q, want the configured one", got)
	}
}

func TestRateLimitEmitsErrorFrameAndKeepsConnection(t *testing.T) {
	gw, _, _ := newTestGateway(t, gatewayOptions{
		limits: ratelimit.Config{RequestsPerMinute: 2, RequestsPerHour: 1000, GlobalPerMinute: 1000},
	})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for i := 0; i < 2; i++ {
		sendUserMessage(t, ctx, conn, "c1", "hello")
		frames := collectUntilDone(t, ctx, conn)
		if frames[len(frames)-1].Type != model.FrameDone {
			t.Fatalf("message %d did not complete", i+1)
		}
	}

	sendUserMessage(t, ctx, conn, "c1", "hello")
	f := recvFrame(t, ctx, conn)
	if f.Type != model.FrameError {
		t.Fatalf("frame type %s, want error", f.Type)
	}
	var data model.ErrorData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if data.RetryAfter <= 0 || data.RetryAfter > 60 {
		t.Errorf("retryAfter = %d, want within the minute window", data.RetryAfter)
	}
	if data.Code != "rate_limited" {
		t.Errorf("code = %q", data.Code)
	}

	// The connection survives a throttled message.
	send(t, ctx, conn, model.Frame{Type: model.FramePing})
	if f := recvFrame(t, ctx, conn); f.Type != model.FramePong {
		t.Fatalf("frame after throttle = %s, want pong", f.Type)
	}
}

func TestPingDoesNotConsumeRateBudget(t *testing.T) {
	gw, _, _ := newTestGateway(t, gatewayOptions{
		limits: ratelimit.Config{RequestsPerMinute: 1, RequestsPerHour: 1000, GlobalPerMinute: 1000},
	})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for i := 0; i < 5; i++ {
		send(t, ctx, conn, model.Frame{Type: model.FramePing})
		if f := recvFrame(t, ctx, conn); f.Type != model.FramePong {
			t.Fatalf("frame %d = %s, want pong", i, f.Type)
		}
	}

	// The full message budget is still available after the pings.
	sendUserMessage(t, ctx, conn, "c1", "hello")
	frames := collectUntilDone(t, ctx, conn)
	if frames[len(frames)-1].Type != model.FrameDone {
		t.Fatal("message after pings should not be throttled")
	}
}

func TestUnrecognizedFrameIsIgnored(t *testing.T) {
	gw, _, _ := newTestGateway(t, gatewayOptions{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	send(t, ctx, conn, model.Frame{Type: "mystery"})

	// Connection remains active; the next ping answers normally.
	send(t, ctx, conn, model.Frame{Type: model.FramePing})
	if f := recvFrame(t, ctx, conn); f.Type != model.FramePong {
		t.Fatalf("frame = %s, want pong", f.Type)
	}
}

func TestMalformedFrameEmitsErrorAndKeepsConnection(t *testing.T) {
	gw, _, _ := newTestGateway(t, gatewayOptions{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := recvFrame(t, ctx, conn)
	if f.Type != model.FrameError {
		t.Fatalf("frame = %s, want error", f.Type)
	}

	send(t, ctx, conn, model.Frame{Type: model.FramePing})
	if f := recvFrame(t, ctx, conn); f.Type != model.FramePong {
		t.Fatalf("frame = %s, want pong", f.Type)
	}
}

func TestEmptyContentRejected(t *testing.T) {
	gw, st, _ := newTestGateway(t, gatewayOptions{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendUserMessage(t, ctx, conn, "c1", "")
	f := recvFrame(t, ctx, conn)
	if f.Type != model.FrameError {
		t.Fatalf("frame = %s, want error", f.Type)
	}
	if len(st.roles("c1")) != 0 {
		t.Error("invalid message must not be persisted")
	}
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello world", "hello world"},
		{"  spaced\n out \t words ", "spaced out words"},
	}
	for _, tc := range cases {
		if got := deriveTitle(tc.in); got != tc.want {
			t.Errorf("deriveTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	long := deriveTitle(strings.Repeat("commitment ", 30))
	if len(long) > maxTitleLength+3 {
		t.Errorf("derived title too long: %d chars", len(long))
	}
	if !strings.HasSuffix(long, "...") {
		t.Errorf("long title %q lacks ellipsis", long)
	}
}

func TestConversationReuseAcrossMessages(t *testing.T) {
	gw, st, _ := newTestGateway(t, gatewayOptions{})
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// First message omits the conversation id; the store mints one.
	sendUserMessage(t, ctx, conn, "", "first")
	frames := collectUntilDone(t, ctx, conn)
	if frames[len(frames)-1].Type != model.FrameDone {
		t.Fatal("first message did not complete")
	}
	convID := frames[0].ConversationID
	if convID == "" {
		t.Fatal("streamed frames carry no conversation id")
	}

	// The second message reuses the session's conversation.
	sendUserMessage(t, ctx, conn, "", "second")
	frames = collectUntilDone(t, ctx, conn)
	if frames[0].ConversationID != convID {
		t.Errorf("second message used conversation %q, want %q", frames[0].ConversationID, convID)
	}

	roles := st.roles(convID)
	if len(roles) != 4 {
		t.Errorf("persisted %d rows, want 4", len(roles))
	}
	if len(st.conversations) != 1 {
		t.Errorf("created %d conversations, want 1", len(st.conversations))
	}
}
