package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/livekit"

	"github.com/splax/voicetodo/internal/domain"
	livekitx "github.com/splax/voicetodo/internal/livekit"
	"github.com/splax/voicetodo/internal/repository"
	"github.com/splax/voicetodo/internal/service/agent"
	"github.com/splax/voicetodo/internal/service/assistant"
	"github.com/splax/voicetodo/internal/service/task"
	"github.com/splax/voicetodo/internal/ws"
	pkgjwt "github.com/splax/voicetodo/pkg/jwt"
)

type taskServiceStub struct {
	tasks     map[string]domain.Task
	lastList  task.ListInput
	createErr error
}

func newTaskServiceStub() *taskServiceStub {
	return &taskServiceStub{tasks: make(map[string]domain.Task)}
}

func (s *taskServiceStub) Create(_ context.Context, input task.CreateInput) (*domain.Task, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, task.ErrInvalidTitle
	}
	t := domain.Task{ID: "t-" + input.Title, Title: input.Title, Priority: domain.PriorityMedium}
	s.tasks[t.ID] = t
	return &t, nil
}

func (s *taskServiceStub) Get(_ context.Context, id string) (*domain.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (s *taskServiceStub) List(_ context.Context, input task.ListInput) ([]domain.Task, error) {
	s.lastList = input
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *taskServiceStub) Update(ctx context.Context, id string, input task.UpdateInput) (*domain.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.Title != nil {
		t.Title = *input.Title
	}
	if input.Completed != nil {
		t.Completed = *input.Completed
	}
	s.tasks[id] = *t
	return t, nil
}

func (s *taskServiceStub) Complete(ctx context.Context, id string) (*domain.Task, error) {
	done := true
	return s.Update(ctx, id, task.UpdateInput{Completed: &done})
}

func (s *taskServiceStub) Delete(_ context.Context, id string) error {
	if _, ok := s.tasks[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

type sessionStub struct {
	configured bool
	result     agent.ConnectResult
	err        error
	lastRoom   string
	lastMeta   domain.SessionMetadata
	status     agent.Status
}

func (s *sessionStub) Configured() bool { return s.configured }

func (s *sessionStub) Connect(_ context.Context, room string, meta domain.SessionMetadata) (agent.ConnectResult, error) {
	s.lastRoom = room
	s.lastMeta = meta
	return s.result, s.err
}

func (s *sessionStub) Disconnect(room string) (agent.Status, error) {
	if !s.status.HasAgent {
		return agent.Status{Room: room}, agent.ErrNoAgent
	}
	return s.status, nil
}

func (s *sessionStub) Status(room string) agent.Status {
	status := s.status
	status.Room = room
	return status
}

type webhookStub struct {
	err error
}

func (w webhookStub) Receive(*http.Request) (*livekit.WebhookEvent, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &livekit.WebhookEvent{Event: livekitx.EventParticipantLeft}, nil
}

type toolStub struct {
	name string
	args map[string]any
}

func (t *toolStub) Execute(_ context.Context, name string, args map[string]any, _ string) (map[string]any, error) {
	t.name = name
	t.args = args
	if name != assistant.ToolListTasks {
		return nil, assistant.ErrUnknownTool
	}
	return map[string]any{"ok": true, "count": 0}, nil
}

type commanderStub struct {
	result *assistant.CommandResult
	err    error
}

func (c commanderStub) Command(context.Context, assistant.CommandInput) (*assistant.CommandResult, error) {
	return c.result, c.err
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	router   *Router
	tasks    *taskServiceStub
	sessions *sessionStub
	tools    *toolStub
	limiter  *rateLimiterStub
	hub      *ws.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tasks:    newTaskServiceStub(),
		sessions: &sessionStub{configured: true, result: agent.ConnectResult{DispatchID: "AD_1"}},
		tools:    &toolStub{},
		limiter:  &rateLimiterStub{},
		hub:      ws.NewHub(8),
	}
	t.Cleanup(f.hub.Close)
	f.router = NewRouter(discardLogger(), Services{
		Tasks:     f.tasks,
		Sessions:  f.sessions,
		Webhooks:  webhookStub{err: errors.New("bad signature")},
		Tools:     f.tools,
		Assistant: commanderStub{result: &assistant.CommandResult{Reply: "Done."}},
		Hub:       f.hub,
	}, SessionConfig{
		LiveKitURL: "wss://voice.example.com",
		APIKey:     "APIkey",
		APISecret:  "secret-secret-secret",
		TokenTTL:   time.Minute,
		AgentToken: "agent-secret",
	}, f.limiter)
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestTasksCreateListAndComplete(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPost, "/tasks", `{"title":"milk","due":"tomorrow"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created domain.Task
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "t-milk" {
		t.Fatalf("unexpected task %+v", created)
	}

	rr = f.do(http.MethodGet, "/tasks?status=open&limit=5&overdue=true", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if f.tasks.lastList.Status != "open" || f.tasks.lastList.Limit != 5 || !f.tasks.lastList.Overdue {
		t.Fatalf("unexpected list input %+v", f.tasks.lastList)
	}

	rr = f.do(http.MethodPost, "/tasks/t-milk/complete", "")
	if rr.Code != http.StatusOK || !f.tasks.tasks["t-milk"].Completed {
		t.Fatalf("expected completed task, got %d", rr.Code)
	}

	rr = f.do(http.MethodDelete, "/tasks/t-milk", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestTaskErrorsMapToStatus(t *testing.T) {
	f := newFixture(t)

	if rr := f.do(http.MethodGet, "/tasks/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/tasks", `{"title":" "}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/tasks", `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPut, "/tasks", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}

	f.tasks.createErr = &task.AmbiguousError{Reference: "call", Matches: []domain.Task{{Title: "call a"}, {Title: "call b"}}}
	rr := f.do(http.MethodPost, "/tasks", `{"title":"x"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	f.tasks.createErr = errors.New("connection reset")
	rr = f.do(http.MethodPost, "/tasks", `{"title":"x"}`)
	if rr.Code != http.StatusInternalServerError || parseError(t, rr.Body.String()) != "internal error" {
		t.Fatalf("expected opaque 500, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSessionConnectIssuesToken(t *testing.T) {
	f := newFixture(t)
	f.sessions.result = agent.ConnectResult{DispatchID: "AD_9", Reused: true}

	rr := f.do(http.MethodPost, "/sessions/connect", `{"room":"R1","identity":"alice","timezone":"Europe/Paris"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp connectResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Room != "R1" || resp.DispatchID != "AD_9" || !resp.Reused || resp.URL != "wss://voice.example.com" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if f.sessions.lastMeta.Timezone != "Europe/Paris" || f.sessions.lastMeta.Participant != "alice" {
		t.Fatalf("unexpected metadata %+v", f.sessions.lastMeta)
	}
	claims, err := pkgjwt.ParseRoomToken(resp.Token, "secret-secret-secret")
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Video == nil || claims.Video.Room != "R1" || claims.Subject != "alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestSessionConnectGeneratesRoomAndIdentity(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/sessions/connect", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(f.sessions.lastRoom, "todo-") {
		t.Fatalf("expected generated room, got %q", f.sessions.lastRoom)
	}
}

func TestSessionConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.sessions.err = agent.ErrDispatchUnavailable
	rr := f.do(http.MethodPost, "/sessions/connect", `{"room":"R1"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if msg := parseError(t, rr.Body.String()); msg != sessionUnavailableMessage {
		t.Fatalf("unexpected message %q", msg)
	}

	f.sessions.configured = false
	rr = f.do(http.MethodPost, "/sessions/connect", `{"room":"R1"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when unconfigured, got %d", rr.Code)
	}

	f.sessions.configured = true
	rr = f.do(http.MethodPost, "/sessions/connect", `{"room":"R1","timezone":"Mars/Olympus"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timezone, got %d", rr.Code)
	}
}

func TestSessionStatusAndDisconnect(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPost, "/sessions/R1/disconnect", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without agent, got %d", rr.Code)
	}

	expires := time.Date(2025, 3, 5, 10, 5, 0, 0, time.UTC)
	f.sessions.status = agent.Status{HasAgent: true, DispatchID: "AD_1", TTLExpiresAt: &expires}
	rr = f.do(http.MethodGet, "/sessions/R1/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var status agent.Status
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Room != "R1" || !status.HasAgent || status.TTLExpiresAt == nil || !status.TTLExpiresAt.Equal(expires) {
		t.Fatalf("unexpected status %+v", status)
	}
	if rr := f.do(http.MethodPost, "/sessions/R1/disconnect", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/sessions/R1/other", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestLiveKitWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/livekit/webhook", `{}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	f.router.webhooks = webhookStub{}
	rr = f.do(http.MethodPost, "/livekit/webhook", `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	f.router.webhooks = webhookStub{err: livekitx.ErrWebhookNotConfigured}
	rr = f.do(http.MethodPost, "/livekit/webhook", `{}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestAssistantToolRequiresAgentToken(t *testing.T) {
	f := newFixture(t)

	if rr := f.do(http.MethodPost, "/assistant/tools/list_tasks", `{}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := f.do(http.MethodPost, "/assistant/tools/list_tasks", `{}`, "Authorization", "Bearer wrong-secret"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", rr.Code)
	}

	rr := f.do(http.MethodPost, "/assistant/tools/list_tasks", `{"args":{"status":"done"}}`, "Authorization", "Bearer agent-secret", "X-Room", "R1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if f.tools.name != assistant.ToolListTasks || f.tools.args["status"] != "done" {
		t.Fatalf("unexpected tool call %s %v", f.tools.name, f.tools.args)
	}
	last := f.limiter.calls[len(f.limiter.calls)-1]
	if last.key != "agent:R1@/assistant/tools/{name}" || last.limit != rateLimitAgentTools {
		t.Fatalf("unexpected limiter call %+v", last)
	}

	rr = f.do(http.MethodPost, "/assistant/tools/send_email", `{}`, "Authorization", "Bearer agent-secret")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tool, got %d", rr.Code)
	}
}

func TestAssistantCommand(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/assistant/command", `{"text":"what's due today"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result assistant.CommandResult
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Reply != "Done." {
		t.Fatalf("unexpected reply %q", result.Reply)
	}

	f.router.assistant = commanderStub{err: assistant.ErrEmptyCommand}
	if rr := f.do(http.MethodPost, "/assistant/command", `{"text":""}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	f.router.assistant = commanderStub{err: errors.New("quota exceeded")}
	if rr := f.do(http.MethodPost, "/assistant/command", `{"text":"hi"}`); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	f.router.assistant = nil
	if rr := f.do(http.MethodPost, "/assistant/command", `{"text":"hi"}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRateLimitedRequest(t *testing.T) {
	f := newFixture(t)
	reset := time.Unix(1_960_000_000, 0)
	f.limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}

	rr := f.do(http.MethodGet, "/tasks", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "120" {
		t.Fatalf("unexpected limit header %q", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining header %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("X-RateLimit-Reset") != "1960000000" {
		t.Fatalf("unexpected reset header %q", rr.Header().Get("X-RateLimit-Reset"))
	}
	if f.tasks.lastList.Status != "" {
		t.Fatalf("expected task service not invoked")
	}
	if !strings.HasPrefix(f.limiter.calls[0].key, "ip:") {
		t.Fatalf("unexpected limiter key %q", f.limiter.calls[0].key)
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	f := newFixture(t)
	f.router.dbHealth = func(context.Context) error { return errors.New("down") }
	rr := f.do(http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "degraded" || payload.Components["voice"]["status"] != "up" {
		t.Fatalf("unexpected health payload %+v", payload)
	}
}

func TestEventsSSEStreamsHubPayloads(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/sse/events?topic=tasks", nil)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)

	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		f.router.handleEventsSSE(recorder, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool { return f.hub.Subscribers("tasks") == 1 })
	f.hub.Broadcast("tasks", []byte(`{"type":"task.created"}`))
	waitFor(t, 2*time.Second, func() bool { return strings.Contains(recorder.body(), "data: ") })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sse handler did not exit after context cancel")
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if recorder.flushCount() == 0 {
		t.Fatalf("expected flusher to be invoked")
	}
	if !strings.Contains(recorder.body(), `"type":"task.created"`) {
		t.Fatalf("unexpected body %q", recorder.body())
	}
}

func TestEventsStreamRejectsUnknownTopic(t *testing.T) {
	f := newFixture(t)
	if rr := f.do(http.MethodGet, "/sse/events?topic=logs", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	f.router.hub = nil
	if rr := f.do(http.MethodGet, "/ws/events", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
	flush  int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header {
	return s.header
}

func (s *streamRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.buf.Write(b)
}

func (s *streamRecorder) WriteHeader(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *streamRecorder) Flush() {
	s.mu.Lock()
	s.flush++
	s.mu.Unlock()
}

func (s *streamRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *streamRecorder) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func parseError(t *testing.T, body string) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	v, _ := payload["error"].(string)
	return v
}
