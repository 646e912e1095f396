package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/voicetodo/internal/domain"
	"github.com/splax/voicetodo/internal/service/agent"
	"github.com/splax/voicetodo/internal/service/assistant"
	"github.com/splax/voicetodo/internal/service/task"
	"github.com/splax/voicetodo/internal/ws"
)

// TaskService is the task API consumed by the router.
type TaskService interface {
	Create(ctx context.Context, input task.CreateInput) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, input task.ListInput) ([]domain.Task, error)
	Update(ctx context.Context, id string, input task.UpdateInput) (*domain.Task, error)
	Complete(ctx context.Context, id string) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
}

// SessionService secures and releases voice-agent dispatches.
type SessionService interface {
	Configured() bool
	Connect(ctx context.Context, room string, meta domain.SessionMetadata) (agent.ConnectResult, error)
	Disconnect(room string) (agent.Status, error)
	Status(room string) agent.Status
}

// WebhookReceiver verifies and applies transport webhooks.
type WebhookReceiver interface {
	Receive(r *http.Request) (*livekit.WebhookEvent, error)
}

// ToolExecutor runs one assistant tool call.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any, timezone string) (map[string]any, error)
}

// Commander answers free-text commands.
type Commander interface {
	Command(ctx context.Context, input assistant.CommandInput) (*assistant.CommandResult, error)
}

// Services bundles the router's dependencies. Nil members disable their routes.
type Services struct {
	Tasks     TaskService
	Sessions  SessionService
	Webhooks  WebhookReceiver
	Tools     ToolExecutor
	Assistant Commander
	Hub       *ws.Hub
	DBHealth  func(context.Context) error
}

// SessionConfig carries what clients need to join a room.
type SessionConfig struct {
	LiveKitURL string
	APIKey     string
	APISecret  string
	TokenTTL   time.Duration
	AgentToken string
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	tasks      TaskService
	sessions   SessionService
	webhooks   WebhookReceiver
	tools      ToolExecutor
	assistant  Commander
	hub        *ws.Hub
	dbHealth   func(context.Context) error
	session    SessionConfig
	agentToken string
	upgrader   websocket.Upgrader
	limiter    RateLimiter

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	streamClients      *prometheus.GaugeVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitRead       = 120
	rateLimitWrite      = 60
	rateLimitSession    = 20
	rateLimitCommand    = 30
	rateLimitStream     = 30
	rateLimitAgentTools = 600
	rateLimitWebhook    = 600
	healthCheckTimeout  = 2 * time.Second
	sseHeartbeat        = 15 * time.Second
	sseRetry            = 3 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, services Services, session SessionConfig, limiter RateLimiter) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		tasks:     services.Tasks,
		sessions:  services.Sessions,
		webhooks:  services.Webhooks,
		tools:     services.Tools,
		assistant: services.Assistant,
		hub:       services.Hub,
		dbHealth:  services.DBHealth,
		session:   session,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		agentToken: strings.TrimSpace(session.AgentToken),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/tasks", r.audit(r.withRateLimit("/tasks", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleTasks)))
	r.mux.HandleFunc("/tasks/", r.audit(r.withRateLimit("/tasks/{id}", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, r.handleTaskSubroutes)))
	r.mux.HandleFunc("/sessions/connect", r.audit(r.withRateLimit("/sessions/connect", rateLimitSession, rateWindowDefault, rateLimitKeyIP, r.handleSessionConnect)))
	r.mux.HandleFunc("/sessions/", r.audit(r.withRateLimit("/sessions/{room}", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, r.handleSessionSubroutes)))
	r.mux.HandleFunc("/livekit/webhook", r.audit(r.withRateLimit("/livekit/webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, r.handleLiveKitWebhook)))
	r.mux.HandleFunc("/assistant/command", r.audit(r.withRateLimit("/assistant/command", rateLimitCommand, rateWindowDefault, rateLimitKeyIP, r.handleAssistantCommand)))
	r.mux.HandleFunc("/assistant/tools/", r.audit(r.handlerAgentRate("/assistant/tools/{name}", rateLimitAgentTools, rateWindowDefault, r.handleAssistantTool)))
	r.mux.HandleFunc("/ws/events", r.audit(r.withRateLimit("/ws/events", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleEventsWS)))
	r.mux.HandleFunc("/sse/events", r.audit(r.withRateLimit("/sse/events", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleEventsSSE)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	voice := map[string]any{"status": "disabled"}
	if r.sessions != nil && r.sessions.Configured() {
		voice["status"] = "up"
	}
	components["voice"] = voice
	assistantStatus := "disabled"
	if r.assistant != nil {
		assistantStatus = "up"
	}
	components["assistant"] = map[string]any{"status": assistantStatus}

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := recorder.route
		if route == "" {
			route = req.URL.Path
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Actor
			if info.Room != "" {
				fields = append(fields, "room", info.Room)
			}
		} else if strings.HasPrefix(req.URL.Path, "/livekit/") {
			actor = "livekit"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	route  string
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) SetRoute(route string) {
	sr.route = route
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
