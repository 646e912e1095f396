package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/voicetodo/internal/app/migrate"
	httpx "github.com/splax/voicetodo/internal/http"
	livekitx "github.com/splax/voicetodo/internal/livekit"
	"github.com/splax/voicetodo/internal/repository/postgres"
	"github.com/splax/voicetodo/internal/service/agent"
	"github.com/splax/voicetodo/internal/service/assistant"
	"github.com/splax/voicetodo/internal/service/events"
	"github.com/splax/voicetodo/internal/service/task"
	"github.com/splax/voicetodo/internal/ws"
	"github.com/splax/voicetodo/pkg/config"
	"github.com/splax/voicetodo/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	level := slog.LevelInfo
	if cfg.LogDebug {
		level = slog.LevelDebug
	}
	log, logLimiter := logger.NewRateLimited("api", level, logger.RateLimitOptions{
		Rate:          cfg.LogRateLimit,
		FlushInterval: cfg.LogFlushInterval,
	})
	logLimiter.Start()
	defer logLimiter.Stop()
	registerLogMetrics(prometheus.DefaultRegisterer, logLimiter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(cfg.EventBuffer)
	defer hub.Close()
	eventSvc := events.New(hub, log)

	taskSvc := task.New(repo, eventSvc, log, cfg.DefaultTimezone)

	var dispatchAPI agent.DispatchAPI
	if cfg.LiveKitConfigured() {
		client, err := livekitx.NewDispatchClient(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, log)
		if err != nil {
			log.Error("livekit dispatch client unavailable", "error", err)
		} else {
			dispatchAPI = client
		}
	} else {
		log.Warn("livekit credentials missing, voice sessions disabled")
	}

	agentMetrics := agent.NewMetrics(prometheus.DefaultRegisterer)
	tracker := agent.NewTracker(cfg.AgentTTL, log)
	orchestrator := agent.NewOrchestrator(dispatchAPI, tracker, agent.Options{
		AgentName:   cfg.AgentName,
		MaxAttempts: cfg.DispatchMaxAttempts,
		Backoff:     cfg.DispatchBackoff,
		Metrics:     agentMetrics,
		Events:      eventSvc,
	}, log)
	cleanup := agent.NewCleanupWorker(dispatchAPI, tracker, agent.CleanupOptions{
		Interval: cfg.CleanupInterval,
		Metrics:  agentMetrics,
		Events:   eventSvc,
	}, log)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	webhooks := livekitx.NewWebhookReceiver(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, orchestrator, log)

	tools := assistant.NewExecutor(taskSvc, log)
	var commander httpx.Commander
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := assistant.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, tools, log)
		if err != nil {
			log.Warn("assistant unavailable", "error", err)
		} else {
			commander = gemini
		}
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Services{
		Tasks:     taskSvc,
		Sessions:  orchestrator,
		Webhooks:  webhooks,
		Tools:     tools,
		Assistant: commander,
		Hub:       hub,
		DBHealth:  repo.Ping,
	}, httpx.SessionConfig{
		LiveKitURL: cfg.LiveKitURL,
		APIKey:     cfg.LiveKitAPIKey,
		APISecret:  cfg.LiveKitAPISecret,
		TokenTTL:   cfg.RoomTokenTTL,
		AgentToken: cfg.AgentToken,
	}, limiter)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "voice", orchestrator.Configured(), "assistant", commander != nil)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func registerLogMetrics(reg prometheus.Registerer, h *logger.RateLimitedHandler) {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "voicetodo",
			Subsystem: "log",
			Name:      "dropped_total",
			Help:      "Log lines refused by the rate limiter",
		}, func() float64 { return float64(h.Stats().TotalDropped) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "voicetodo",
			Subsystem: "log",
			Name:      "aggregated_total",
			Help:      "Noisy log lines folded into summaries",
		}, func() float64 { return float64(h.Stats().TotalAggregated) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "voicetodo",
			Subsystem: "log",
			Name:      "available_tokens",
			Help:      "Tokens left in the log budget",
		}, func() float64 { return h.Stats().AvailableTokens }),
	}
	for _, c := range collectors {
		_ = reg.Register(c)
	}
}
