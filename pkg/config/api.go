package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment         string
	Addr                string
	PublicURL           string
	DatabaseURL         string
	MigrationsDir       string
	LiveKitURL          string
	LiveKitAPIKey       string
	LiveKitAPISecret    string
	AgentName           string
	AgentToken          string
	AgentTTL            time.Duration
	CleanupInterval     time.Duration
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration
	RoomTokenTTL        time.Duration
	LogDebug            bool
	LogRateLimit        int
	LogFlushInterval    time.Duration
	RateLimitRedisAddr  string
	RateLimitRedisPass  string
	RateLimitRedisDB    int
	GeminiAPIKey        string
	GeminiModel         string
	DefaultTimezone     string
	EventBuffer         int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		PublicURL:           GetString("PUBLIC_URL", "http://localhost:4000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://todo:todo@db:5432/todo?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", ""),
		LiveKitURL:          GetString("LIVEKIT_URL", ""),
		LiveKitAPIKey:       GetString("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret:    GetString("LIVEKIT_API_SECRET", ""),
		AgentName:           GetString("AGENT_NAME", "todo-agent"),
		AgentToken:          GetString("AGENT_TOKEN", ""),
		AgentTTL:            GetDuration("AGENT_TTL_SECONDS", 5*time.Minute, time.Second),
		CleanupInterval:     GetDuration("CLEANUP_INTERVAL_MS", time.Minute, time.Millisecond),
		DispatchMaxAttempts: GetInt("DISPATCH_MAX_ATTEMPTS", 3),
		DispatchBackoff:     GetDuration("DISPATCH_BACKOFF_MS", time.Second, time.Millisecond),
		RoomTokenTTL:        GetDuration("ROOM_TOKEN_TTL_MIN", time.Hour, time.Minute),
		LogDebug:            GetBool("LOG_DEBUG", false),
		LogRateLimit:        GetInt("LOG_RATE_LIMIT", 400),
		LogFlushInterval:    GetDuration("LOG_FLUSH_SECONDS", time.Minute, time.Second),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
		GeminiAPIKey:        GetString("GEMINI_API_KEY", ""),
		GeminiModel:         GetString("GEMINI_MODEL", "gemini-2.0-flash"),
		DefaultTimezone:     GetString("DEFAULT_TIMEZONE", "UTC"),
		EventBuffer:         GetInt("EVENT_BUFFER", 64),
	}
}

// LiveKitConfigured reports whether dispatch API credentials are present.
func (c APIConfig) LiveKitConfigured() bool {
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}
