// Package config provides environment configuration for the gateway.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	Env                string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Auth settings
	AuthRequired      bool
	JWTSecret         string
	AllowedOrigins    []string
	OriginPrefixMatch bool

	// Rate limiting
	RequestsPerMinute int
	RequestsPerHour   int
	GlobalPerMinute   int
	MaxConnsPerUser   int
	HTTPRateLimit     int

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	AgentModel      string
	WorkspaceDir    string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	env := getEnv("ENV", "development")

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		Env:                env,
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Auth: required in production unless explicitly overridden.
		AuthRequired:      getBoolEnv("AUTH_REQUIRED", env == "production"),
		JWTSecret:         getEnv("JWT_SECRET", "development-secret-change-in-production"),
		AllowedOrigins:    getListEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		OriginPrefixMatch: getBoolEnv("ORIGIN_PREFIX_MATCH", false),

		// Rate limiting
		RequestsPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 10),
		RequestsPerHour:   getIntEnv("RATE_LIMIT_PER_HOUR", 60),
		GlobalPerMinute:   getIntEnv("RATE_LIMIT_GLOBAL_PER_MINUTE", 100),
		MaxConnsPerUser:   getIntEnv("MAX_CONNECTIONS_PER_USER", 3),
		HTTPRateLimit:     getIntEnv("HTTP_RATE_LIMIT", 120),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AgentModel:      getEnv("AGENT_MODEL", ""),
		WorkspaceDir:    getEnv("WORKSPACE_DIR", "."),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
