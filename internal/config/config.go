// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string // empty disables the gRPC listener
	FrontendURL string
	DBPath      string
	LogLevel    string

	Chat      ChatConfig
	Agent     AgentConfig
	Trigger   TriggerConfig
	Workers   WorkerConfig
	RateLimit RateLimitConfig
	Kafka     KafkaConfig
	Redis     RedisConfig

	QuickRepliesFile string
}

// ChatConfig tunes the session lifecycle.
type ChatConfig struct {
	SessionTTL          time.Duration
	MessageLimitDefault int
	MessageLimitMax     int
	StrictLoadBalancing bool
}

// AgentConfig controls agent authentication.
type AgentConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// TriggerConfig controls the purchase trigger sources.
type TriggerConfig struct {
	Secret          string
	AllowedStatuses []string
}

// WorkerConfig holds background job intervals. Zero disables a job.
type WorkerConfig struct {
	ReaperInterval    time.Duration
	DispatchInterval  time.Duration
	HeartbeatTimeout  time.Duration
	ReconcileInterval time.Duration
}

// RateLimitConfig bounds per-client request rates on public endpoints.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// KafkaConfig enables the order event consumer when Brokers is set.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// RedisConfig enables the cross-instance event relay when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/supportdesk.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Chat: ChatConfig{
			SessionTTL:          getEnvDuration("SESSION_TTL", 24*time.Hour),
			MessageLimitDefault: getEnvInt("MESSAGE_LIMIT_DEFAULT", 50),
			MessageLimitMax:     getEnvInt("MESSAGE_LIMIT_MAX", 100),
			StrictLoadBalancing: getEnvBool("STRICT_LOAD_BALANCING", false),
		},
		Agent: AgentConfig{
			JWTSecret: getEnv("AGENT_JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("AGENT_TOKEN_TTL", 12*time.Hour),
		},
		Trigger: TriggerConfig{
			Secret:          getEnv("TRIGGER_SECRET", ""),
			AllowedStatuses: getEnvList("TRIGGER_ALLOWED_STATUSES", []string{"processing", "completed", "on-hold"}),
		},
		Workers: WorkerConfig{
			ReaperInterval:    getEnvDuration("REAPER_INTERVAL", time.Minute),
			DispatchInterval:  getEnvDuration("DISPATCH_INTERVAL", 15*time.Second),
			HeartbeatTimeout:  getEnvDuration("AGENT_HEARTBEAT_TIMEOUT", 2*time.Minute),
			ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
			Burst: getEnvInt("RATE_LIMIT_BURST", 20),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "orders.completed"),
			GroupID: getEnv("KAFKA_GROUP_ID", "supportdesk"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_CHANNEL", "supportdesk:events"),
		},
		QuickRepliesFile: getEnv("QUICK_REPLIES_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Agent.JWTSecret == "" {
		return fmt.Errorf("AGENT_JWT_SECRET is required")
	}
	if len(c.Agent.JWTSecret) < 32 {
		return fmt.Errorf("AGENT_JWT_SECRET must be at least 32 bytes")
	}
	if c.Chat.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Chat.MessageLimitMax <= 0 {
		return fmt.Errorf("MESSAGE_LIMIT_MAX must be > 0")
	}
	if c.Chat.MessageLimitDefault <= 0 || c.Chat.MessageLimitDefault > c.Chat.MessageLimitMax {
		return fmt.Errorf("MESSAGE_LIMIT_DEFAULT must be between 1 and MESSAGE_LIMIT_MAX")
	}
	if c.Workers.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be > 0")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC cannot be empty when KAFKA_BROKERS is set")
	}
	if len(c.Trigger.AllowedStatuses) == 0 {
		return fmt.Errorf("TRIGGER_ALLOWED_STATUSES cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
