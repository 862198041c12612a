// Package config provides application configuration.
//
// Values come from built-in defaults, then an optional TOML file named by
// CREWCHAT_CONFIG, then environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration.
type Config struct {
	APIURL        string          `toml:"api_url"`
	SocketURL     string          `toml:"socket_url"`
	SocketPath    string          `toml:"socket_path"`
	AISessionID   string          `toml:"ai_session_id"`
	AskPath       string          `toml:"ask_path"`
	HistoryPath   string          `toml:"history_path"`
	UserID        string          `toml:"user_id"`
	StateDBPath   string          `toml:"state_db_path"`
	LogLevel      string          `toml:"log_level"`
	HistoryOnOpen bool            `toml:"history_on_open"`
	Timeouts      TimeoutConfig   `toml:"timeouts"`
	Reconnect     ReconnectConfig `toml:"reconnect"`
	Relay         RelayConfig     `toml:"relay"`
}

// TimeoutConfig bounds outbound HTTP calls.
type TimeoutConfig struct {
	Dispatch time.Duration `toml:"dispatch"`
	History  time.Duration `toml:"history"`
}

// ReconnectConfig controls the real-time channel's reconnect loop.
type ReconnectConfig struct {
	Enabled     bool          `toml:"enabled"`
	Initial     time.Duration `toml:"initial"`
	Max         time.Duration `toml:"max"`
	MaxAttempts int           `toml:"max_attempts"` // 0 = unlimited
}

// RelayConfig configures the reference relay server.
type RelayConfig struct {
	Port               string        `toml:"port"`
	DBPath             string        `toml:"db_path"`
	FrontendURL        string        `toml:"frontend_url"`
	ReplyDelay         time.Duration `toml:"reply_delay"`
	RateLimitRequests  int           `toml:"rate_limit_requests"`
	RateLimitWindow    time.Duration `toml:"rate_limit_window"`
	MaxRequestBodySize int64         `toml:"max_request_body_size"`
	HistoryTTL         time.Duration `toml:"history_ttl"` // 0 = keep forever
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SocketPath:  "/socket",
		AskPath:     "/ai/ask",
		HistoryPath: "/chat/history",
		StateDBPath: "./data/client.db",
		LogLevel:    "info",
		Timeouts: TimeoutConfig{
			Dispatch: 5 * time.Minute,
			History:  30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled: true,
			Initial: time.Second,
			Max:     30 * time.Second,
		},
		Relay: RelayConfig{
			Port:               "8080",
			DBPath:             "./data/relay.db",
			ReplyDelay:         250 * time.Millisecond,
			RateLimitRequests:  10,
			RateLimitWindow:    time.Minute,
			MaxRequestBodySize: 1 << 20,
		},
	}
}

// Load reads configuration from the optional config file and environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CREWCHAT_CONFIG"); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile overlays the TOML file at path onto cfg.
func LoadFile(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.APIURL = strings.TrimRight(getEnv("API_URL", cfg.APIURL), "/")
	cfg.SocketURL = strings.TrimRight(getEnv("SOCKET_URL", cfg.SocketURL), "/")
	cfg.SocketPath = getEnv("SOCKET_PATH", cfg.SocketPath)
	cfg.AISessionID = getEnv("AI_SESSION_ID", cfg.AISessionID)
	cfg.AskPath = getEnv("AI_ASK_PATH", cfg.AskPath)
	cfg.HistoryPath = getEnv("HISTORY_PATH", cfg.HistoryPath)
	cfg.UserID = getEnv("CREWCHAT_USER_ID", cfg.UserID)
	cfg.StateDBPath = getEnv("STATE_DB_PATH", cfg.StateDBPath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.HistoryOnOpen = getEnvBool("HISTORY_ON_OPEN", cfg.HistoryOnOpen)

	cfg.Timeouts.Dispatch = getEnvDuration("DISPATCH_TIMEOUT", cfg.Timeouts.Dispatch)
	cfg.Timeouts.History = getEnvDuration("HISTORY_TIMEOUT", cfg.Timeouts.History)

	cfg.Reconnect.Enabled = getEnvBool("RECONNECT_ENABLED", cfg.Reconnect.Enabled)
	cfg.Reconnect.Initial = getEnvDuration("RECONNECT_INITIAL", cfg.Reconnect.Initial)
	cfg.Reconnect.Max = getEnvDuration("RECONNECT_MAX", cfg.Reconnect.Max)
	cfg.Reconnect.MaxAttempts = getEnvInt("RECONNECT_ATTEMPTS", cfg.Reconnect.MaxAttempts)

	cfg.Relay.Port = getEnv("PORT", cfg.Relay.Port)
	cfg.Relay.DBPath = getEnv("RELAY_DB_PATH", cfg.Relay.DBPath)
	cfg.Relay.FrontendURL = getEnv("FRONTEND_URL", cfg.Relay.FrontendURL)
	cfg.Relay.ReplyDelay = getEnvDuration("RELAY_REPLY_DELAY", cfg.Relay.ReplyDelay)
	cfg.Relay.RateLimitRequests = getEnvInt("RATE_LIMIT_REQUESTS", cfg.Relay.RateLimitRequests)
	cfg.Relay.RateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", cfg.Relay.RateLimitWindow)
	cfg.Relay.HistoryTTL = getEnvDuration("RELAY_HISTORY_TTL", cfg.Relay.HistoryTTL)
}

// Validate checks the settings that would make the process unusable.
// Missing endpoints are reported by Warnings instead.
func (c *Config) Validate() error {
	if c.Timeouts.Dispatch <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT must be > 0")
	}
	if c.Timeouts.History <= 0 {
		return fmt.Errorf("HISTORY_TIMEOUT must be > 0")
	}
	if c.Reconnect.Initial <= 0 || c.Reconnect.Max < c.Reconnect.Initial {
		return fmt.Errorf("RECONNECT_INITIAL must be > 0 and <= RECONNECT_MAX")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS cannot be negative")
	}
	if c.StateDBPath == "" {
		return fmt.Errorf("STATE_DB_PATH cannot be empty")
	}
	if c.Relay.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Relay.DBPath == "" {
		return fmt.Errorf("RELAY_DB_PATH cannot be empty")
	}
	if c.Relay.RateLimitRequests <= 0 || c.Relay.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Relay.HistoryTTL < 0 {
		return fmt.Errorf("RELAY_HISTORY_TTL cannot be negative")
	}
	for name, raw := range map[string]string{"API_URL": c.APIURL, "SOCKET_URL": c.SocketURL} {
		if raw == "" {
			continue
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
	}
	return nil
}

// Warnings lists missing settings the chat client needs. They are surfaced
// to the user once at startup; the session still starts.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.APIURL == "" {
		warnings = append(warnings, "API_URL is not set: messages cannot be sent and history cannot be loaded")
	}
	if c.SocketURL == "" {
		warnings = append(warnings, "SOCKET_URL is not set: assistant replies will not be received")
	}
	if c.AISessionID == "" {
		warnings = append(warnings, "AI_SESSION_ID is not set: the AI service may reject requests")
	}
	return warnings
}

// IsDevelopment returns true if the relay serves a local frontend.
func (c *Config) IsDevelopment() bool {
	return c.Relay.FrontendURL == "" ||
		strings.Contains(c.Relay.FrontendURL, "localhost") ||
		strings.Contains(c.Relay.FrontendURL, "127.0.0.1")
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
