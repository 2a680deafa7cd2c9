package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AnalyzerBackend selects which model serves transcript analysis.
type AnalyzerBackend string

const (
	AnalyzerAnthropic AnalyzerBackend = "anthropic"
	AnalyzerGemini    AnalyzerBackend = "gemini"
	AnalyzerOff       AnalyzerBackend = "off"
)

// DefaultUpstreamBaseURL is the production conversational-AI API.
const DefaultUpstreamBaseURL = "https://api.elevenlabs.io"

type Config struct {
	Addr string `json:"addr" yaml:"addr"`

	// Upstream conversational-AI provider.
	UpstreamBaseURL string `json:"upstream_base_url" yaml:"upstream_base_url"`
	UpstreamAPIKey  string `json:"upstream_api_key" yaml:"upstream_api_key"`

	// DefaultAgentID serves outbound calls that name no agent;
	// NotifyAgentID serves the incoming-call notification path.
	DefaultAgentID string `json:"default_agent_id" yaml:"default_agent_id"`
	NotifyAgentID  string `json:"notify_agent_id" yaml:"notify_agent_id"`

	// Conversation defaults applied when the caller omits them.
	DefaultFirstMessage string `json:"default_first_message" yaml:"default_first_message"`
	DefaultLanguage     string `json:"default_language" yaml:"default_language"`

	// Transcript analysis.
	Analyzer        AnalyzerBackend `json:"analyzer" yaml:"analyzer"`
	AnalyzerModel   string          `json:"analyzer_model" yaml:"analyzer_model"`
	AnthropicAPIKey string          `json:"anthropic_api_key" yaml:"anthropic_api_key"`
	GeminiAPIKey    string          `json:"gemini_api_key" yaml:"gemini_api_key"`

	// Postgres DSN. Empty runs on the in-memory store.
	DatabaseDSN string `json:"database_dsn" yaml:"database_dsn"`

	// CORS. "*" allows any origin.
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins"`

	// HistoryLimit caps how many stored conversations a history read returns.
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`

	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	WSWriteTimeout   time.Duration `json:"ws_write_timeout" yaml:"ws_write_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path" yaml:"metrics_path"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // "text" or "json"

	// Operational defaults
	ReadHeaderTimeout   time.Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownGracePeriod time.Duration `json:"shutdown_grace_period" yaml:"shutdown_grace_period"`

	// Upstream HTTP client defaults
	UpstreamConnectTimeout        time.Duration `json:"upstream_connect_timeout" yaml:"upstream_connect_timeout"`
	UpstreamResponseHeaderTimeout time.Duration `json:"upstream_response_header_timeout" yaml:"upstream_response_header_timeout"`
}

// Default returns a Config with the stock defaults.
func Default() Config {
	return Config{
		Addr:                          ":8000",
		UpstreamBaseURL:               DefaultUpstreamBaseURL,
		NotifyAgentID:                 "agent_01jvvkzxr3e54rre8hjq5rxban",
		DefaultFirstMessage:           "Hello! I am your caregiver. How can I help you today?",
		DefaultLanguage:               "en",
		Analyzer:                      AnalyzerAnthropic,
		CORSAllowedOrigins:            []string{"*"},
		HistoryLimit:                  10,
		HandshakeTimeout:              5 * time.Second,
		WSWriteTimeout:                5 * time.Second,
		MetricsEnabled:                true,
		MetricsPath:                   "/metrics",
		LogLevel:                      "info",
		LogFormat:                     "text",
		ReadHeaderTimeout:             10 * time.Second,
		ShutdownGracePeriod:           10 * time.Second,
		UpstreamConnectTimeout:        5 * time.Second,
		UpstreamResponseHeaderTimeout: 30 * time.Second,
	}
}

// Load builds the effective configuration: defaults, then the optional
// overlay file (path argument or VOX_RELAY_CONFIG), then environment
// variables, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("VOX_RELAY_CONFIG"))
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOr("VOX_RELAY_ADDR", cfg.Addr)
	cfg.UpstreamBaseURL = envOr("VOX_RELAY_UPSTREAM_BASE_URL", cfg.UpstreamBaseURL)
	cfg.UpstreamAPIKey = envOr("ELEVENLABS_API_KEY", cfg.UpstreamAPIKey)
	cfg.DefaultAgentID = envOr("ELEVENLABS_AGENT_ID", cfg.DefaultAgentID)
	cfg.NotifyAgentID = envOr("VOX_RELAY_NOTIFY_AGENT_ID", cfg.NotifyAgentID)
	cfg.DefaultFirstMessage = envOr("VOX_RELAY_DEFAULT_FIRST_MESSAGE", cfg.DefaultFirstMessage)
	cfg.DefaultLanguage = envOr("VOX_RELAY_DEFAULT_LANGUAGE", cfg.DefaultLanguage)
	cfg.Analyzer = AnalyzerBackend(envOr("VOX_RELAY_ANALYZER", string(cfg.Analyzer)))
	cfg.AnalyzerModel = envOr("VOX_RELAY_ANALYZER_MODEL", cfg.AnalyzerModel)
	cfg.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.GeminiAPIKey = envOr("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.DatabaseDSN = envOr("VOX_RELAY_DB_DSN", cfg.DatabaseDSN)
	if origins := splitCSV(os.Getenv("VOX_RELAY_CORS_ORIGINS")); len(origins) > 0 {
		cfg.CORSAllowedOrigins = origins
	}
	cfg.HistoryLimit = envIntOr("VOX_RELAY_HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.HandshakeTimeout = envDurationOr("VOX_RELAY_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.WSWriteTimeout = envDurationOr("VOX_RELAY_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.MetricsEnabled = envBoolOr("VOX_RELAY_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsPath = envOr("VOX_RELAY_METRICS_PATH", cfg.MetricsPath)
	cfg.LogLevel = envOr("VOX_RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("VOX_RELAY_LOG_FORMAT", cfg.LogFormat)
	cfg.ReadHeaderTimeout = envDurationOr("VOX_RELAY_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("VOX_RELAY_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)
	cfg.UpstreamConnectTimeout = envDurationOr("VOX_RELAY_CONNECT_TIMEOUT", cfg.UpstreamConnectTimeout)
	cfg.UpstreamResponseHeaderTimeout = envDurationOr("VOX_RELAY_RESPONSE_HEADER_TIMEOUT", cfg.UpstreamResponseHeaderTimeout)
}

// Validate checks the configuration for values the server cannot run with.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("VOX_RELAY_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.UpstreamBaseURL) == "" {
		return fmt.Errorf("VOX_RELAY_UPSTREAM_BASE_URL must not be empty")
	}
	if cfg.UpstreamAPIKey == "" && cfg.UpstreamBaseURL == DefaultUpstreamBaseURL {
		return fmt.Errorf("ELEVENLABS_API_KEY must be set")
	}
	switch cfg.Analyzer {
	case AnalyzerAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY must be set when VOX_RELAY_ANALYZER=anthropic")
		}
	case AnalyzerGemini:
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY must be set when VOX_RELAY_ANALYZER=gemini")
		}
	case AnalyzerOff:
	default:
		return fmt.Errorf("VOX_RELAY_ANALYZER must be one of anthropic|gemini|off")
	}
	if cfg.HistoryLimit <= 0 {
		return fmt.Errorf("VOX_RELAY_HISTORY_LIMIT must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return fmt.Errorf("VOX_RELAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VOX_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MetricsEnabled && strings.TrimSpace(cfg.MetricsPath) == "" {
		return fmt.Errorf("VOX_RELAY_METRICS_PATH must not be empty when metrics are enabled")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOX_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOX_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return fmt.Errorf("VOX_RELAY_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamResponseHeaderTimeout <= 0 {
		return fmt.Errorf("VOX_RELAY_RESPONSE_HEADER_TIMEOUT must be > 0")
	}
	return nil
}

// AllowsAllOrigins reports whether CORS is configured wide open.
func (cfg Config) AllowsAllOrigins() bool {
	for _, o := range cfg.CORSAllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
