package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/core/call"
)

// Config is the process configuration for a vai-call run. Agent and
// campaign may still be overridden by command-line flags.
type Config struct {
	AgentID    string
	CampaignID string

	// Backend that mints sessions and, without a database, records events,
	// leads and handoff tickets.
	BackendURL    string
	BackendAPIKey string
	RealtimeURL   string

	// DatabaseURL switches event, lead and handoff persistence to Postgres.
	DatabaseURL string
	Migrate     bool

	TavilyAPIKey     string
	TavilyBaseURL    string
	TavilyMaxResults int

	ChatOpsWebhookURL string

	// MonitorAddr is where the monitor HTTP surface listens. Empty disables it.
	MonitorAddr         string
	// AllowedOrigins lists browser origins trusted by the monitor. Empty
	// means same-origin only.
	AllowedOrigins      []string
	MonitorPingInterval time.Duration
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel slog.Level

	MinRingDuration   time.Duration
	BargeInMuteWindow time.Duration
	ToolTimeout       time.Duration
	Voice             string
	Instructions      string

	// Keyboard enables single-key call controls on an interactive terminal.
	Keyboard bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		AgentID:             envOr("VAI_CALL_AGENT_ID", ""),
		CampaignID:          envOr("VAI_CALL_CAMPAIGN_ID", ""),
		BackendURL:          envOr("VAI_CALL_BACKEND_URL", "http://127.0.0.1:8080"),
		BackendAPIKey:       envOr("VAI_CALL_BACKEND_API_KEY", ""),
		RealtimeURL:         envOr("VAI_CALL_REALTIME_URL", "https://api.openai.com/v1/realtime/calls"),
		DatabaseURL:         envOr("VAI_CALL_DATABASE_URL", ""),
		Migrate:             envBoolOr("VAI_CALL_MIGRATE", true),
		TavilyAPIKey:        envOr("VAI_CALL_TAVILY_API_KEY", envOr("TAVILY_API_KEY", "")),
		TavilyBaseURL:       envOr("VAI_CALL_TAVILY_BASE_URL", "https://api.tavily.com"),
		TavilyMaxResults:    envIntOr("VAI_CALL_TAVILY_MAX_RESULTS", 5),
		ChatOpsWebhookURL:   envOr("VAI_CALL_CHATOPS_WEBHOOK_URL", ""),
		MonitorAddr:         envOr("VAI_CALL_MONITOR_ADDR", "127.0.0.1:9090"),
		AllowedOrigins:      splitCSV(os.Getenv("VAI_CALL_ALLOWED_ORIGINS")),
		MonitorPingInterval: envDurationOr("VAI_CALL_MONITOR_PING_INTERVAL", 30*time.Second),
		ReadHeaderTimeout:   envDurationOr("VAI_CALL_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VAI_CALL_SHUTDOWN_GRACE_PERIOD", 5*time.Second),
		MinRingDuration:     envDurationOr("VAI_CALL_MIN_RING_DURATION", 5000*time.Millisecond),
		BargeInMuteWindow:   envDurationOr("VAI_CALL_BARGE_IN_MUTE", 50*time.Millisecond),
		ToolTimeout:         envDurationOr("VAI_CALL_TOOL_TIMEOUT", 10*time.Second),
		Voice:               envOr("VAI_CALL_VOICE", "alloy"),
		Instructions:        envOr("VAI_CALL_INSTRUCTIONS", ""),
		Keyboard:            envBoolOr("VAI_CALL_KEYBOARD", true),
	}

	level, err := parseLevel(os.Getenv("VAI_CALL_LOG_LEVEL"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if err := validateURL("VAI_CALL_BACKEND_URL", cfg.BackendURL); err != nil {
		return Config{}, err
	}
	if err := validateURL("VAI_CALL_REALTIME_URL", cfg.RealtimeURL); err != nil {
		return Config{}, err
	}
	if err := validateURL("VAI_CALL_TAVILY_BASE_URL", cfg.TavilyBaseURL); err != nil {
		return Config{}, err
	}
	if cfg.ChatOpsWebhookURL != "" {
		if err := validateURL("VAI_CALL_CHATOPS_WEBHOOK_URL", cfg.ChatOpsWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.TavilyMaxResults <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_TAVILY_MAX_RESULTS must be > 0")
	}
	if cfg.MinRingDuration < 0 {
		return Config{}, fmt.Errorf("VAI_CALL_MIN_RING_DURATION must be >= 0")
	}
	if cfg.BargeInMuteWindow <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_BARGE_IN_MUTE must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_TOOL_TIMEOUT must be > 0")
	}
	if cfg.MonitorPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_MONITOR_PING_INTERVAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// CallConfig maps the process configuration onto a call.Config.
func (c Config) CallConfig() call.Config {
	out := call.DefaultConfig()
	out.AgentID = strings.TrimSpace(c.AgentID)
	out.CampaignID = strings.TrimSpace(c.CampaignID)
	out.MinRingDuration = c.MinRingDuration
	if out.MinRingDuration == 0 {
		// An explicit zero turns the minimum ring off.
		out.MinRingDuration = -1
	}
	out.BargeInMuteWindow = c.BargeInMuteWindow
	out.ToolTimeout = c.ToolTimeout
	if c.Voice != "" {
		out.Session.Voice = c.Voice
	}
	out.Session.Instructions = c.Instructions
	return out
}

func parseLevel(raw string) (slog.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("VAI_CALL_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return level, nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL", key)
	}
	if u.User != nil {
		return fmt.Errorf("%s must not include credentials", key)
	}
	return nil
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
