// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	DBPath         string // empty keeps the store in memory only
	WebhookSecret  string
	AdminToken     string
	PublicBaseURL  string
	AllowedOrigins []string
	DebugLogSize   int

	Platform  PlatformConfig
	Notify    NotifyConfig
	Reminders ReminderConfig
	Retention RetentionConfig
	Commands  CommandConfig
}

// PlatformConfig configures the messaging platform client.
type PlatformConfig struct {
	APIURL          string // empty logs outbound messages instead of sending them
	APIToken        string
	RateLimit       float64
	RateBurst       int
	SendTimeout     time.Duration
	ProfileCacheTTL time.Duration
}

// NotifyConfig configures the notification channel.
type NotifyConfig struct {
	WebhookURL string
}

// ReminderConfig controls the reminder sweep.
type ReminderConfig struct {
	FirstDelay            time.Duration
	Interval              time.Duration
	SweepInterval         time.Duration
	GroupRemindersEnabled bool
}

// RetentionConfig controls the retention sweep.
type RetentionConfig struct {
	Window        time.Duration
	SweepInterval time.Duration
}

// CommandConfig holds the operator command vocabulary and RESET reach.
type CommandConfig struct {
	Reset          string
	MarkAllReplied string
	Status         string
	DebugLog       string
	ResetScope     string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", ""),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		AdminToken:     getEnv("ADMIN_TOKEN", ""),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		DebugLogSize:   getEnvInt("DEBUG_LOG_SIZE", 16*1024),
		Platform: PlatformConfig{
			APIURL:          getEnv("PLATFORM_API_URL", ""),
			APIToken:        getEnv("PLATFORM_API_TOKEN", ""),
			RateLimit:       getEnvFloat("PLATFORM_RATE_LIMIT", 5),
			RateBurst:       getEnvInt("PLATFORM_RATE_BURST", 10),
			SendTimeout:     getEnvDuration("SEND_TIMEOUT", 10*time.Second),
			ProfileCacheTTL: getEnvDuration("PROFILE_CACHE_TTL", time.Hour),
		},
		Notify: NotifyConfig{
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
		Reminders: ReminderConfig{
			FirstDelay:            getEnvDuration("FIRST_REMINDER_DELAY", 15*time.Minute),
			Interval:              getEnvDuration("REMINDER_INTERVAL", 30*time.Minute),
			SweepInterval:         getEnvDuration("SWEEP_INTERVAL", time.Minute),
			GroupRemindersEnabled: getEnvBool("GROUP_REMINDERS_ENABLED", false),
		},
		Retention: RetentionConfig{
			Window:        getEnvDuration("RETENTION_WINDOW", 24*time.Hour),
			SweepInterval: getEnvDuration("RETENTION_SWEEP_INTERVAL", 6*time.Hour),
		},
		Commands: CommandConfig{
			Reset:          getEnv("CMD_RESET", "RESET"),
			MarkAllReplied: getEnv("CMD_MARK_ALL_REPLIED", "MARK_ALL_REPLIED"),
			Status:         getEnv("CMD_STATUS", "STATUS"),
			DebugLog:       getEnv("CMD_DEBUG_LOG", "DEBUG_LOG"),
			ResetScope:     strings.ToLower(getEnv("RESET_SCOPE", "global")),
		},
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
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET must be set")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN must be set")
	}
	if c.Platform.RateLimit <= 0 || c.Platform.RateBurst <= 0 {
		return fmt.Errorf("PLATFORM_RATE_LIMIT and PLATFORM_RATE_BURST must be > 0")
	}
	if c.Platform.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be > 0")
	}
	if c.Reminders.FirstDelay <= 0 || c.Reminders.Interval <= 0 {
		return fmt.Errorf("FIRST_REMINDER_DELAY and REMINDER_INTERVAL must be > 0")
	}
	if c.Reminders.SweepInterval <= 0 || c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and RETENTION_SWEEP_INTERVAL must be > 0")
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("RETENTION_WINDOW must be > 0")
	}
	if c.DebugLogSize <= 0 {
		return fmt.Errorf("DEBUG_LOG_SIZE must be > 0")
	}
	switch c.Commands.ResetScope {
	case "global", "conversation":
	default:
		return fmt.Errorf("RESET_SCOPE must be global or conversation, got %q", c.Commands.ResetScope)
	}

	seen := make(map[string]string)
	for name, word := range map[string]string{
		"CMD_RESET":            c.Commands.Reset,
		"CMD_MARK_ALL_REPLIED": c.Commands.MarkAllReplied,
		"CMD_STATUS":           c.Commands.Status,
		"CMD_DEBUG_LOG":        c.Commands.DebugLog,
	} {
		if word == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		if other, dup := seen[word]; dup {
			return fmt.Errorf("%s and %s share the command %q", name, other, word)
		}
		seen[word] = name
	}
	return nil
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

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
