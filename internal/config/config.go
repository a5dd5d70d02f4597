// Package config loads the immutable runtime configuration: an optional
// YAML file first, then environment overrides, then defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the composition root needs.
type Config struct {
	Listen        string `yaml:"listen"`
	DatabaseURL   string `yaml:"database_url"`
	AdminPassword string `yaml:"admin_password"`
	AuditEnabled  bool   `yaml:"audit_enabled"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Queue    QueueConfig    `yaml:"queue"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Session  SessionConfig  `yaml:"session"`
	Login    LoginConfig    `yaml:"login"`
	Log      LogConfig      `yaml:"log"`
}

// UpstreamConfig describes the diagnostics provider and the service account
// used for background refreshes.
type UpstreamConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	PortalType      string        `yaml:"portal_type"`
	UserType        string        `yaml:"user_type"`
	Timeout         time.Duration `yaml:"timeout"`
	BlockedSentinel string        `yaml:"blocked_sentinel"`
	Timezone        string        `yaml:"timezone"`
	ServiceAdminID  string        `yaml:"service_admin_id"`
}

// HasServiceCredentials reports whether background refresh can log in.
func (u UpstreamConfig) HasServiceCredentials() bool {
	return u.Username != "" && u.Password != ""
}

// Location resolves Timezone, falling back to the local zone.
func (u UpstreamConfig) Location() *time.Location {
	if u.Timezone == "" || strings.EqualFold(u.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

type QueueConfig struct {
	MinSpacing time.Duration `yaml:"min_spacing"`
}

type RefreshConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Lookahead  time.Duration `yaml:"lookahead"`
	Interval   time.Duration `yaml:"interval"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LoginConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config populated with every default value.
func Defaults() *Config {
	return &Config{
		Listen:       "127.0.0.1:8080",
		DatabaseURL:  "nexus.db",
		AuditEnabled: true,
		Upstream: UpstreamConfig{
			PortalType:      "admin",
			UserType:        "admin",
			Timeout:         20 * time.Second,
			BlockedSentinel: "Login blocked",
			Timezone:        "Local",
			ServiceAdminID:  "service",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			OpenTimeout:      120 * time.Second,
		},
		Queue: QueueConfig{MinSpacing: 2 * time.Second},
		Refresh: RefreshConfig{
			MaxRetries: 2,
			BaseDelay:  5 * time.Second,
			Lookahead:  time.Hour,
			Interval:   15 * time.Minute,
		},
		Session: SessionConfig{
			TTL:           24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Login: LoginConfig{
			MaxAttempts: 3,
			Window:      5 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	host, port := os.Getenv("HOST"), os.Getenv("PORT")
	if host != "" || port != "" {
		h, p := splitListen(cfg.Listen)
		if host != "" {
			h = host
		}
		if port != "" {
			p = port
		}
		cfg.Listen = h + ":" + p
	}

	cfg.DatabaseURL = getEnvString("NEXUS_DATABASE_URL", cfg.DatabaseURL)
	cfg.AdminPassword = getEnvString("NEXUS_ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.AuditEnabled = getEnvBool("NEXUS_AUDIT_ENABLED", cfg.AuditEnabled)

	u := &cfg.Upstream
	u.BaseURL = getEnvString("NEXUS_UPSTREAM_BASE_URL", u.BaseURL)
	u.Username = getEnvString("NEXUS_UPSTREAM_USERNAME", u.Username)
	u.Password = getEnvString("NEXUS_UPSTREAM_PASSWORD", u.Password)
	u.PortalType = getEnvString("NEXUS_UPSTREAM_PORTAL_TYPE", u.PortalType)
	u.UserType = getEnvString("NEXUS_UPSTREAM_USER_TYPE", u.UserType)
	u.Timeout = getEnvDuration("NEXUS_UPSTREAM_TIMEOUT", u.Timeout)
	u.BlockedSentinel = getEnvString("NEXUS_UPSTREAM_BLOCKED_SENTINEL", u.BlockedSentinel)
	u.Timezone = getEnvString("NEXUS_UPSTREAM_TIMEZONE", u.Timezone)
	u.ServiceAdminID = getEnvString("NEXUS_SERVICE_ADMIN_ID", u.ServiceAdminID)

	cfg.Breaker.FailureThreshold = getEnvInt("NEXUS_BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.SuccessThreshold = getEnvInt("NEXUS_BREAKER_SUCCESS_THRESHOLD", cfg.Breaker.SuccessThreshold)
	cfg.Breaker.OpenTimeout = getEnvDuration("NEXUS_BREAKER_OPEN_TIMEOUT", cfg.Breaker.OpenTimeout)

	cfg.Queue.MinSpacing = getEnvDuration("NEXUS_QUEUE_MIN_SPACING", cfg.Queue.MinSpacing)

	cfg.Refresh.MaxRetries = getEnvInt("NEXUS_REFRESH_MAX_RETRIES", cfg.Refresh.MaxRetries)
	cfg.Refresh.BaseDelay = getEnvDuration("NEXUS_REFRESH_BASE_DELAY", cfg.Refresh.BaseDelay)
	cfg.Refresh.Lookahead = getEnvDuration("NEXUS_REFRESH_LOOKAHEAD", cfg.Refresh.Lookahead)
	cfg.Refresh.Interval = getEnvDuration("NEXUS_REFRESH_INTERVAL", cfg.Refresh.Interval)

	cfg.Session.TTL = getEnvDuration("NEXUS_SESSION_TTL", cfg.Session.TTL)
	cfg.Session.SweepInterval = getEnvDuration("NEXUS_SESSION_SWEEP_INTERVAL", cfg.Session.SweepInterval)

	cfg.Login.MaxAttempts = getEnvInt("NEXUS_LOGIN_MAX_ATTEMPTS", cfg.Login.MaxAttempts)
	cfg.Login.Window = getEnvDuration("NEXUS_LOGIN_WINDOW", cfg.Login.Window)

	cfg.Log.Level = getEnvString("NEXUS_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvString("NEXUS_LOG_FORMAT", cfg.Log.Format)
}

// Validate reports every invalid or missing setting at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Upstream.BaseURL == "" {
		problems = append(problems, "NEXUS_UPSTREAM_BASE_URL is required")
	}
	if c.DatabaseURL == "" {
		problems = append(problems, "NEXUS_DATABASE_URL must not be empty")
	}
	if c.Upstream.Timeout <= 0 {
		problems = append(problems, "upstream timeout must be positive")
	}
	if c.Breaker.FailureThreshold < 1 {
		problems = append(problems, "breaker failure threshold must be >= 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		problems = append(problems, "breaker success threshold must be >= 1")
	}
	if c.Breaker.OpenTimeout <= 0 {
		problems = append(problems, "breaker open timeout must be positive")
	}
	if c.Queue.MinSpacing < 0 {
		problems = append(problems, "queue min spacing must not be negative")
	}
	if c.Refresh.MaxRetries < 0 {
		problems = append(problems, "refresh max retries must not be negative")
	}
	if c.Refresh.BaseDelay < 0 {
		problems = append(problems, "refresh base delay must not be negative")
	}
	if c.Session.TTL <= 0 {
		problems = append(problems, "session ttl must be positive")
	}
	if c.Login.MaxAttempts < 1 {
		problems = append(problems, "login max attempts must be >= 1")
	}
	if c.Login.Window <= 0 {
		problems = append(problems, "login window must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func splitListen(listen string) (string, string) {
	i := strings.LastIndex(listen, ":")
	if i < 0 {
		return listen, "8080"
	}
	return listen[:i], listen[i+1:]
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
