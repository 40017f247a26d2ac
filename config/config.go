package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = "8080"
	defaultRedisURL         = "redis://localhost:6379"
	defaultRedirectURL      = "http://localhost:8080/calendar/callback"
	defaultAppBaseURL       = "http://localhost:3000"
	defaultTimezone         = "UTC"
	defaultSyncSchedule     = "@every 30m"
	defaultCleanupSchedule  = "@daily"
	defaultSyncWindow       = 30 * 24 * time.Hour
	defaultRetention        = 60 * 24 * time.Hour
	defaultProviderTimeout  = 15 * time.Second
	defaultUserTimeout      = 2 * time.Minute
	defaultCacheBackend     = "redis"
	defaultSQLitePath       = "./data/renko-cache.db"
	defaultRowHeightPx      = 120
	defaultMinEventHeightPx = 30
	defaultProjectColorTTL  = 5 * time.Minute
)

// GoogleConfig holds the OAuth client used for the calendar connection.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// SyncConfig controls the background reconciliation jobs.
type SyncConfig struct {
	JobsEnabled     bool          `yaml:"jobs_enabled"`
	Schedule        string        `yaml:"schedule"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
	Window          time.Duration `yaml:"window"`
	Retention       time.Duration `yaml:"retention"`
	Concurrency     int           `yaml:"concurrency"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	UserTimeout     time.Duration `yaml:"user_timeout"`
}

// CacheConfig selects the event cache backend.
type CacheConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ScheduleConfig holds the time-grid geometry handed to the UI.
type ScheduleConfig struct {
	RowHeightPx      int           `yaml:"row_height_px"`
	MinEventHeightPx int           `yaml:"min_event_height_px"`
	ProjectColorTTL  time.Duration `yaml:"project_color_ttl"`
}

// LogConfig selects log level and encoder.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level server configuration. It is built once at startup
// and passed down explicitly.
type Config struct {
	Port       string         `yaml:"port"`
	RedisURL   string         `yaml:"redis_url"`
	AppBaseURL string         `yaml:"app_base_url"`
	Timezone   string         `yaml:"timezone"`
	Google     GoogleConfig   `yaml:"google"`
	Sync       SyncConfig     `yaml:"sync"`
	Cache      CacheConfig    `yaml:"cache"`
	Schedule   ScheduleConfig `yaml:"schedule"`
	Log        LogConfig      `yaml:"log"`
}

// Default returns the in-memory default configuration.
func Default() *Config {
	return &Config{
		Port:       defaultPort,
		RedisURL:   defaultRedisURL,
		AppBaseURL: defaultAppBaseURL,
		Timezone:   defaultTimezone,
		Google: GoogleConfig{
			RedirectURL: defaultRedirectURL,
		},
		Sync: SyncConfig{
			JobsEnabled:     true,
			Schedule:        defaultSyncSchedule,
			CleanupSchedule: defaultCleanupSchedule,
			Window:          defaultSyncWindow,
			Retention:       defaultRetention,
			Concurrency:     1,
			ProviderTimeout: defaultProviderTimeout,
			UserTimeout:     defaultUserTimeout,
		},
		Cache: CacheConfig{
			Backend:    defaultCacheBackend,
			SQLitePath: defaultSQLitePath,
		},
		Schedule: ScheduleConfig{
			RowHeightPx:      defaultRowHeightPx,
			MinEventHeightPx: defaultMinEventHeightPx,
			ProjectColorTTL:  defaultProjectColorTTL,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the optional YAML file at path and then applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = pickEnv("PORT", c.Port)
	c.RedisURL = pickEnv("REDIS_URL", c.RedisURL)
	c.AppBaseURL = pickEnv("APP_BASE_URL", c.AppBaseURL)
	c.Timezone = pickEnv("TIMEZONE", c.Timezone)

	c.Google.ClientID = pickEnv("GOOGLE_CLIENT_ID", c.Google.ClientID)
	c.Google.ClientSecret = pickEnv("GOOGLE_CLIENT_SECRET", c.Google.ClientSecret)
	c.Google.RedirectURL = pickEnv("OAUTH_REDIRECT_URL", c.Google.RedirectURL)

	if raw := strings.TrimSpace(os.Getenv("CALENDAR_JOBS_ENABLED")); raw != "" {
		c.Sync.JobsEnabled = strings.ToLower(raw) != "false"
	}
	c.Sync.Schedule = pickEnv("CALENDAR_SYNC_SCHEDULE", c.Sync.Schedule)
	c.Sync.CleanupSchedule = pickEnv("CALENDAR_CLEANUP_SCHEDULE", c.Sync.CleanupSchedule)
	c.Sync.Window = parseDurationOrDefault(os.Getenv("CALENDAR_SYNC_WINDOW"), c.Sync.Window)
	c.Sync.Retention = parseDurationOrDefault(os.Getenv("CALENDAR_RETENTION"), c.Sync.Retention)
	c.Sync.Concurrency = parseIntOrDefault(os.Getenv("CALENDAR_SYNC_CONCURRENCY"), c.Sync.Concurrency)
	c.Sync.ProviderTimeout = parseDurationOrDefault(os.Getenv("CALENDAR_PROVIDER_TIMEOUT"), c.Sync.ProviderTimeout)
	c.Sync.UserTimeout = parseDurationOrDefault(os.Getenv("CALENDAR_SYNC_USER_TIMEOUT"), c.Sync.UserTimeout)

	c.Cache.Backend = pickEnv("EVENT_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.SQLitePath = pickEnv("EVENT_CACHE_SQLITE_PATH", c.Cache.SQLitePath)

	c.Schedule.RowHeightPx = parseIntOrDefault(os.Getenv("SCHEDULE_ROW_HEIGHT_PX"), c.Schedule.RowHeightPx)
	c.Schedule.MinEventHeightPx = parseIntOrDefault(os.Getenv("SCHEDULE_MIN_EVENT_HEIGHT_PX"), c.Schedule.MinEventHeightPx)
	c.Schedule.ProjectColorTTL = parseDurationOrDefault(os.Getenv("PROJECT_COLOR_TTL"), c.Schedule.ProjectColorTTL)

	c.Log.Level = pickEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = pickEnv("LOG_FORMAT", c.Log.Format)
}

// Normalize fills zero values left by partial YAML files.
func (c *Config) Normalize() {
	def := Default()
	if c.Port == "" {
		c.Port = def.Port
	}
	if c.RedisURL == "" {
		c.RedisURL = def.RedisURL
	}
	if c.AppBaseURL == "" {
		c.AppBaseURL = def.AppBaseURL
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Google.RedirectURL == "" {
		c.Google.RedirectURL = def.Google.RedirectURL
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = def.Sync.Schedule
	}
	if c.Sync.CleanupSchedule == "" {
		c.Sync.CleanupSchedule = def.Sync.CleanupSchedule
	}
	if c.Sync.Window <= 0 {
		c.Sync.Window = def.Sync.Window
	}
	if c.Sync.Retention <= 0 {
		c.Sync.Retention = def.Sync.Retention
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = 1
	}
	if c.Sync.ProviderTimeout <= 0 {
		c.Sync.ProviderTimeout = def.Sync.ProviderTimeout
	}
	if c.Sync.UserTimeout <= 0 {
		c.Sync.UserTimeout = def.Sync.UserTimeout
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = def.Cache.Backend
	}
	if c.Cache.SQLitePath == "" {
		c.Cache.SQLitePath = def.Cache.SQLitePath
	}
	if c.Schedule.RowHeightPx <= 0 {
		c.Schedule.RowHeightPx = def.Schedule.RowHeightPx
	}
	if c.Schedule.MinEventHeightPx <= 0 {
		c.Schedule.MinEventHeightPx = def.Schedule.MinEventHeightPx
	}
	if c.Schedule.ProjectColorTTL <= 0 {
		c.Schedule.ProjectColorTTL = def.Schedule.ProjectColorTTL
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	switch c.Cache.Backend {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("invalid event cache backend %q: must be redis or sqlite", c.Cache.Backend)
	}
	return nil
}

// Location returns the configured display timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GoogleEnabled reports whether OAuth credentials were provided.
func (c *Config) GoogleEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

func pickEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

func parseIntOrDefault(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}
