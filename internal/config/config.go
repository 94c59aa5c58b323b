// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sessions  SessionConfig   `mapstructure:"sessions"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Snapshots SnapshotConfig  `mapstructure:"snapshots"`
	Cache     CacheConfig     `mapstructure:"cache"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	ReadTimeoutSec    int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSec   int `mapstructure:"write_timeout_seconds"`
	ShutdownGraceSec  int `mapstructure:"shutdown_grace_seconds"`
	HeartbeatInterval int `mapstructure:"heartbeat_interval_seconds"`
}

// SchedulerConfig governs job scheduling behavior.
type SchedulerConfig struct {
	ConcurrencyLimit   int `mapstructure:"concurrency_limit"`
	MaxAttempts        int `mapstructure:"max_attempts"`
	HousekeepThreshold int `mapstructure:"housekeep_threshold"`
	RetainTerminalMin  int `mapstructure:"retain_terminal_minutes"`
}

// SessionConfig controls progress session retention.
type SessionConfig struct {
	// Backend selects "memory" or "redis".
	Backend          string `mapstructure:"backend"`
	TTLMinutes       int    `mapstructure:"ttl_minutes"`
	SweepIntervalMin int    `mapstructure:"sweep_interval_minutes"`
}

// CrawlerConfig governs the crawl pipeline.
type CrawlerConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	Concurrency     int    `mapstructure:"concurrency"`
	DelayMs         int    `mapstructure:"delay_ms"`
	MaxDepth        int    `mapstructure:"max_depth"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	ExternalTimeout int    `mapstructure:"external_timeout_seconds"`
}

// AuditConfig controls orchestrated run behavior.
type AuditConfig struct {
	SettlingDelaySec  int    `mapstructure:"settling_delay_seconds"`
	LoadAttempts      int    `mapstructure:"load_attempts"`
	LoadBackoffMs     int    `mapstructure:"load_backoff_ms"`
	RunTimeoutMinutes int    `mapstructure:"run_timeout_minutes"`
	DefaultPageBudget int    `mapstructure:"default_page_budget"`
	CompletionTopic   string `mapstructure:"completion_topic"`
}

// SnapshotConfig sets the crawl artifact location.
type SnapshotConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// CacheConfig controls result cache reuse.
type CacheConfig struct {
	FreshnessHours int `mapstructure:"freshness_hours"`
}

// DBConfig controls access to the relational record store. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// RedisConfig configures the optional Redis session backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for completion notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 0)
	v.SetDefault("server.shutdown_grace_seconds", 20)
	v.SetDefault("server.heartbeat_interval_seconds", 30)
	v.SetDefault("scheduler.concurrency_limit", 3)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.housekeep_threshold", 200)
	v.SetDefault("scheduler.retain_terminal_minutes", 60)
	v.SetDefault("sessions.backend", "memory")
	v.SetDefault("sessions.ttl_minutes", 60)
	v.SetDefault("sessions.sweep_interval_minutes", 10)
	v.SetDefault("crawler.user_agent", "siteaudit-bot/1.0")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.delay_ms", 100)
	v.SetDefault("crawler.max_depth", 0)
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.external_timeout_seconds", 10)
	v.SetDefault("audit.settling_delay_seconds", 5)
	v.SetDefault("audit.load_attempts", 5)
	v.SetDefault("audit.load_backoff_ms", 1000)
	v.SetDefault("audit.run_timeout_minutes", 10)
	v.SetDefault("audit.default_page_budget", 25)
	v.SetDefault("snapshots.base_dir", "/var/lib/siteaudit/snapshots")
	v.SetDefault("cache.freshness_hours", 24)
	v.SetDefault("db.table", "audits")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("redis.addr", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.ConcurrencyLimit < 1 || c.Scheduler.ConcurrencyLimit > 10 {
		return fmt.Errorf("scheduler.concurrency_limit must be in [1,10]")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.max_attempts must be > 0")
	}
	switch c.Sessions.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("sessions.backend must be memory or redis, got %q", c.Sessions.Backend)
	}
	if c.Sessions.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when sessions.backend is redis")
	}
	if c.Sessions.TTLMinutes <= 0 {
		return fmt.Errorf("sessions.ttl_minutes must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Audit.DefaultPageBudget < 1 || c.Audit.DefaultPageBudget > 1000 {
		return fmt.Errorf("audit.default_page_budget must be in [1,1000]")
	}
	if c.Snapshots.BaseDir == "" {
		return fmt.Errorf("snapshots.base_dir must be set")
	}
	return nil
}

// SettlingDelay returns the post-crawl settling delay.
func (c AuditConfig) SettlingDelay() time.Duration {
	return time.Duration(c.SettlingDelaySec) * time.Second
}

// LoadBackoffUnit returns the per-attempt snapshot load backoff unit.
func (c AuditConfig) LoadBackoffUnit() time.Duration {
	return time.Duration(c.LoadBackoffMs) * time.Millisecond
}

// RunTimeout returns the wall-clock ceiling for one audit run.
func (c AuditConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMinutes) * time.Minute
}

// TTL returns the session retention window.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// SweepInterval returns the cadence of session eviction sweeps.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMin) * time.Minute
}
