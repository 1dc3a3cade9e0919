// Package config loads and validates tracker service configuration via Viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultProcessorInterval is used when processor.interval_ms is missing or invalid.
const DefaultProcessorInterval = 5 * time.Hour

// Buffer drivers.
const (
	BufferRedis  = "redis"
	BufferMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Processor ProcessorConfig `mapstructure:"processor"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int  `mapstructure:"port"`
	TrustProxy            bool `mapstructure:"trust_proxy"`
	RequestTimeoutSeconds int  `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles for the admin and dashboard routes.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory stores.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// BufferConfig selects the buffer store implementation.
type BufferConfig struct {
	Driver string `mapstructure:"driver"`
}

// RedisConfig holds connection settings for the shared buffer store.
type RedisConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
	DialTimeoutMs int    `mapstructure:"dial_timeout_ms"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ProcessorConfig governs the event processor's schedule and fan-out.
type ProcessorConfig struct {
	// IntervalMs is kept as a string so a malformed environment value degrades
	// to the default instead of failing the load.
	IntervalMs         string `mapstructure:"interval_ms"`
	BatchSize          int    `mapstructure:"batch_size"`
	SiteConcurrency    int    `mapstructure:"site_concurrency"`
	MergeConcurrency   int    `mapstructure:"merge_concurrency"`
	SiteTimeoutSeconds int    `mapstructure:"site_timeout_seconds"`
	RunOnStart         bool   `mapstructure:"run_on_start"`
	LeaseEnabled       bool   `mapstructure:"lease_enabled"`
	LeaseTTLSeconds    int    `mapstructure:"lease_ttl_seconds"`
}

// Interval parses IntervalMs, falling back to DefaultProcessorInterval when the
// value is empty, malformed or not positive.
func (p ProcessorConfig) Interval() time.Duration {
	ms, err := strconv.ParseInt(strings.TrimSpace(p.IntervalMs), 10, 64)
	if err != nil || ms <= 0 {
		return DefaultProcessorInterval
	}
	return time.Duration(ms) * time.Millisecond
}

// PolicyConfig sets the window and ceiling for one named rate-limit policy.
type PolicyConfig struct {
	Max           int `mapstructure:"max"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// Window returns the policy window as a duration.
func (p PolicyConfig) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// RateLimitConfig holds every named rate-limit policy.
type RateLimitConfig struct {
	Disabled               bool         `mapstructure:"disabled"`
	BreakerFailures        int          `mapstructure:"breaker_failures"`
	BreakerCooldownSeconds int          `mapstructure:"breaker_cooldown_seconds"`
	Tracker                PolicyConfig `mapstructure:"tracker"`
	TrackerID              PolicyConfig `mapstructure:"tracker_id"`
	Dashboard              PolicyConfig `mapstructure:"dashboard"`
	Auth                   PolicyConfig `mapstructure:"auth"`
	SitemapImport          PolicyConfig `mapstructure:"sitemap_import"`
	Analysis               PolicyConfig `mapstructure:"analysis"`
}

// TrackerConfig tunes the public ingestion endpoint.
type TrackerConfig struct {
	AppendTimeoutMs    int    `mapstructure:"append_timeout_ms"`
	PageTouchTimeoutMs int    `mapstructure:"page_touch_timeout_ms"`
	PublicURL          string `mapstructure:"public_url"`
	VisitorSalt        string `mapstructure:"visitor_salt"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLEVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAliases(v); err != nil {
		return Config{}, err
	}

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

// bindAliases maps the unprefixed variables used by existing deployments.
// The prefixed CLEVER_* form is checked first.
func bindAliases(v *viper.Viper) error {
	aliases := map[string]string{
		"processor.interval_ms": "EVENT_PROCESSOR_INTERVAL_MS",
		"redis.host":            "REDIS_HOST",
		"redis.port":            "REDIS_PORT",
		"redis.password":        "REDIS_PASSWORD",
		"redis.db":              "REDIS_DB",
		"db.dsn":                "DATABASE_URL",
		"server.port":           "PORT",
	}
	for key, env := range aliases {
		prefixed := "CLEVER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.request_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("buffer.driver", BufferRedis)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "clever:")
	v.SetDefault("redis.dial_timeout_ms", 2000)
	v.SetDefault("processor.interval_ms", strconv.FormatInt(DefaultProcessorInterval.Milliseconds(), 10))
	v.SetDefault("processor.batch_size", 100)
	v.SetDefault("processor.site_concurrency", 16)
	v.SetDefault("processor.merge_concurrency", 8)
	v.SetDefault("processor.site_timeout_seconds", 0)
	v.SetDefault("processor.run_on_start", true)
	v.SetDefault("processor.lease_enabled", false)
	v.SetDefault("processor.lease_ttl_seconds", 1800)
	v.SetDefault("ratelimit.disabled", false)
	v.SetDefault("ratelimit.breaker_failures", 5)
	v.SetDefault("ratelimit.breaker_cooldown_seconds", 30)
	v.SetDefault("ratelimit.tracker.max", 1000)
	v.SetDefault("ratelimit.tracker.window_seconds", 60)
	v.SetDefault("ratelimit.tracker_id.max", 5000)
	v.SetDefault("ratelimit.tracker_id.window_seconds", 60)
	v.SetDefault("ratelimit.dashboard.max", 100)
	v.SetDefault("ratelimit.dashboard.window_seconds", 60)
	v.SetDefault("ratelimit.auth.max", 5)
	v.SetDefault("ratelimit.auth.window_seconds", 900)
	v.SetDefault("ratelimit.sitemap_import.max", 5)
	v.SetDefault("ratelimit.sitemap_import.window_seconds", 3600)
	v.SetDefault("ratelimit.analysis.max", 20)
	v.SetDefault("ratelimit.analysis.window_seconds", 3600)
	v.SetDefault("tracker.append_timeout_ms", 50)
	v.SetDefault("tracker.page_touch_timeout_ms", 50)
	v.SetDefault("tracker.public_url", "http://localhost:8080")
	v.SetDefault("tracker.visitor_salt", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Buffer.Driver {
	case BufferRedis:
		if c.Redis.Host == "" || c.Redis.Port <= 0 {
			return fmt.Errorf("redis.host and redis.port are required for the redis buffer")
		}
	case BufferMemory:
	default:
		return fmt.Errorf("buffer.driver must be %q or %q, got %q", BufferRedis, BufferMemory, c.Buffer.Driver)
	}
	if c.Processor.BatchSize <= 0 {
		return fmt.Errorf("processor.batch_size must be > 0")
	}
	if c.Processor.SiteConcurrency <= 0 || c.Processor.MergeConcurrency <= 0 {
		return fmt.Errorf("processor concurrency settings must be > 0")
	}
	if c.Processor.SiteTimeoutSeconds < 0 {
		return fmt.Errorf("processor.site_timeout_seconds must be >= 0")
	}
	if c.Processor.LeaseEnabled && c.Processor.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("processor.lease_ttl_seconds must be > 0 when the lease is enabled")
	}
	if !c.RateLimit.Disabled {
		policies := map[string]PolicyConfig{
			"tracker":        c.RateLimit.Tracker,
			"tracker_id":     c.RateLimit.TrackerID,
			"dashboard":      c.RateLimit.Dashboard,
			"auth":           c.RateLimit.Auth,
			"sitemap_import": c.RateLimit.SitemapImport,
			"analysis":       c.RateLimit.Analysis,
		}
		for name, p := range policies {
			if p.Max <= 0 || p.WindowSeconds <= 0 {
				return fmt.Errorf("ratelimit.%s max and window_seconds must be > 0", name)
			}
		}
	}
	if c.Tracker.AppendTimeoutMs <= 0 || c.Tracker.PageTouchTimeoutMs <= 0 {
		return fmt.Errorf("tracker timeouts must be > 0")
	}
	return nil
}

// RequestTimeout returns the per-request handler budget.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
