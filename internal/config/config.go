// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/converse/internal/quota"
)

// Cache backend selection.
const (
	BackendInProcess  = "in_process"
	BackendRelational = "relational"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	LLM    LLMConfig    `yaml:"llm"`
	Cache  CacheConfig  `yaml:"cache"`
	Quota  QuotaConfig  `yaml:"quota"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// APIKey, when set, is required on every request via X-API-Key or a
	// bearer token. Supports ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key"`
	// StorageTimeout bounds every cache and quota storage call.
	StorageTimeout Duration `yaml:"storage_timeout"`
}

// LLMConfig selects the provider and the model's window geometry.
type LLMConfig struct {
	Provider string `yaml:"provider"` // "anthropic" or "mock"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"` // supports ${ENV_VAR} expansion
	System   string `yaml:"system_prompt"`
	// ContextWindow is the model's context window in tokens.
	ContextWindow int `yaml:"context_window"`
	// ResponseTokens is the space reserved for the model's answer.
	ResponseTokens int `yaml:"response_tokens"`
}

// PostgresConfig holds relational connection parameters.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"` // supports ${ENV_VAR} expansion
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the connection string for pgxpool.
func (p PostgresConfig) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, sslMode)
}

// CacheConfig selects and sizes the conversation cache backend.
type CacheConfig struct {
	Backend  string          `yaml:"backend"`
	Capacity int             `yaml:"capacity"`
	Postgres *PostgresConfig `yaml:"postgres"`
}

// LimiterConfig is the YAML shape of one quota limiter.
type LimiterConfig struct {
	Name          string   `yaml:"name"`
	Scope         string   `yaml:"scope"`
	InitialQuota  int64    `yaml:"initial_quota"`
	QuotaIncrease *int64   `yaml:"quota_increase"`
	Period        Duration `yaml:"period"`
}

// SchedulerConfig controls the quota scheduler loop.
type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
}

// QuotaConfig holds the limiter list and scheduler settings. An empty
// limiter list disables quota enforcement.
type QuotaConfig struct {
	Limiters  []LimiterConfig `yaml:"limiters"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Postgres  *PostgresConfig `yaml:"postgres"`
}

// Default returns the configuration used when a field is unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			StorageTimeout: Duration(2 * time.Second),
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			ContextWindow:  128000,
			ResponseTokens: 2048,
		},
		Cache: CacheConfig{
			Backend:  BackendInProcess,
			Capacity: 1000,
		},
		Quota: QuotaConfig{
			Scheduler: SchedulerConfig{TickInterval: Duration(time.Minute)},
		},
	}
}

// Load reads, expands, and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Server.APIKey = os.ExpandEnv(cfg.Server.APIKey)
	cfg.LLM.APIKey = os.ExpandEnv(cfg.LLM.APIKey)
	if cfg.Cache.Postgres != nil {
		cfg.Cache.Postgres.Password = os.ExpandEnv(cfg.Cache.Postgres.Password)
	}
	if cfg.Quota.Postgres != nil {
		cfg.Quota.Postgres.Password = os.ExpandEnv(cfg.Quota.Postgres.Password)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendInProcess:
	case BackendRelational:
		if c.Cache.Postgres == nil {
			return fmt.Errorf("cache backend %q requires postgres connection parameters", BackendRelational)
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.Cache.Capacity)
	}

	if c.LLM.ContextWindow <= 0 {
		return fmt.Errorf("context window must be positive, got %d", c.LLM.ContextWindow)
	}
	if c.LLM.ResponseTokens < 0 || c.LLM.ResponseTokens >= c.LLM.ContextWindow {
		return fmt.Errorf("response tokens %d must fit inside the context window %d",
			c.LLM.ResponseTokens, c.LLM.ContextWindow)
	}

	if len(c.Quota.Limiters) > 0 {
		if c.Quota.Postgres == nil {
			return fmt.Errorf("quota limiters require postgres connection parameters")
		}
		if c.Quota.Scheduler.TickInterval.Std() <= 0 {
			return fmt.Errorf("quota scheduler tick interval must be positive")
		}
		seen := make(map[string]bool, len(c.Quota.Limiters))
		for _, lim := range c.Quota.Limiters {
			if seen[lim.Name] {
				return fmt.Errorf("duplicate limiter name %q", lim.Name)
			}
			seen[lim.Name] = true
			if err := lim.ToQuota().Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ToQuota converts the YAML limiter shape into the quota package's config.
func (l LimiterConfig) ToQuota() quota.LimiterConfig {
	return quota.LimiterConfig{
		Name:          l.Name,
		Scope:         quota.Scope(l.Scope),
		InitialQuota:  l.InitialQuota,
		QuotaIncrease: l.QuotaIncrease,
		Period:        l.Period.Std(),
	}
}

// QuotaLimiterConfigs returns all limiters in quota package form.
func (c *Config) QuotaLimiterConfigs() []quota.LimiterConfig {
	out := make([]quota.LimiterConfig, len(c.Quota.Limiters))
	for i, l := range c.Quota.Limiters {
		out[i] = l.ToQuota()
	}
	return out
}
