// Package config provides configuration management for the application.
//
// Values are resolved in this order, later sources winning:
// built-in defaults, config.yaml (with ${VAR} and ${VAR:-default} expansion),
// a .env file, and process environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Usage      UsageConfig      `mapstructure:"usage"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Session    SessionConfig    `mapstructure:"session"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	BodyLimit       string        `mapstructure:"body_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Address returns host:port for net.Listen.
func (s ServerConfig) Address() string {
	return s.Host + ":" + s.Port
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	// StaticTokens is a comma separated list of token:user pairs for development.
	StaticTokens string `mapstructure:"static_tokens"`
}

// ProvidersConfig holds per-provider credentials.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
}

// ProviderConfig holds one upstream provider's settings.
type ProviderConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Organization string `mapstructure:"organization"`
	DefaultModel string `mapstructure:"default_model"`
}

// Configured reports whether the provider has usable credentials.
// Unexpanded ${VAR} placeholders count as missing.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != "" && !strings.Contains(p.APIKey, "${")
}

// RoutingConfig maps model ids to provider types.
type RoutingConfig struct {
	DefaultProvider string      `mapstructure:"default_provider"`
	DefaultModel    string      `mapstructure:"default_model"`
	Rules           []RouteRule `mapstructure:"rules"`
}

// RouteRule sends models whose id starts with Prefix to Provider.
type RouteRule struct {
	Prefix   string `mapstructure:"prefix"`
	Provider string `mapstructure:"provider"`
}

// QuotaConfig holds token budget settings.
type QuotaConfig struct {
	// Store is "memory", "redis" or "storage" (the shared database).
	Store               string `mapstructure:"store"`
	DailyLimit          int64  `mapstructure:"daily_limit"`
	MonthlyLimit        int64  `mapstructure:"monthly_limit"`
	MaxTokensPerRequest int    `mapstructure:"max_tokens_per_request"`
	RedisKeyPrefix      string `mapstructure:"redis_key_prefix"`
}

// StorageConfig selects the shared database.
type StorageConfig struct {
	Type             string `mapstructure:"type"`
	URL              string `mapstructure:"url"`
	SQLitePath       string `mapstructure:"sqlite_path"`
	PostgresMaxConns int    `mapstructure:"postgres_max_conns"`
	MongoDatabase    string `mapstructure:"mongo_database"`
}

// RedisConfig is shared by the Redis quota store and the Redis model cache.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// CacheConfig configures model catalog persistence.
type CacheConfig struct {
	Type            string        `mapstructure:"type"`
	Dir             string        `mapstructure:"dir"`
	RedisKey        string        `mapstructure:"redis_key"`
	RedisTTL        time.Duration `mapstructure:"redis_ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// UsageConfig configures the usage ledger.
type UsageConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Format is "auto", "json" or "text". auto picks text on a terminal.
	Format string `mapstructure:"format"`
}

// SessionConfig tunes WebSocket sessions.
type SessionConfig struct {
	OutboundBuffer int           `mapstructure:"outbound_buffer"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RecordTimeout  time.Duration `mapstructure:"record_timeout"`
}

// ResilienceConfig tunes the upstream HTTP client.
type ResilienceConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	CircuitBreaker   bool          `mapstructure:"circuit_breaker"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// defaultRoutes are used when no rules are configured.
var defaultRoutes = []RouteRule{
	{Prefix: "claude", Provider: "anthropic"},
	{Prefix: "gpt-", Provider: "openai"},
	{Prefix: "o1", Provider: "openai"},
	{Prefix: "o3", Provider: "openai"},
	{Prefix: "o4", Provider: "openai"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.body_limit", "10M")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.static_tokens", "")

	v.SetDefault("providers.openai.api_key", "")
	v.SetDefault("providers.openai.base_url", "")
	v.SetDefault("providers.openai.organization", "")
	v.SetDefault("providers.openai.default_model", "gpt-4-turbo-preview")
	v.SetDefault("providers.anthropic.api_key", "")
	v.SetDefault("providers.anthropic.base_url", "")
	v.SetDefault("providers.anthropic.default_model", "claude-3-opus-20240229")

	v.SetDefault("routing.default_provider", "openai")
	v.SetDefault("routing.default_model", "")

	v.SetDefault("quota.store", "memory")
	v.SetDefault("quota.daily_limit", 1_000_000)
	v.SetDefault("quota.monthly_limit", 10_000_000)
	v.SetDefault("quota.max_tokens_per_request", 4096)
	v.SetDefault("quota.redis_key_prefix", "chatgateway:quota")

	v.SetDefault("storage.type", "")
	v.SetDefault("storage.url", "")
	v.SetDefault("storage.sqlite_path", "data/chatgateway.db")
	v.SetDefault("storage.postgres_max_conns", 10)
	v.SetDefault("storage.mongo_database", "chatgateway")

	v.SetDefault("redis.url", "")

	v.SetDefault("cache.type", "local")
	v.SetDefault("cache.dir", ".cache")
	v.SetDefault("cache.redis_key", "chatgateway:models")
	v.SetDefault("cache.redis_ttl", 24*time.Hour)
	v.SetDefault("cache.refresh_interval", 5*time.Minute)

	v.SetDefault("usage.enabled", false)
	v.SetDefault("usage.buffer_size", 1000)
	v.SetDefault("usage.batch_size", 100)
	v.SetDefault("usage.flush_interval", 5*time.Second)
	v.SetDefault("usage.retention_days", 90)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")

	v.SetDefault("session.outbound_buffer", 100)
	v.SetDefault("session.read_limit", 1<<20)
	v.SetDefault("session.ping_interval", 30*time.Second)
	v.SetDefault("session.write_timeout", 10*time.Second)
	v.SetDefault("session.record_timeout", 5*time.Second)

	v.SetDefault("resilience.max_retries", 0)
	v.SetDefault("resilience.circuit_breaker", true)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.success_threshold", 2)
	v.SetDefault("resilience.open_timeout", 30*time.Second)
}

// envAliases binds the short variable names operators already use for this
// service. The structured name (e.g. SERVER_PORT) is always accepted too.
var envAliases = map[string][]string{
	"server.host":                    {"HOST"},
	"server.port":                    {"PORT"},
	"auth.jwt_secret":                {"JWT_SECRET"},
	"storage.url":                    {"DATABASE_URL"},
	"redis.url":                      {"REDIS_URL"},
	"providers.openai.api_key":       {"OPENAI_API_KEY"},
	"providers.openai.base_url":      {"OPENAI_BASE_URL"},
	"providers.openai.organization":  {"OPENAI_ORG_ID"},
	"providers.openai.default_model": {"DEFAULT_OPENAI_MODEL"},
	"providers.anthropic.api_key":    {"ANTHROPIC_API_KEY"},
	"providers.anthropic.base_url":   {"ANTHROPIC_BASE_URL"},
	"providers.anthropic.default_model": {
		"DEFAULT_CLAUDE_MODEL",
	},
	"quota.daily_limit":            {"MAX_TOKENS_PER_DAY"},
	"quota.monthly_limit":          {"MAX_TOKENS_PER_MONTH"},
	"quota.max_tokens_per_request": {"MAX_TOKENS_PER_REQUEST"},
	"metrics.enabled":              {"ENABLE_METRICS"},
	"logging.level":                {"LOG_LEVEL"},
	"logging.format":               {"LOG_FORMAT"},
}

// Load reads configuration from config.yaml, .env and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		structured := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, structured}, aliases...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if raw := os.Getenv("ROUTING_RULES"); raw != "" {
		rules, err := ParseRouteRules(raw)
		if err != nil {
			return nil, err
		}
		cfg.Routing.Rules = rules
	}
	if len(cfg.Routing.Rules) == 0 {
		cfg.Routing.Rules = append([]RouteRule(nil), defaultRoutes...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readConfigFile loads CONFIG_FILE, ./config.yaml or ./config/config.yaml,
// whichever exists first, after expanding environment placeholders.
func readConfigFile(v *viper.Viper) error {
	candidates := []string{"config.yaml", filepath.Join("config", "config.yaml")}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		candidates = []string{path}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader([]byte(expandString(string(data))))); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return nil
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. A placeholder whose
// variable is unset or empty and has no default is left untouched.
func expandString(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholder.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

// ParseRouteRules parses "prefix=provider" pairs separated by commas.
func ParseRouteRules(raw string) ([]RouteRule, error) {
	var rules []RouteRule
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		prefix, provider, ok := strings.Cut(pair, "=")
		prefix, provider = strings.TrimSpace(prefix), strings.TrimSpace(provider)
		if !ok || prefix == "" || provider == "" {
			return nil, fmt.Errorf("invalid routing rule %q: want prefix=provider", pair)
		}
		rules = append(rules, RouteRule{Prefix: prefix, Provider: provider})
	}
	return rules, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Auth.JWTSecret == "" && c.Auth.StaticTokens == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) or auth.static_tokens is required"))
	}
	if c.Quota.DailyLimit <= 0 || c.Quota.MonthlyLimit <= 0 {
		errs = append(errs, errors.New("quota limits must be positive"))
	}
	if !oneOf(c.Quota.Store, "memory", "redis", "storage") {
		errs = append(errs, fmt.Errorf("quota.store %q must be memory, redis or storage", c.Quota.Store))
	}
	if c.Quota.Store == "redis" && c.Redis.URL == "" {
		errs = append(errs, errors.New("quota.store=redis requires redis.url (REDIS_URL)"))
	}
	if !oneOf(c.Cache.Type, "local", "redis") {
		errs = append(errs, fmt.Errorf("cache.type %q must be local or redis", c.Cache.Type))
	}
	if c.Cache.Type == "redis" && c.Redis.URL == "" {
		errs = append(errs, errors.New("cache.type=redis requires redis.url (REDIS_URL)"))
	}
	if c.Storage.Type != "" && !oneOf(c.Storage.Type, "sqlite", "postgresql", "mongodb") {
		errs = append(errs, fmt.Errorf("storage.type %q must be sqlite, postgresql or mongodb", c.Storage.Type))
	}
	if !oneOf(c.Logging.Format, "auto", "json", "text") {
		errs = append(errs, fmt.Errorf("logging.format %q must be auto, json or text", c.Logging.Format))
	}
	if c.Session.OutboundBuffer <= 0 {
		errs = append(errs, errors.New("session.outbound_buffer must be positive"))
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
