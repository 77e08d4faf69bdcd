// Package config loads and validates jobtrack configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreNotion   = "notion"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Normalize   NormalizeConfig   `mapstructure:"normalize"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Extract     ExtractConfig     `mapstructure:"extract"`
	Store       StoreConfig       `mapstructure:"store"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig governs the HTTP strategy and the fallback decision.
type FetchConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	RespectRobots   bool   `mapstructure:"respect_robots"`
	MinContentBytes int    `mapstructure:"min_content_bytes"`
	MaxBodyBytes    int    `mapstructure:"max_body_bytes"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
	HTTPRetries     int    `mapstructure:"http_retries"`
	RetryDelayMs    int    `mapstructure:"retry_delay_ms"`
	// BlockMarkers extends the built-in bot-challenge markers.
	BlockMarkers []string `mapstructure:"block_markers"`
}

// HeadlessConfig configures the render strategy.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	SettleMs      int    `mapstructure:"settle_ms"`
	ExecPath      string `mapstructure:"exec_path"`
	NoSandbox     bool   `mapstructure:"no_sandbox"`
}

// RateLimitConfig paces requests per host.
type RateLimitConfig struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
	// PerHost is a list because viper splits map keys on dots.
	PerHost []HostRate `mapstructure:"per_host"`
}

// HostRate overrides the default rate for one hostname.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HostRates returns PerHost keyed by hostname.
func (c RateLimitConfig) HostRates() map[string]float64 {
	out := make(map[string]float64, len(c.PerHost))
	for _, hr := range c.PerHost {
		out[hr.Host] = hr.RPS
	}
	return out
}

// NormalizeConfig bounds normalizer input and output.
type NormalizeConfig struct {
	MinRawBytes  int      `mapstructure:"min_raw_bytes"`
	MinTextChars int      `mapstructure:"min_text_chars"`
	MaxChars     int      `mapstructure:"max_chars"`
	DetectLang   bool     `mapstructure:"detect_language"`
	Languages    []string `mapstructure:"languages"`
}

// LLMConfig selects the completion provider. APIKey is usually resolved via
// credentials rather than set here.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ExtractConfig bounds the completion calls of the extractor.
type ExtractConfig struct {
	CompletionTimeoutSec int `mapstructure:"completion_timeout_seconds"`
	Retries              int `mapstructure:"retries"`
	RetryDelayMs         int `mapstructure:"retry_delay_ms"`
}

// StoreConfig picks and configures the record store backend.
type StoreConfig struct {
	Backend      string         `mapstructure:"backend"`
	Retries      int            `mapstructure:"retries"`
	RetryDelayMs int            `mapstructure:"retry_delay_ms"`
	SQLite       SQLiteConfig   `mapstructure:"sqlite"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	Mongo        MongoConfig    `mapstructure:"mongo"`
	Notion       NotionConfig   `mapstructure:"notion"`
}

// SQLiteConfig locates the local tracking database.
type SQLiteConfig struct {
	Path           string `mapstructure:"path"`
	LockTimeoutSec int    `mapstructure:"lock_timeout_seconds"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
	Migrate         bool   `mapstructure:"migrate"`
}

// MongoConfig locates the document collection.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// NotionConfig addresses the Notion tracking database.
type NotionConfig struct {
	Token        string `mapstructure:"token"`
	DatabaseID   string `mapstructure:"database_id"`
	BaseURL      string `mapstructure:"base_url"`
	TimeoutSec   int    `mapstructure:"timeout_seconds"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// PipelineConfig bounds whole runs.
type PipelineConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ArchiveConfig sets where raw pages are kept: local, gcs or memory. An empty
// Backend disables archiving.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for record event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CredentialsConfig describes the password-gated shared key set.
type CredentialsConfig struct {
	PasswordHash     string `mapstructure:"password_hash"`
	UseKeyring       bool   `mapstructure:"use_keyring"`
	SharedLLMKey     string `mapstructure:"shared_llm_api_key"`
	SharedNotion     string `mapstructure:"shared_notion_token"`
	SharedNotionDBID string `mapstructure:"shared_notion_database_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the default level, e.g. "warn".
	Level string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBTRACK")
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.min_content_bytes", 2048)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.timeout_seconds", 20)
	v.SetDefault("fetch.http_retries", 1)
	v.SetDefault("fetch.retry_delay_ms", 500)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("headless.settle_ms", 1500)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("normalize.min_raw_bytes", 64)
	v.SetDefault("normalize.min_text_chars", 200)
	v.SetDefault("normalize.max_chars", 24000)
	v.SetDefault("normalize.detect_language", true)
	v.SetDefault("llm.provider", "googleai")
	v.SetDefault("llm.model", "gemini-1.5-pro")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("extract.completion_timeout_seconds", 60)
	v.SetDefault("extract.retries", 1)
	v.SetDefault("extract.retry_delay_ms", 1000)
	v.SetDefault("store.backend", StoreSQLite)
	v.SetDefault("store.retries", 3)
	v.SetDefault("store.retry_delay_ms", 250)
	v.SetDefault("store.sqlite.path", "jobtrack.db")
	v.SetDefault("store.sqlite.lock_timeout_seconds", 10)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "job_records")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conn_lifetime_seconds", 1800)
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.mongo.uri", "")
	v.SetDefault("store.mongo.database", "jobtrack")
	v.SetDefault("store.mongo.collection", "job_records")
	v.SetDefault("store.mongo.timeout_seconds", 10)
	v.SetDefault("store.notion.token", "")
	v.SetDefault("store.notion.database_id", "")
	v.SetDefault("store.notion.base_url", "")
	v.SetDefault("store.notion.timeout_seconds", 30)
	v.SetDefault("store.notion.ensure_schema", false)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.timeout_seconds", 180)
	v.SetDefault("archive.backend", "")
	v.SetDefault("archive.local_dir", "archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("credentials.password_hash", "")
	v.SetDefault("credentials.use_keyring", false)
	v.SetDefault("credentials.shared_llm_api_key", "")
	v.SetDefault("credentials.shared_notion_token", "")
	v.SetDefault("credentials.shared_notion_database_id", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MinContentBytes <= 0 {
		return fmt.Errorf("fetch.min_content_bytes must be > 0")
	}
	if c.Fetch.HTTPRetries < 0 {
		return fmt.Errorf("fetch.http_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Normalize.MaxChars <= 0 {
		return fmt.Errorf("normalize.max_chars must be > 0")
	}
	if c.Extract.CompletionTimeoutSec <= 0 {
		return fmt.Errorf("extract.completion_timeout_seconds must be > 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Store.Retries < 0 {
		return fmt.Errorf("store.retries must be >= 0")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path must be set for the sqlite backend")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres backend")
		}
	case StoreMongo:
		if c.Store.Mongo.URI == "" {
			return fmt.Errorf("store.mongo.uri must be set for the mongo backend")
		}
	case StoreNotion:
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case "", "local", "memory":
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// FetchTimeout is the per-attempt bound shared by both fetch strategies.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// PipelineTimeout bounds a whole run for one URL; zero disables it.
func (c Config) PipelineTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// Millis converts a millisecond knob into a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second knob into a duration.
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
