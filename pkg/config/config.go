package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-refine.
// Configuration can come from a YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Refinement RefinementConfig `yaml:"refinement"`
	MCP        MCPConfig        `yaml:"mcp"`

	// MetricsAddr is where /metrics is served. Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR" env-default:""`
}

// LLMConfig configures the language understanding/generation service.
type LLMConfig struct {
	Provider    string        `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	BaseURL     string        `yaml:"base_url" env:"LLM_BASE_URL" env-default:"https://api.openai.com/v1"`
	Model       string        `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o"`
	APIKey      string        `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	Temperature float64       `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.1"`
	MaxTokens   int           `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"2048"`
	Timeout     time.Duration `yaml:"timeout" env:"LLM_TIMEOUT" env-default:"60s"`

	// Circuit breaker around provider calls.
	BreakerThreshold int           `yaml:"breaker_threshold" env:"LLM_BREAKER_THRESHOLD" env-default:"5"`
	BreakerReset     time.Duration `yaml:"breaker_reset" env:"LLM_BREAKER_RESET" env-default:"30s"`
}

// EmbeddingConfig configures how descriptions and queries are embedded.
// The hash provider needs no network and is meant for offline use and tests.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" env:"EMBEDDING_PROVIDER" env-default:"openai"`
	BaseURL    string `yaml:"base_url" env:"EMBEDDING_BASE_URL" env-default:"https://api.openai.com/v1"`
	Model      string `yaml:"model" env:"EMBEDDING_MODEL" env-default:"text-embedding-3-small"`
	APIKey     string `yaml:"-" env:"EMBEDDING_API_KEY"` // Secret - not in YAML
	Dimensions int    `yaml:"dimensions" env:"EMBEDDING_DIMENSIONS" env-default:"256"`
}

// StoreConfig configures the schema context store.
type StoreConfig struct {
	// SQLitePath is the store database file. Empty keeps everything in memory.
	SQLitePath   string `yaml:"sqlite_path" env:"STORE_SQLITE_PATH" env-default:"ekaya-refine.db"`
	MetadataPath string `yaml:"metadata_path" env:"STORE_METADATA_PATH" env-default:"metadata.csv"`
	// Watch re-indexes the metadata CSV whenever it changes on disk.
	Watch          bool   `yaml:"watch" env:"STORE_WATCH" env-default:"false"`
	PatternLogPath string `yaml:"pattern_log" env:"STORE_PATTERN_LOG" env-default:"learned_patterns.jsonl"`
}

// RedisConfig configures the optional embedding cache.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"REDIS_CACHE_TTL" env-default:"168h"`
}

// Enabled reports whether a Redis host has been configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Addr returns host:port, resolving localhost when running inside Docker.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}

// WarehouseConfig configures the execution gateway.
type WarehouseConfig struct {
	Type           string        `yaml:"type" env:"WAREHOUSE_TYPE" env-default:"postgres"`
	Host           string        `yaml:"host" env:"WAREHOUSE_HOST" env-default:"localhost"`
	Port           int           `yaml:"port" env:"WAREHOUSE_PORT" env-default:"5432"`
	User           string        `yaml:"user" env:"WAREHOUSE_USER" env-default:"analyst"`
	Password       string        `yaml:"-" env:"WAREHOUSE_PASSWORD"` // Secret - not in YAML
	Database       string        `yaml:"database" env:"WAREHOUSE_DATABASE" env-default:"warehouse"`
	SSLMode        string        `yaml:"ssl_mode" env:"WAREHOUSE_SSLMODE" env-default:"disable"`
	MaxConnections int32         `yaml:"max_connections" env:"WAREHOUSE_MAX_CONNECTIONS" env-default:"5"`
	QueryTimeout   time.Duration `yaml:"query_timeout" env:"WAREHOUSE_QUERY_TIMEOUT" env-default:"60s"`
	RowLimit       int           `yaml:"row_limit" env:"WAREHOUSE_ROW_LIMIT" env-default:"1000"`
}

// ConnectionString returns a DSN for the configured warehouse type.
func (c *WarehouseConfig) ConnectionString() string {
	host := ResolveHostForDocker(c.Host)
	switch c.Type {
	case "mssql":
		query := url.Values{}
		query.Set("database", c.Database)
		u := &url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(c.User, c.Password),
			Host:     fmt.Sprintf("%s:%d", host, c.Port),
			RawQuery: query.Encode(),
		}
		return u.String()
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		)
	}
}

// RefinementConfig exposes the tuning knobs of the refinement engine.
type RefinementConfig struct {
	// MaxTables caps the schema context handed to the generator.
	MaxTables int `yaml:"max_tables" env:"REFINE_MAX_TABLES" env-default:"20"`
	// MinSimilarity drops retrieved tables scoring below it. Results are never padded.
	MinSimilarity float64 `yaml:"min_similarity" env:"REFINE_MIN_SIMILARITY" env-default:"0.2"`
	// SearchOversample multiplies k for the raw column-level search before dedup by table.
	SearchOversample     int     `yaml:"search_oversample" env:"REFINE_SEARCH_OVERSAMPLE" env-default:"3"`
	PatternHintThreshold float64 `yaml:"pattern_hint_threshold" env:"REFINE_PATTERN_HINT_THRESHOLD" env-default:"0.85"`
	PatternHintLimit     int     `yaml:"pattern_hint_limit" env:"REFINE_PATTERN_HINT_LIMIT" env-default:"3"`
	// HistoryTurns bounds how many prior turns the intent analyzer sees. 0 means all.
	HistoryTurns        int `yaml:"history_turns" env:"REFINE_HISTORY_TURNS" env-default:"0"`
	GenerationRetries   int `yaml:"generation_retries" env:"REFINE_GENERATION_RETRIES" env-default:"1"`
	SafetyRegenerations int `yaml:"safety_regenerations" env:"REFINE_SAFETY_REGENERATIONS" env-default:"2"`
	ExecutionRetries    int `yaml:"execution_retries" env:"REFINE_EXECUTION_RETRIES" env-default:"1"`
	// FullScanThreshold is the row estimate above which an unfiltered, unlimited read is rejected.
	FullScanThreshold int64 `yaml:"full_scan_threshold" env:"REFINE_FULL_SCAN_THRESHOLD" env-default:"1000000"`
	// UseDrafts lets the generator return its deterministic draft when it fully covers the intent.
	UseDrafts bool `yaml:"use_drafts" env:"REFINE_USE_DRAFTS" env-default:"true"`
}

// MCPConfig configures the MCP stdio surface.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled" env:"MCP_ENABLED" env-default:"false"`
	Name    string `yaml:"name" env:"MCP_NAME" env-default:"ekaya-refine"`
}

// Load reads configuration from the YAML file at path with environment variable overrides.
// A missing file is not an error; defaults and environment variables are used instead.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if path != "" && fileExists(path) {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider)
	}

	switch c.Embedding.Provider {
	case "openai", "hash":
	default:
		return fmt.Errorf("embedding.provider must be openai or hash, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "hash" && c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}

	switch c.Warehouse.Type {
	case "postgres", "mssql":
	default:
		return fmt.Errorf("warehouse.type must be postgres or mssql, got %q", c.Warehouse.Type)
	}

	r := c.Refinement
	if r.MaxTables <= 0 {
		return fmt.Errorf("refinement.max_tables must be positive")
	}
	if r.MinSimilarity < 0 || r.MinSimilarity > 1 {
		return fmt.Errorf("refinement.min_similarity must be within [0,1]")
	}
	if r.PatternHintThreshold < 0 || r.PatternHintThreshold > 1 {
		return fmt.Errorf("refinement.pattern_hint_threshold must be within [0,1]")
	}
	if r.SearchOversample < 1 {
		return fmt.Errorf("refinement.search_oversample must be at least 1")
	}
	if r.GenerationRetries < 0 || r.SafetyRegenerations < 0 || r.ExecutionRetries < 0 {
		return fmt.Errorf("refinement retry budgets must not be negative")
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
