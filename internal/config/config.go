// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (FILESEARCHER_*, plus DATABASE_URL)
//  2. Config file (~/.filesearcher/config.yaml)
//  3. Default values
//
// Error handling uses sentinel errors so callers can check categories
// with errors.Is and wrap with fmt.Errorf("%w: details", ErrXxx).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidOllamaHost indicates the Ollama base URL is invalid.
	ErrInvalidOllamaHost = errors.New("invalid Ollama host")

	// ErrInvalidChunkConfig indicates the chunk window/overlap pair is invalid.
	ErrInvalidChunkConfig = errors.New("invalid chunk configuration")

	// ErrInvalidTopK indicates top_k is out of range.
	ErrInvalidTopK = errors.New("invalid top_k")

	// ErrInvalidRerankCandidates indicates rerank_candidates is smaller than top_k.
	ErrInvalidRerankCandidates = errors.New("invalid rerank_candidates")

	// ErrInvalidContextBudget indicates the context budget is out of range.
	ErrInvalidContextBudget = errors.New("invalid context budget")
)

// Default models: a nomic embedder and a small llama chat model, both
// served by a local Ollama.
const (
	DefaultEmbedModel = "nomic-embed-text"
	DefaultChatModel  = "llama3.2"

	// DefaultChunkWindow and DefaultChunkOverlap are in words.
	DefaultChunkWindow  = 220
	DefaultChunkOverlap = 40

	// DefaultMaxHistoryMessages bounds the prior-session window included
	// in prompts.
	DefaultMaxHistoryMessages = 20
)

// Config stores application configuration.
type Config struct {
	// Storage configuration (PostgreSQL + pgvector).
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Ollama endpoint and models.
	OllamaHost string `mapstructure:"ollama_host"`
	EmbedModel string `mapstructure:"embed_model"`
	ChatModel  string `mapstructure:"chat_model"`

	// Ingestion configuration.
	LibraryDir     string `mapstructure:"library_dir"`
	ChunkWindow    int    `mapstructure:"chunk_window"`
	ChunkOverlap   int    `mapstructure:"chunk_overlap"`
	EmbedBatchSize int    `mapstructure:"embed_batch_size"`
	IngestWorkers  int    `mapstructure:"ingest_workers"`

	// Query configuration.
	TopK               int  `mapstructure:"top_k"`
	UseRerank          bool `mapstructure:"use_rerank"`
	RerankCandidates   int  `mapstructure:"rerank_candidates"`
	ContextBudget      int  `mapstructure:"context_budget"` // characters
	MaxHistoryMessages int  `mapstructure:"max_history_messages"`

	// Timeouts in seconds for the model services.
	EmbedTimeoutSeconds int `mapstructure:"embed_timeout_seconds"`
	ChatTimeoutSeconds  int `mapstructure:"chat_timeout_seconds"`
}

// Load reads configuration from all sources and validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Config file is optional; defaults plus env are enough to run.
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".filesearcher"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("FILESEARCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings, the
	// usual shortcut in local and cloud deployments.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "postgres")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db_name", "filesearcher")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("ollama_host", "http://127.0.0.1:11434")
	v.SetDefault("embed_model", DefaultEmbedModel)
	v.SetDefault("chat_model", DefaultChatModel)

	v.SetDefault("library_dir", "")
	v.SetDefault("chunk_window", DefaultChunkWindow)
	v.SetDefault("chunk_overlap", DefaultChunkOverlap)
	v.SetDefault("embed_batch_size", 32)
	v.SetDefault("ingest_workers", 4)

	v.SetDefault("top_k", 5)
	v.SetDefault("use_rerank", false)
	v.SetDefault("rerank_candidates", 15)
	v.SetDefault("context_budget", 4000)
	v.SetDefault("max_history_messages", DefaultMaxHistoryMessages)

	v.SetDefault("embed_timeout_seconds", 60)
	v.SetDefault("chat_timeout_seconds", 120)
}

// Validate checks configuration ranges and reports the first violation.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d not in 1-65535", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidPostgresDBName)
	}
	if !strings.HasPrefix(c.OllamaHost, "http://") && !strings.HasPrefix(c.OllamaHost, "https://") {
		return fmt.Errorf("%w: %q must start with http:// or https://", ErrInvalidOllamaHost, c.OllamaHost)
	}
	if c.ChunkWindow < 1 {
		return fmt.Errorf("%w: window %d must be positive", ErrInvalidChunkConfig, c.ChunkWindow)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkWindow {
		return fmt.Errorf("%w: overlap %d must be in [0, window)", ErrInvalidChunkConfig, c.ChunkOverlap)
	}
	if c.TopK < 1 {
		return fmt.Errorf("%w: %d must be positive", ErrInvalidTopK, c.TopK)
	}
	if c.UseRerank && c.RerankCandidates < c.TopK {
		return fmt.Errorf("%w: %d must be >= top_k %d", ErrInvalidRerankCandidates, c.RerankCandidates, c.TopK)
	}
	if c.ContextBudget < 1 {
		return fmt.Errorf("%w: %d must be positive", ErrInvalidContextBudget, c.ContextBudget)
	}
	return nil
}
