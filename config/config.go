package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the notewise service
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	Server        ServerConfig        `mapstructure:"server"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Search        SearchConfig        `mapstructure:"search"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	DocumentIntel DocumentIntelConfig `mapstructure:"document_intelligence"`
	ContentSource ContentSourceConfig `mapstructure:"content_source"`
	Ingestion     IngestionConfig     `mapstructure:"ingestion"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	TenantID       string        `mapstructure:"tenant_id"`
	UserID         string        `mapstructure:"user_id"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// StorageConfig contains persistence settings for the job store and the
// optional redis-backed pieces (job events, scheduler locks, embedding cache).
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL     string `mapstructure:"url"`
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"password"`
	DBName  string `mapstructure:"dbname"`
	SSLMode string `mapstructure:"sslmode"`
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Pass, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Pass string `mapstructure:"password"`
	DB   int    `mapstructure:"db"`
}

/// Addr returns host:port, or empty when redis is not configured.
func (r RedisConfig) Addr() string {
	if strings.TrimSpace(r.Host) == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// SearchConfig contains the external search engine settings
type SearchConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	Index            string        `mapstructure:"index"`
	APIKey           string        `mapstructure:"api_key"`
	APIVersion       string        `mapstructure:"api_version"`
	SemanticConfig   string        `mapstructure:"semantic_config"`
	EnableReranking  bool          `mapstructure:"enable_reranking"`
	VectorDimensions int           `mapstructure:"vector_dimensions"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

func (s SearchConfig) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("search.endpoint is required")
	}
	if strings.TrimSpace(s.Index) == "" {
		return fmt.Errorf("search.index is required")
	}
	if s.VectorDimensions <= 0 {
		return fmt.Errorf("search.vector_dimensions must be > 0")
	}
	return nil
}

// ProvidersConfig contains embedding/generation provider settings
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig contains OpenAI-compatible endpoint settings
type OpenAIConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	APIKey          string        `mapstructure:"api_key"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	CompletionModel string        `mapstructure:"completion_model"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (o OpenAIConfig) Validate() error {
	if strings.TrimSpace(o.APIKey) == "" {
		return fmt.Errorf("providers.openai.api_key is required")
	}
	return nil
}

// DocumentIntelConfig contains the document-understanding service settings.
// When endpoint is empty, attachment processing degrades to metadata-only.
type DocumentIntelConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	APIKey         string        `mapstructure:"api_key"`
	APIVersion     string        `mapstructure:"api_version"`
	Timeout        time.Duration `mapstructure:"timeout"`
	SupportedTypes []string      `mapstructure:"supported_types"`
	MaxSizeMB      int           `mapstructure:"max_size_mb"`
}

// ContentSourceConfig contains the notebook content API settings
type ContentSourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	PageSize       int           `mapstructure:"page_size"`
}

// IngestionConfig tunes chunking, embedding, and job execution
type IngestionConfig struct {
	ChunkSize            int           `mapstructure:"chunk_size"`
	ChunkOverlap         int           `mapstructure:"chunk_overlap"`
	EmbeddingBatchSize   int           `mapstructure:"embedding_batch_size"`
	EmbeddingConcurrency int           `mapstructure:"embedding_concurrency"`
	MaxRetries           int           `mapstructure:"max_retries"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	EventStream          string        `mapstructure:"event_stream"`
}

func (i IngestionConfig) Validate() error {
	if i.ChunkSize <= 0 {
		return fmt.Errorf("ingestion.chunk_size must be > 0")
	}
	if i.ChunkOverlap < 0 || i.ChunkOverlap >= i.ChunkSize {
		return fmt.Errorf("ingestion.chunk_overlap must be in [0, chunk_size)")
	}
	if i.EmbeddingBatchSize <= 0 {
		return fmt.Errorf("ingestion.embedding_batch_size must be > 0")
	}
	if i.EmbeddingConcurrency <= 0 {
		return fmt.Errorf("ingestion.embedding_concurrency must be > 0")
	}
	return nil
}

// RetrievalConfig tunes search defaults and answer composition
type RetrievalConfig struct {
	DefaultTop    int `mapstructure:"default_top"`
	MaxTop        int `mapstructure:"max_top"`
	ContextBudget int `mapstructure:"context_budget"`
}

// SchedulerConfig controls periodic re-ingestion of registered notebooks
type SchedulerConfig struct {
	Enabled   bool              `mapstructure:"enabled"`
	Interval  time.Duration     `mapstructure:"interval"`
	Notebooks map[string]string `mapstructure:"notebooks"` // notebook_id -> cron spec
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("search.api_version", "2023-11-01")
	viper.SetDefault("search.semantic_config", "default")
	viper.SetDefault("search.enable_reranking", true)
	viper.SetDefault("search.vector_dimensions", 1536)
	viper.SetDefault("search.timeout", "30s")
	viper.SetDefault("providers.openai.embedding_model", "text-embedding-3-large")
	viper.SetDefault("providers.openai.completion_model", "gpt-4o-mini")
	viper.SetDefault("providers.openai.max_tokens", 1500)
	viper.SetDefault("providers.openai.temperature", 0.1)
	viper.SetDefault("providers.openai.timeout", "60s")
	viper.SetDefault("document_intelligence.api_version", "2024-07-31-preview")
	viper.SetDefault("document_intelligence.timeout", "120s")
	viper.SetDefault("document_intelligence.supported_types", []string{"pdf", "docx", "xlsx", "pptx", "txt", "png", "jpg", "jpeg"})
	viper.SetDefault("document_intelligence.max_size_mb", 30)
	viper.SetDefault("content_source.timeout", "30s")
	viper.SetDefault("content_source.requests_per_sec", 4.0)
	viper.SetDefault("content_source.page_size", 100)
	viper.SetDefault("ingestion.chunk_size", 1000)
	viper.SetDefault("ingestion.chunk_overlap", 200)
	viper.SetDefault("ingestion.embedding_batch_size", 16)
	viper.SetDefault("ingestion.embedding_concurrency", 4)
	viper.SetDefault("ingestion.max_retries", 3)
	viper.SetDefault("ingestion.retry_backoff", "500ms")
	viper.SetDefault("ingestion.event_stream", "ingestion.events")
	viper.SetDefault("retrieval.default_top", 8)
	viper.SetDefault("retrieval.max_top", 50)
	viper.SetDefault("retrieval.context_budget", 12000)
	viper.SetDefault("scheduler.enabled", false)
	viper.SetDefault("scheduler.interval", "1h")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("NOTEWISE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Search.Validate(); err != nil {
		panic(err)
	}
	if err := config.Providers.OpenAI.Validate(); err != nil {
		panic(err)
	}
	if err := config.Ingestion.Validate(); err != nil {
		panic(err)
	}
	return &config
}
