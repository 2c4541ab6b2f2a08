// Package config loads DocuWise settings. Values are layered, highest
// precedence first:
//  1. Environment variables
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service and the CLI.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	VectorDB  VectorDBConfig  `yaml:"vector_db"`
	Search    SearchConfig    `yaml:"search"`
	LLM       LLMConfig       `yaml:"llm"`
}

// ServerConfig holds HTTP and upload settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	UploadDir       string        `yaml:"upload_dir"`
	MaxUploadMB     int           `yaml:"max_upload_mb"`
	AutoIngest      bool          `yaml:"auto_ingest"`
	IngestWorkers   int           `yaml:"ingest_workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig locates the SQLite file metadata store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ChunkingConfig controls the sliding window.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
	// Tokenizer is "words" or a tiktoken encoding such as "cl100k_base".
	Tokenizer string `yaml:"tokenizer"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "openai" | "azure"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url,omitempty"`

	// Azure specific
	Endpoint   string `yaml:"endpoint,omitempty"`
	Deployment string `yaml:"deployment,omitempty"`
	APIVersion string `yaml:"api_version,omitempty"`

	BatchSize         int           `yaml:"batch_size"`
	MaxBatchTokens    int           `yaml:"max_batch_tokens"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
}

// VectorDBConfig selects the vector store backend.
type VectorDBConfig struct {
	Type       string        `yaml:"type"` // "memory" | "qdrant" | "milvus" | "chromem"
	Address    string        `yaml:"address"`
	APIKey     string        `yaml:"api_key,omitempty"`
	Collection string        `yaml:"collection"`
	Metric     string        `yaml:"metric,omitempty"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SearchConfig controls retrieval.
type SearchConfig struct {
	TopK            int     `yaml:"top_k"`
	MinScore        float64 `yaml:"min_score"`
	Hybrid          bool    `yaml:"hybrid"`
	KeywordIndexDir string  `yaml:"keyword_index_dir,omitempty"`
	DenseWeight     float64 `yaml:"dense_weight"`
	SparseWeight    float64 `yaml:"sparse_weight"`
}

// LLMConfig configures answer generation. An empty APIKey disables it.
type LLMConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8000",
			UploadDir:       "data",
			MaxUploadMB:     10,
			IngestWorkers:   2,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{Path: filepath.Join("data", "docuwise.db")},
		Chunking: ChunkingConfig{Size: 500, Overlap: 50, Tokenizer: "words"},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			APIVersion: "2024-02-01",
			BatchSize:  16,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
		},
		VectorDB: VectorDBConfig{
			Type:       "memory",
			Collection: "docuwise",
			Timeout:    30 * time.Second,
		},
		Search: SearchConfig{
			TopK:         5,
			DenseWeight:  0.5,
			SparseWeight: 0.5,
		},
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxTokens: 512,
		},
	}
}

// LoadConfig builds the configuration from defaults, the first config file
// found and the environment. The file is searched at path, then
// $DOCUWISE_CONFIG, ./docuwise.yaml and ~/.config/docuwise/config.yaml.
// No file at all means defaults; an explicit path that does not exist is
// an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	file, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file not found: %w", err)
		}
		return path, nil
	}
	if env := os.Getenv("DOCUWISE_CONFIG"); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("config file from DOCUWISE_CONFIG not found: %w", err)
		}
		return env, nil
	}
	candidates := []string{"docuwise.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "docuwise", "config.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

// applyEnv overrides fields from the environment. AZURE_OPENAI_ENDPOINT
// switches the embedding provider to azure and QDRANT_URL switches the
// vector store to qdrant.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("DOCUWISE_LOG_LEVEL", &c.LogLevel)
	str("DOCUWISE_ADDR", &c.Server.Addr)
	str("DOCUWISE_UPLOAD_DIR", &c.Server.UploadDir)
	num("DOCUWISE_MAX_UPLOAD_MB", &c.Server.MaxUploadMB)
	flag("DOCUWISE_AUTO_INGEST", &c.Server.AutoIngest)
	num("DOCUWISE_INGEST_WORKERS", &c.Server.IngestWorkers)
	str("DOCUWISE_DB_PATH", &c.Database.Path)
	num("DOCUWISE_CHUNK_SIZE", &c.Chunking.Size)
	num("DOCUWISE_CHUNK_OVERLAP", &c.Chunking.Overlap)
	num("DOCUWISE_TOP_K", &c.Search.TopK)
	flag("DOCUWISE_HYBRID", &c.Search.Hybrid)

	str("OPENAI_API_KEY", &c.Embedding.APIKey)
	if v, ok := lookup("AZURE_OPENAI_ENDPOINT"); ok && v != "" {
		c.Embedding.Provider = "azure"
		c.Embedding.Endpoint = v
	}
	str("AZURE_OPENAI_API_KEY", &c.Embedding.APIKey)
	str("AZURE_OPENAI_API_VERSION", &c.Embedding.APIVersion)
	str("AZURE_OPENAI_EMBEDDING_DEPLOYMENT", &c.Embedding.Deployment)
	str("DOCUWISE_EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("DOCUWISE_EMBEDDING_MODEL", &c.Embedding.Model)

	if v, ok := lookup("QDRANT_URL"); ok && v != "" {
		c.VectorDB.Type = "qdrant"
		c.VectorDB.Address = v
	}
	str("QDRANT_API_KEY", &c.VectorDB.APIKey)
	str("DOCUWISE_VECTOR_DB", &c.VectorDB.Type)
	str("DOCUWISE_VECTOR_DB_ADDRESS", &c.VectorDB.Address)
	str("DOCUWISE_COLLECTION", &c.VectorDB.Collection)

	if c.LLM.APIKey == "" {
		str("OPENAI_API_KEY", &c.LLM.APIKey)
	}
	str("DOCUWISE_LLM_MODEL", &c.LLM.Model)

	return errors.Join(errs...)
}

// Validate checks the invariants the pipeline relies on. It lower-cases
// vector_db.type in place.
func (c *Config) Validate() error {
	var errs []error
	if c.Chunking.Size <= 0 {
		errs = append(errs, fmt.Errorf("chunking.size must be positive"))
	}
	if c.Chunking.Overlap < 0 {
		errs = append(errs, fmt.Errorf("chunking.overlap must not be negative"))
	}
	if c.Chunking.Size <= c.Chunking.Overlap {
		errs = append(errs, fmt.Errorf("chunking.size (%d) must be greater than chunking.overlap (%d)", c.Chunking.Size, c.Chunking.Overlap))
	}
	if c.Server.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_mb must be positive"))
	}
	if c.Server.IngestWorkers <= 0 {
		errs = append(errs, fmt.Errorf("server.ingest_workers must be positive"))
	}
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embedding.batch_size must be positive"))
	}
	if c.Search.TopK <= 0 {
		errs = append(errs, fmt.Errorf("search.top_k must be positive"))
	}
	c.VectorDB.Type = strings.ToLower(strings.TrimSpace(c.VectorDB.Type))
	switch c.VectorDB.Type {
	case "memory", "qdrant", "milvus", "chromem":
	default:
		errs = append(errs, fmt.Errorf("vector_db.type %q is not supported", c.VectorDB.Type))
	}
	if c.VectorDB.Collection == "" {
		errs = append(errs, fmt.Errorf("vector_db.collection is required"))
	}
	return errors.Join(errs...)
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
