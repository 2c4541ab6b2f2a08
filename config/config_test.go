package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DOCUWISE_CONFIG", "DOCUWISE_CHUNK_SIZE", "DOCUWISE_CHUNK_OVERLAP", "DOCUWISE_VECTOR_DB",
		"DOCUWISE_LOG_LEVEL", "DOCUWISE_TOP_K", "DOCUWISE_MAX_UPLOAD_MB",
		"OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_API_KEY", "QDRANT_URL", "QDRANT_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500, cfg.Chunking.Size)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes())
	assert.Equal(t, "memory", cfg.VectorDB.Type)
	assert.Equal(t, "docuwise", cfg.VectorDB.Collection)
	assert.Equal(t, 5, cfg.Search.TopK)
	assert.Equal(t, ":8000", cfg.Server.Addr)
}

func TestLoadConfigFromFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "docuwise.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
chunking:
  size: 800
  overlap: 100
vector_db:
  type: qdrant
  address: http://localhost:6334
embedding:
  timeout: 5s
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 800, cfg.Chunking.Size)
	assert.Equal(t, 100, cfg.Chunking.Overlap)
	assert.Equal(t, "qdrant", cfg.VectorDB.Type)
	assert.Equal(t, 5*time.Second, cfg.Embedding.Timeout)
	// untouched sections keep their defaults
	assert.Equal(t, 5, cfg.Search.TopK)
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsOverlapNotBelowSize(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunking:\n  size: 50\n  overlap: 50\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be greater than chunking.overlap")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AZURE_OPENAI_ENDPOINT":             "https://example.openai.azure.com",
		"AZURE_OPENAI_API_KEY":              "azure-key",
		"AZURE_OPENAI_EMBEDDING_DEPLOYMENT": "embed",
		"QDRANT_URL":                        "http://qdrant:6334",
		"QDRANT_API_KEY":                    "qkey",
		"DOCUWISE_CHUNK_SIZE":               "300",
		"DOCUWISE_AUTO_INGEST":              "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, "azure", cfg.Embedding.Provider)
	assert.Equal(t, "https://example.openai.azure.com", cfg.Embedding.Endpoint)
	assert.Equal(t, "azure-key", cfg.Embedding.APIKey)
	assert.Equal(t, "embed", cfg.Embedding.Deployment)
	assert.Equal(t, "qdrant", cfg.VectorDB.Type)
	assert.Equal(t, "http://qdrant:6334", cfg.VectorDB.Address)
	assert.Equal(t, "qkey", cfg.VectorDB.APIKey)
	assert.Equal(t, 300, cfg.Chunking.Size)
	assert.True(t, cfg.Server.AutoIngest)
}

func TestValidateNormalizesVectorDBType(t *testing.T) {
	cfg := Default()
	cfg.VectorDB.Type = " Qdrant "
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "qdrant", cfg.VectorDB.Type)

	cfg.VectorDB.Type = "Pinecone"
	assert.ErrorContains(t, cfg.Validate(), "vector_db.type")
}

func TestLoadConfigNormalizesVectorDBType(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "docuwise.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vector_db:\n  type: Chromem\n  collection: docs\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "chromem", cfg.VectorDB.Type)
}

func TestApplyEnvInvalidNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "DOCUWISE_TOP_K" {
			return "many", true
		}
		return "", false
	}
	err := Default().applyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOCUWISE_TOP_K")
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Chunking.Size = 640
	cfg.Search.Hybrid = true
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 640, loaded.Chunking.Size)
	assert.True(t, loaded.Search.Hybrid)
	assert.Equal(t, cfg.Server.ShutdownTimeout, loaded.Server.ShutdownTimeout)
}
