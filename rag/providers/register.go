// Package providers holds the embedding backends. Each backend registers a
// factory under a short name from its init function; callers build one with
// rag.NewEmbedder(rag.SetProvider(name), ...).
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// EmbedderFactory builds an Embedder from loosely typed options such as
// "api_key", "model" or "timeout".
type EmbedderFactory func(config map[string]interface{}) (Embedder, error)

var (
	embedderFactories = make(map[string]EmbedderFactory)
	mu                sync.RWMutex
)

// RegisterEmbedder makes a factory available under name, replacing any
// previous registration.
func RegisterEmbedder(name string, factory EmbedderFactory) {
	mu.Lock()
	defer mu.Unlock()
	embedderFactories[name] = factory
}

// GetEmbedderFactory looks up a registered factory.
func GetEmbedderFactory(name string) (EmbedderFactory, error) {
	mu.RLock()
	defer mu.RUnlock()
	factory, ok := embedderFactories[name]
	if !ok {
		return nil, fmt.Errorf("embedder not found: %s", name)
	}
	return factory, nil
}

// List returns the registered provider names in sorted order.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(embedderFactories))
	for name := range embedderFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Embedder turns text into vectors.
type Embedder interface {
	// Embed returns the vector of a single text.
	Embed(ctx context.Context, text string) ([]float64, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// APIError is a non-2xx answer from an embedding API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status code %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

func stringOption(config map[string]interface{}, key string) string {
	s, _ := config[key].(string)
	return s
}

func intOption(config map[string]interface{}, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func durationOption(config map[string]interface{}, key string, def time.Duration) time.Duration {
	switch v := config[key].(type) {
	case time.Duration:
		if v > 0 {
			return v
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
