package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

func init() {
	RegisterEmbedder("openai", NewOpenAIEmbedder)
	RegisterEmbedder("azure", NewAzureEmbedder)
}

const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultModelName       = "text-embedding-3-small"
	defaultAzureAPIVersion = "2024-02-01"
	defaultMaxRetries      = 3
	defaultRetryBase       = 200 * time.Millisecond
	maxRetryDelay          = 5 * time.Second
)

// OpenAIEmbedder calls the embeddings API through openai-go, either on
// OpenAI itself or on an Azure OpenAI deployment. Retries are done here so
// that Retry-After and the requests-per-minute limiter share one loop.
type OpenAIEmbedder struct {
	client     openai.Client
	httpClient *http.Client
	model      string
	maxRetries int
	retryBase  time.Duration
	limiter    *rate.Limiter
}

// NewOpenAIEmbedder accepts:
//   - api_key (required)
//   - model (default text-embedding-3-small)
//   - base_url (default https://api.openai.com/v1)
//   - timeout, max_retries, retry_base, requests_per_minute, http_client
func NewOpenAIEmbedder(config map[string]interface{}) (Embedder, error) {
	apiKey := stringOption(config, "api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI embedder")
	}
	baseURL := stringOption(config, "base_url")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := stringOption(config, "model")
	if model == "" {
		model = defaultModelName
	}

	return newOpenAIEmbedder(config, model,
		option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"),
		option.WithAPIKey(apiKey),
	), nil
}

// NewAzureEmbedder accepts:
//   - api_key, endpoint, deployment (required)
//   - api_version (default 2024-02-01)
//   - timeout, max_retries, retry_base, requests_per_minute, http_client
func NewAzureEmbedder(config map[string]interface{}) (Embedder, error) {
	apiKey := stringOption(config, "api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for Azure OpenAI embedder")
	}
	endpoint := stringOption(config, "endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required for Azure OpenAI embedder")
	}
	deployment := stringOption(config, "deployment")
	if deployment == "" {
		return nil, fmt.Errorf("embedding deployment is required for Azure OpenAI embedder")
	}
	version := stringOption(config, "api_version")
	if version == "" {
		version = defaultAzureAPIVersion
	}

	// Azure routes by deployment; the SDK moves the model name into the path.
	return newOpenAIEmbedder(config, deployment,
		azure.WithEndpoint(strings.TrimRight(endpoint, "/"), version),
		azure.WithAPIKey(apiKey),
	), nil
}

func newOpenAIEmbedder(config map[string]interface{}, model string, opts ...option.RequestOption) *OpenAIEmbedder {
	httpClient := &http.Client{}
	if shared, ok := config["http_client"].(*http.Client); ok && shared != nil {
		copied := *shared
		httpClient = &copied
	}
	httpClient.Timeout = durationOption(config, "timeout", 30*time.Second)

	opts = append(opts,
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	e := &OpenAIEmbedder{
		client:     openai.NewClient(opts...),
		httpClient: httpClient,
		model:      model,
		maxRetries: intOption(config, "max_retries", defaultMaxRetries),
		retryBase:  durationOption(config, "retry_base", defaultRetryBase),
	}
	if rpm := intOption(config, "requests_per_minute", 0); rpm > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), 1)
	}
	return e
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch sends all texts in one request and returns the vectors in
// input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	}

	var lastErr error
	attempts := e.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := e.client.Embeddings.New(ctx, params)
		if err == nil {
			return sortedVectors(resp.Data, len(texts))
		}
		retryAfter, err := asAPIError(err)
		lastErr = err
		if !retryable(err) || attempt == attempts-1 {
			break
		}
		delay := retryAfter
		if delay <= 0 {
			delay = e.retryDelay(attempt)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// asAPIError turns an SDK status error into an *APIError carrying the
// response body, and reports the server's Retry-After.
func asAPIError(err error) (time.Duration, error) {
	var sdkErr *openai.Error
	if !errors.As(err, &sdkErr) {
		return 0, fmt.Errorf("error sending request: %w", err)
	}
	body := sdkErr.Message
	var retryAfter time.Duration
	if resp := sdkErr.Response; resp != nil {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		if resp.Body != nil {
			if data, rerr := io.ReadAll(resp.Body); rerr == nil && len(data) > 0 {
				body = string(data)
			}
		}
	}
	return retryAfter, &APIError{StatusCode: sdkErr.StatusCode, Body: strings.TrimSpace(body)}
}

// sortedVectors places each embedding at its index. Every index in
// [0, want) must appear exactly once.
func sortedVectors(data []openai.Embedding, want int) ([][]float64, error) {
	if len(data) != want {
		return nil, fmt.Errorf("expected %d embeddings, got %d", want, len(data))
	}
	vectors := make([][]float64, want)
	for _, d := range data {
		if d.Index < 0 || d.Index >= int64(want) {
			return nil, fmt.Errorf("embedding index %d out of range [0, %d)", d.Index, want)
		}
		if vectors[d.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (e *OpenAIEmbedder) retryDelay(attempt int) time.Duration {
	d := e.retryBase << uint(attempt)
	if d > maxRetryDelay || d <= 0 {
		d = maxRetryDelay
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		if d > maxRetryDelay {
			d = maxRetryDelay
		}
		return d
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
