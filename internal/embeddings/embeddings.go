package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/patrickmn/go-cache"
)

// Embedder turns one string into one vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model is stored next to every vector so a model change is detectable
	Model() string
}

// Config controls the Ollama embedder
type Config struct {
	Host     string
	Model    string
	CacheTTL time.Duration
	Timeout  time.Duration
}

// DefaultConfig returns sensible defaults for a local Ollama
func DefaultConfig() Config {
	return Config{
		Host:     "http://localhost:11434",
		Model:    "nomic-embed-text",
		CacheTTL: 30 * time.Minute,
		Timeout:  60 * time.Second,
	}
}

// OllamaEmbedder calls the Ollama embeddings endpoint one string at a time.
// Identical text is embedded once per process.
type OllamaEmbedder struct {
	client *api.Client
	model  string
	cache  *cache.Cache
	logger *slog.Logger
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an embedder for config.Host
func NewOllamaEmbedder(config Config, logger *slog.Logger) (*OllamaEmbedder, error) {
	defaults := DefaultConfig()
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}

	base, err := url.Parse(config.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", config.Host, err)
	}

	return &OllamaEmbedder{
		client: api.NewClient(base, &http.Client{Timeout: config.Timeout}),
		model:  config.Model,
		cache:  cache.New(config.CacheTTL, config.CacheTTL*2),
		logger: logger.With("component", "embeddings"),
	}, nil
}

// Model returns the embedding model name
func (e *OllamaEmbedder) Model() string {
	return e.model
}

// Embed returns the vector for text, from cache when the same text was seen before
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("cannot embed empty text")
	}

	if cached, ok := e.cache.Get(text); ok {
		if vec, valid := cached.([]float32); valid {
			return vec, nil
		}
	}

	start := time.Now()
	resp, err := e.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("model %s returned an empty embedding", e.model)
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}

	e.cache.Set(text, vec, cache.DefaultExpiration)
	e.logger.Debug("embedded text", "chars", len(text), "dim", len(vec), "took", time.Since(start))
	return vec, nil
}
