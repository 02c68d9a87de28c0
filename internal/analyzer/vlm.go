package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bdougie/vigil/internal/metrics"
	"github.com/ollama/ollama/api"
)

// VisionModel answers a prompt about one JPEG image
type VisionModel interface {
	Generate(ctx context.Context, prompt string, jpeg []byte) (string, error)
}

// VisionConfig controls the Ollama vision client
type VisionConfig struct {
	Host        string
	Model       string
	Timeout     time.Duration
	NumPredict  int
	Temperature float64
}

// DefaultVisionConfig returns settings tuned for short structured answers
func DefaultVisionConfig() VisionConfig {
	return VisionConfig{
		Host:        "http://localhost:11434",
		Model:       "minicpm-v",
		Timeout:     300 * time.Second,
		NumPredict:  150,
		Temperature: 0.05,
	}
}

// OllamaVision calls /api/generate without streaming
type OllamaVision struct {
	client  *api.Client
	config  VisionConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ VisionModel = (*OllamaVision)(nil)

// NewOllamaVision creates a vision client. Zero fields in config take defaults. m may be nil.
func NewOllamaVision(config VisionConfig, m *metrics.Metrics, logger *slog.Logger) (*OllamaVision, error) {
	defaults := DefaultVisionConfig()
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.NumPredict <= 0 {
		config.NumPredict = defaults.NumPredict
	}

	base, err := url.Parse(config.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", config.Host, err)
	}

	return &OllamaVision{
		client:  api.NewClient(base, http.DefaultClient),
		config:  config,
		metrics: m,
		logger:  logger.With("component", "vlm", "model", config.Model),
	}, nil
}

// Generate sends prompt and image and returns the full response text
func (v *OllamaVision) Generate(ctx context.Context, prompt string, jpeg []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	stream := false
	req := &api.GenerateRequest{
		Model:  v.config.Model,
		Prompt: prompt,
		Images: []api.ImageData{jpeg},
		Stream: &stream,
		Options: map[string]any{
			"num_predict": v.config.NumPredict,
			"temperature": v.config.Temperature,
		},
	}

	start := time.Now()
	var sb strings.Builder
	err := v.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	v.metrics.ObserveVLM(time.Since(start))
	if err != nil {
		return "", fmt.Errorf("vision model request failed: %w", err)
	}

	v.logger.Debug("vision model answered", "took", time.Since(start), "chars", sb.Len())
	return sb.String(), nil
}
