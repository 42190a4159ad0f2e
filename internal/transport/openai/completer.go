// Package openai adapts the OpenAI-compatible chat completion API to the
// relay's provider boundary.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain"
	"github.com/copychief/relay/internal/metrics"
	"github.com/copychief/relay/internal/relay"
)

// Completer is a streaming chat completion provider using the OpenAI-compatible
// API.
type Completer struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

// Config holds the completion provider settings.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Logger    *zap.Logger
}

// NewCompleter creates an OpenAI-compatible completion provider.
func NewCompleter(cfg *Config) *Completer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Completer{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

// Stream implements relay.Provider. Usage reporting is requested on the stream
// so the final frame carries exact token counts.
func (c *Completer) Stream(ctx context.Context, messages []relay.Message) (relay.Stream, error) {
	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	start := time.Now()

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		metrics.ProviderRequestDuration.WithLabelValues(c.model, "error").Observe(time.Since(start).Seconds())
		return nil, parseAPIError(err)
	}

	return &completionStream{
		inner: stream,
		model: c.model,
		start: start,
	}, nil
}

// HealthCheck verifies API availability via ListModels (free endpoint).
func (c *Completer) HealthCheck(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// completionStream adapts the SDK stream and records the exchange duration on
// its terminal frame.
type completionStream struct {
	inner *openai.ChatCompletionStream
	model string
	start time.Time
	done  bool
}

func (s *completionStream) Recv() (relay.Chunk, error) {
	resp, err := s.inner.Recv()
	if err == io.EOF {
		s.observe("success")
		return relay.Chunk{}, io.EOF
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.observe("cancelled")
			return relay.Chunk{}, err
		}
		s.observe("error")
		return relay.Chunk{}, parseAPIError(err)
	}

	chunk := relay.Chunk{}
	if resp.Usage != nil {
		chunk.Usage = &relay.TokenUsage{
			PromptTokens:     int64(resp.Usage.PromptTokens),
			CompletionTokens: int64(resp.Usage.CompletionTokens),
		}
	}
	if len(resp.Choices) > 0 {
		chunk.Content = resp.Choices[0].Delta.Content
	}
	return chunk, nil
}

func (s *completionStream) Close() error {
	return s.inner.Close()
}

func (s *completionStream) observe(status string) {
	if s.done {
		return
	}
	s.done = true
	metrics.ProviderRequestDuration.WithLabelValues(s.model, status).Observe(time.Since(s.start).Seconds())
}

// parseAPIError extracts a human-readable error from the API response.
// All errors are wrapped with domain.ErrProvider for correct 502 mapping.
func parseAPIError(err error) error {
	wrap := domain.ErrProvider

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail != "" {
			return fmt.Errorf("completion API error %d: %s: %w",
				reqErr.HTTPStatusCode, detail, wrap)
		}
		return fmt.Errorf("completion API error %d: %s: %w",
			reqErr.HTTPStatusCode, string(reqErr.Body), wrap)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("completion API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, wrap)
	}

	return fmt.Errorf("completion request failed: %v: %w", err, wrap)
}

// extractDetail extracts the "detail" field from a JSON error body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
