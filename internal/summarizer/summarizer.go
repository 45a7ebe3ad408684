// Package summarizer turns logged events into prose with an
// OpenAI-compatible chat completions backend.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dj-oyu/home-monitor/internal/circuitbreaker"
	"github.com/dj-oyu/home-monitor/internal/logger"
	"github.com/dj-oyu/home-monitor/internal/metrics"
	"github.com/dj-oyu/home-monitor/internal/monitor"
)

const breakerKey = "chat-completions"

var (
	// ErrNoAPIKey is returned when no credential was configured.
	ErrNoAPIKey = errors.New("summarizer: no API key configured")
	// ErrEmptyResponse is returned when the backend answers with no choices.
	ErrEmptyResponse = errors.New("summarizer: response has no choices")
	// ErrDecode is returned when the backend body is not a valid completion.
	ErrDecode = errors.New("summarizer: undecodable response")
)

// Fixed user-facing messages.
const (
	MsgUnexpectedFormat = "Error: Unexpected API response format."
	MsgDecodeFailure    = "Error: Unable to decode API response."
)

// Config configures a Summarizer.
type Config struct {
	APIKey     string
	BaseURL    string // empty uses the OpenAI default
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    *circuitbreaker.CircuitBreaker
	Metrics    *metrics.Metrics
}

// Summarizer calls the chat completions backend. It is safe for concurrent use.
type Summarizer struct {
	client    *openai.Client
	hasKey    bool
	model     string
	maxTokens int
	timeout   time.Duration
	breaker   *circuitbreaker.CircuitBreaker
	metrics   *metrics.Metrics
}

// New creates a Summarizer. A missing API key is not an error; every call
// then fails with ErrNoAPIKey.
func New(cfg Config) *Summarizer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT3Dot5Turbo
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.APIKey == "" {
		logger.Warn("Summarizer", "No API key configured, summaries will report an error")
	}
	return &Summarizer{
		client:    openai.NewClientWithConfig(clientCfg),
		hasKey:    cfg.APIKey != "",
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		breaker:   cfg.Breaker,
		metrics:   cfg.Metrics,
	}
}

// BuildPrompt renders the events prompt, one "<ts>: a, b" line per event.
func BuildPrompt(events []monitor.Event, start, end string) string {
	lines := make([]string, 0, len(events))
	for _, e := range events {
		lines = append(lines, e.String())
	}
	return fmt.Sprintf("Summarize the following events detected between %s and %s:\n\n%s\n\n"+
		"Provide a natural language summary of what happened during this time period.",
		start, end, strings.Join(lines, "\n"))
}

// Summarize describes events between start and end. It never fails: backend
// problems are reported as fixed messages, and an empty event list is
// answered without calling the backend.
func (s *Summarizer) Summarize(ctx context.Context, events []monitor.Event, start, end string) string {
	if len(events) == 0 {
		s.metrics.SummaryCompleted(metrics.OutcomeEmpty, 0)
		return fmt.Sprintf("No events detected between %s and %s.", start, end)
	}

	text, err := s.Complete(ctx, BuildPrompt(events, start, end))
	switch {
	case err == nil:
		return text
	case errors.Is(err, ErrEmptyResponse):
		return MsgUnexpectedFormat
	case errors.Is(err, ErrDecode):
		return MsgDecodeFailure
	default:
		return fmt.Sprintf("Error generating summary for events between %s and %s.", start, end)
	}
}

// Complete sends prompt as a single user message and returns the trimmed reply.
func (s *Summarizer) Complete(ctx context.Context, prompt string) (string, error) {
	if !s.hasKey {
		s.metrics.SummaryCompleted(metrics.OutcomeError, 0)
		return "", ErrNoAPIKey
	}
	if err := s.breaker.Allow(breakerKey); err != nil {
		s.metrics.SummaryCompleted(metrics.OutcomeCircuitOpen, 0)
		logger.Warn("Summarizer", "Skipping backend call: %v", err)
		return "", fmt.Errorf("summarizer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: s.maxTokens,
	})
	elapsed := time.Since(started)

	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		s.metrics.SummaryCompleted(metrics.OutcomeError, elapsed)
		err = classify(err)
		logger.Error("Summarizer", "Backend call failed after %s: %v", elapsed.Round(time.Millisecond), err)
		return "", err
	}
	s.breaker.RecordSuccess(breakerKey)

	if len(resp.Choices) == 0 {
		s.metrics.SummaryCompleted(metrics.OutcomeError, elapsed)
		logger.Warn("Summarizer", "Unexpected API response: no choices (id=%q)", resp.ID)
		return "", ErrEmptyResponse
	}
	s.metrics.SummaryCompleted(metrics.OutcomeSuccess, elapsed)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classify separates undecodable 2xx bodies from transport and HTTP failures.
func classify(err error) error {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) || errors.As(err, &reqErr) {
		return fmt.Errorf("summarizer: request failed: %w", err)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return fmt.Errorf("summarizer: request failed: %w", err)
}
