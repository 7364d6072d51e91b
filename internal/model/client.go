// Package model is the engine's only path to the text and vision providers.
// It speaks OpenAI-compatible chat completions, retries transients with
// exponential backoff and jitter, honors an optional rate limiter without
// local retry, and accounts token usage for the admin metrics.
package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"uirunner/internal/config"
	"uirunner/internal/events"
	"uirunner/internal/logging"
	"uirunner/internal/resilience"
	"uirunner/internal/tokens"
	"uirunner/internal/types"
)

// Caller is the interface the analyzer, planner, and consent machine use.
type Caller interface {
	// Call sends a text prompt. Structured tasks get response_format
	// json_object; the reply is the raw content string.
	Call(ctx context.Context, prompt, system string, task tokens.CallType) (string, error)
	// CallWithVision sends a PNG screenshot alongside the prompt.
	CallWithVision(ctx context.Context, png []byte, prompt, system string) (string, error)
}

// RateLimiter is consulted before each call. A rejection is surfaced as
// ErrRateLimited and never retried locally.
type RateLimiter interface {
	Allow(model, userID string, tier types.UserTier, estimatedTokens int) error
}

// ErrRateLimited marks a rate limiter rejection.
var ErrRateLimited = errors.New("rate limited")

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the envelope may retry this status.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable:
		return true
	}
	return false
}

// IsRateLimited reports whether err stems from provider throttling (HTTP
// 429) or a local rate limiter rejection. Callers holding an AI budget use
// this to record the hit.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// structuredTasks get response_format json_object on the wire.
var structuredTasks = map[tokens.CallType]bool{
	tokens.CallPlanning:      true,
	tokens.CallAction:        true,
	tokens.CallCookieBanner:  true,
	tokens.CallHealing:       true,
	tokens.CallErrorAnalysis: true,
	tokens.CallSynthesis:     true,
	tokens.CallTestability:   true,
}

// Options wires the optional collaborators.
type Options struct {
	RateLimiter RateLimiter
	Core        *resilience.Core // breakers; nil disables fast-fail
	Sink        events.Sink
	UserID      string
	Tier        types.UserTier

	// RetryInitial overrides the 1s envelope base, for tests.
	RetryInitial time.Duration
}

// Client talks to the providers. One client per engine; metrics are shared.
type Client struct {
	cfg     config.LLMConfig
	opts    Options
	httpc   *http.Client
	metrics Metrics

	maxAttempts int
}

// NewClient builds a client from the LLM config.
func NewClient(cfg config.LLMConfig, opts Options) *Client {
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Second
	}
	return &Client{
		cfg:         cfg,
		opts:        opts,
		httpc:       &http.Client{Timeout: cfg.Timeout},
		maxAttempts: 3,
	}
}

// Metrics returns the admin accounting snapshot.
func (c *Client) Metrics() MetricsSnapshot { return c.metrics.Snapshot() }

// ModeTuner is implemented by callers whose text model and temperature can
// be swapped per run mode.
type ModeTuner interface {
	ForMode(model string, temperature float64) Caller
}

// ForMode returns a caller that sends the given model name and temperature,
// sharing this client's transport, breakers, rate limiter, and sink. Zero
// values keep the configured defaults; the vision model is unchanged.
func (c *Client) ForMode(modelName string, temperature float64) Caller {
	if (modelName == "" || modelName == c.cfg.Model) &&
		(temperature == 0 || temperature == c.cfg.Temperature) {
		return c
	}
	clone := &Client{
		cfg:         c.cfg,
		opts:        c.opts,
		httpc:       c.httpc,
		maxAttempts: c.maxAttempts,
	}
	if modelName != "" {
		clone.cfg.Model = modelName
	}
	if temperature != 0 {
		clone.cfg.Temperature = temperature
	}
	return clone
}

// Call implements Caller.
func (c *Client) Call(ctx context.Context, prompt, system string, task tokens.CallType) (string, error) {
	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if structuredTasks[task] {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return c.dispatch(ctx, resilience.ServiceTextModel, c.cfg.APIURL, c.cfg.Model, req, prompt)
}

// CallWithVision implements Caller.
func (c *Client) CallWithVision(ctx context.Context, png []byte, prompt, system string) (string, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	req := chatRequest{
		Model: c.cfg.VisionModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL, Detail: "high"}},
			}},
		},
		Temperature:    c.cfg.Temperature,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	return c.dispatch(ctx, resilience.ServiceVisionModel, c.cfg.VisionURL(), c.cfg.VisionModel, req, prompt)
}

// dispatch runs the rate limit gate, then the retry envelope inside the
// service breaker. The breaker counts one failure per exhausted envelope.
func (c *Client) dispatch(ctx context.Context, service, baseURL, modelName string, req chatRequest, prompt string) (string, error) {
	log := logging.Get(logging.CategoryModel)

	if c.opts.RateLimiter != nil {
		est := tokens.EstimateTokens(prompt)
		if err := c.opts.RateLimiter.Allow(modelName, c.opts.UserID, c.opts.Tier, est); err != nil {
			if c.opts.Sink != nil {
				c.opts.Sink.Emit(events.New("", 0, "RATE_LIMITED",
					"model call rejected by rate limiter",
					map[string]any{"model": modelName, "estimated_tokens": est}))
			}
			return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	call := func() (string, error) { return c.callWithRetry(ctx, baseURL, req) }

	if c.opts.Core != nil {
		br := c.opts.Core.Breaker(service)
		out, err := br.Execute(func() (any, error) { return call() })
		if err != nil {
			return "", err
		}
		return out.(string), nil
	}

	out, err := call()
	if err != nil {
		log.Warnw("model call failed", "model", modelName, "err", err)
	}
	return out, err
}

// callWithRetry is the per-call envelope: up to 3 attempts, exponential
// backoff 1s/2s with ±10% jitter, retrying 429/5xx/network errors only.
func (c *Client) callWithRetry(ctx context.Context, baseURL string, req chatRequest) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.RetryInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxInterval = 4 * c.opts.RetryInitial

	var result string
	op := func() error {
		out, err := c.doOnce(ctx, baseURL, req)
		if err == nil {
			result = out
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(&resilience.PermanentError{Err: err})
		}
		return err
	}

	err := backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx))
	if err != nil {
		c.metrics.recordFailure()
		return "", err
	}
	return result, nil
}

// doOnce performs one HTTP exchange.
func (c *Client) doOnce(ctx context.Context, baseURL string, req chatRequest) (string, error) {
	log := logging.Get(logging.CategoryModel)

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.OrgID != "" {
		httpReq.Header.Set("OpenAI-Organization", c.cfg.OrgID)
	}

	if logging.DebugLLM() {
		log.Debugw("model request", "model", req.Model, "body_bytes", len(body))
	}

	start := time.Now()
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("no completion returned")
	}

	c.metrics.recordSuccess(parsed.Usage)
	if parsed.Usage != nil {
		log.Infow("token usage",
			"model", req.Model,
			"prompt_tokens", parsed.Usage.PromptTokens,
			"completion_tokens", parsed.Usage.CompletionTokens,
			"elapsed", time.Since(start))
	}
	if logging.DebugLLM() {
		log.Debugw("model response", "content", parsed.Choices[0].Message.Content)
	}
	return parsed.Choices[0].Message.Content, nil
}
