// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("aleutian.llm.gemini")

const (
	// DefaultGeminiBaseURL is the public generative language endpoint.
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1"

	// DefaultGeminiModel is used when no model is configured.
	DefaultGeminiModel = "gemini-2.5-flash"

	// maxErrorBodyBytes caps how much of a failed response is buffered.
	maxErrorBodyBytes = 64 * 1024
)

// Observer receives attempt level events from the upstream client.
// Metrics implement it; a nil Observer is ignored.
type Observer interface {
	ObserveAttempt(model string, status int)
	ObserveRetry(state RetryState)
	ObserveFallback(model string, ok bool)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, int)  {}
func (nopObserver) ObserveRetry(RetryState)     {}
func (nopObserver) ObserveFallback(string, bool) {}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	Retry         RetryConfig

	// RequestsPerSecond paces outbound attempts process wide. Zero means
	// unlimited.
	RequestsPerSecond float64

	// HTTPClient overrides the transport. It must not set a total
	// Timeout, which would cut long streams short.
	HTTPClient *http.Client

	Observer Observer
}

// GeminiClient streams completions from the generative language API.
//
// # Description
//
// Send issues one streaming POST per attempt. Rate limiting (429) and
// overload (503) are retried with hinted or exponential backoff; a
// sustained 429 triggers one attempt against the fallback model.
//
// # Thread Safety
//
// Safe for concurrent use. Each Send call keeps its retry state on its
// own stack.
type GeminiClient struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	model         string
	fallbackModel string
	retry         RetryConfig
	limiter       *rate.Limiter
	observer      Observer

	// sleep is swapped in tests to observe waits without delaying.
	sleep func(ctx context.Context, d time.Duration) error
}

type generateRequest struct {
	Contents []Content `json:"contents"`
}

// attemptFailure is a retryable response captured for the next decision.
type attemptFailure struct {
	model  string
	status int
	body   []byte
	header http.Header
}

// NewGeminiClient validates cfg and builds a client.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini API key is missing")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultGeminiModel
		slog.Info("Gemini model not set, defaulting", "model", model)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = 60 * time.Second
		httpClient = &http.Client{Transport: transport}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	var observer Observer = nopObserver{}
	if cfg.Observer != nil {
		observer = cfg.Observer
	}

	slog.Info("Initializing Gemini client",
		"base_url", baseURL,
		"model", model,
		"fallback_model", cfg.FallbackModel,
		"api_key", maskKey(cfg.APIKey),
	)

	return &GeminiClient{
		httpClient:    httpClient,
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		model:         model,
		fallbackModel: strings.TrimSpace(cfg.FallbackModel),
		retry:         cfg.Retry.withDefaults(),
		limiter:       limiter,
		observer:      observer,
		sleep:         sleepContext,
	}, nil
}

// Model returns the primary model name.
func (g *GeminiClient) Model() string { return g.model }

// Send opens a streaming completion for contents.
//
// # Description
//
// Attempts the primary model up to MaxAttempts times. Between attempts
// it waits for the RetryInfo delay in the error body, else the
// Retry-After header, else InitialBackoff doubled per attempt, plus
// jitter. When the final primary attempt was rate limited and a distinct
// fallback model is configured, exactly one further attempt is made
// against it.
//
// # Inputs
//
//   - ctx: Bound to the inbound request. Cancellation aborts waits and
//     in-flight reads.
//   - contents: Conversation in upstream shape.
//
// # Outputs
//
//   - *StreamResult: Open event stream. Caller must close Body.
//   - error: ErrCanceled, *RateLimitError or *UpstreamError.
func (g *GeminiClient) Send(ctx context.Context, contents []Content) (*StreamResult, error) {
	ctx, span := tracer.Start(ctx, "GeminiClient.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", g.model),
		attribute.Int("llm.num_contents", len(contents)),
	)

	payload, err := json.Marshal(generateRequest{Contents: contents})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to marshal request to Gemini: %w", err)
	}

	var last *attemptFailure
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		resp, failure, err := g.attempt(ctx, g.model, payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if resp != nil {
			span.SetAttributes(
				attribute.Int("llm.attempts", attempt+1),
				attribute.String("llm.outcome", OutcomePrimary.String()),
			)
			return &StreamResult{Body: resp.Body, Model: g.model, Outcome: OutcomePrimary}, nil
		}

		last = failure
		if attempt == g.retry.MaxAttempts-1 {
			break
		}

		wait, source := g.retry.computeWait(attempt, failure.body, failure.header)
		state := RetryState{Attempt: attempt + 1, Wait: wait, Status: failure.status, Source: source}
		g.observer.ObserveRetry(state)
		slog.Warn("Upstream busy, retrying",
			"model", g.model,
			"status", failure.status,
			"attempt", state.Attempt,
			"wait_ms", wait.Milliseconds(),
			"wait_source", source,
		)

		if err := g.sleep(ctx, wait); err != nil {
			if isContextCanceled(ctx, err) {
				return nil, ErrCanceled
			}
			return nil, &UpstreamError{Status: 0, Model: g.model, Err: err}
		}
	}

	span.SetAttributes(attribute.Int("llm.attempts", g.retry.MaxAttempts))

	if last.status == http.StatusTooManyRequests {
		result, err := g.failover(ctx, payload, last)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.String("llm.outcome", OutcomeFallback.String()))
		return result, nil
	}

	err = &UpstreamError{Status: last.status, Body: string(last.body), Model: g.model}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// failover makes the single fallback attempt after the primary model
// stayed rate limited.
func (g *GeminiClient) failover(ctx context.Context, payload []byte, last *attemptFailure) (*StreamResult, error) {
	message, hint := rateLimitDetails(last)

	if g.fallbackModel == "" || g.fallbackModel == g.model {
		return nil, &RateLimitError{Message: message, RetryAfter: hint}
	}

	slog.Info("Upstream rate limited, trying fallback model",
		"model", g.model,
		"fallback_model", g.fallbackModel,
	)

	resp, failure, err := g.attempt(ctx, g.fallbackModel, payload)
	if err != nil && errors.Is(err, ErrCanceled) {
		return nil, err
	}
	if resp != nil {
		g.observer.ObserveFallback(g.fallbackModel, true)
		slog.Info("Using fallback model", "fallback_model", g.fallbackModel)
		return &StreamResult{Body: resp.Body, Model: g.fallbackModel, Outcome: OutcomeFallback}, nil
	}

	g.observer.ObserveFallback(g.fallbackModel, false)
	if hint == 0 && failure != nil {
		hint, _ = retryHint(failure.body, failure.header)
	}
	slog.Warn("Fallback model failed, reporting rate limit",
		"fallback_model", g.fallbackModel,
		"error", err,
	)
	return nil, &RateLimitError{Message: message, RetryAfter: hint}
}

// attempt performs one POST. Exactly one of the results is meaningful:
// an open response, a retryable failure, or a terminal error.
func (g *GeminiClient) attempt(ctx context.Context, model string, payload []byte) (*http.Response, *attemptFailure, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if isContextCanceled(ctx, err) {
				return nil, nil, ErrCanceled
			}
			return nil, nil, &UpstreamError{Status: 0, Model: model, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.streamURL(model), bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request to Gemini: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if isContextCanceled(ctx, err) {
			return nil, nil, ErrCanceled
		}
		slog.Error("Gemini API call failed", "model", model, "error", err)
		return nil, nil, &UpstreamError{Status: 0, Model: model, Err: err}
	}
	g.observer.ObserveAttempt(model, resp.StatusCode)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if hasBody(resp) {
			return resp, nil, nil
		}
		_ = resp.Body.Close()
		return nil, nil, &UpstreamError{Status: resp.StatusCode, Model: model, Err: errors.New("upstream response has no body")}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	_ = resp.Body.Close()

	if isRetryableStatus(resp.StatusCode) {
		return nil, &attemptFailure{model: model, status: resp.StatusCode, body: body, header: resp.Header}, nil
	}

	slog.Error("Gemini returned an error",
		"model", model,
		"status_code", resp.StatusCode,
		"response", string(body),
	)
	return nil, nil, &UpstreamError{Status: resp.StatusCode, Body: string(body), Model: model}
}

func (g *GeminiClient) streamURL(model string) string {
	return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		g.baseURL, url.PathEscape(model), url.QueryEscape(g.apiKey))
}

func hasBody(resp *http.Response) bool {
	if resp.Body == nil || resp.Body == http.NoBody {
		return false
	}
	return resp.StatusCode != http.StatusNoContent && resp.ContentLength != 0
}

// rateLimitDetails derives the client facing message and retry hint from
// the last rate limited primary response.
func rateLimitDetails(last *attemptFailure) (string, time.Duration) {
	message, hint := parseErrorBody(last.body)
	if hint == 0 {
		hint = parseRetryAfter(last.header)
	}
	switch {
	case message != "":
	case last.header.Get("Retry-After") != "":
		message = last.header.Get("Retry-After")
	case len(bytes.TrimSpace(last.body)) > 0:
		message = string(bytes.TrimSpace(last.body))
	default:
		message = "Rate limit exceeded"
	}
	return message, hint
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return "***" + key[len(key)-4:]
}

// ToContents maps chat roles onto the upstream shape: "assistant"
// becomes "model", everything else is sent as "user".
func ToContents(roles, texts []string) []Content {
	out := make([]Content, 0, len(roles))
	for i := range roles {
		role := RoleUser
		if roles[i] == "assistant" {
			role = RoleModel
		}
		out = append(out, Content{Role: role, Parts: []Part{{Text: texts[i]}}})
	}
	return out
}

var _ StreamClient = (*GeminiClient)(nil)
