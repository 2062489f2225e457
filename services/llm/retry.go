// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig configures the attempt loop of the upstream client.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts against the primary
	// model, including the first.
	MaxAttempts int

	// InitialBackoff is the wait after the first failed attempt when the
	// upstream gives no hint. It doubles for every further attempt.
	InitialBackoff time.Duration

	// MaxJitter bounds the random delay added to every wait.
	MaxJitter time.Duration
}

// DefaultRetryConfig returns three attempts, 1s doubling backoff and up
// to 500ms of jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxJitter:      500 * time.Millisecond,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	return c
}

// RetryState describes one scheduled wait between attempts.
type RetryState struct {
	Attempt int
	Wait    time.Duration
	Status  int
	Source  string
}

// isRetryableStatus reports whether a response status is worth another
// attempt: rate limiting and overload only.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// upstreamErrorBody is the error envelope returned by the completion API.
type upstreamErrorBody struct {
	Error struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Status  string            `json:"status"`
		Details []json.RawMessage `json:"details"`
	} `json:"error"`
}

type retryInfoDetail struct {
	Type       string `json:"@type"`
	RetryDelay string `json:"retryDelay"`
}

// parseErrorBody extracts the human readable message and the RetryInfo
// delay from an upstream error body. Unparseable bodies yield zero values.
func parseErrorBody(body []byte) (message string, retryDelay time.Duration) {
	var env upstreamErrorBody
	if err := json.Unmarshal(body, &env); err != nil {
		return "", 0
	}
	message = env.Error.Message
	for _, raw := range env.Error.Details {
		var d retryInfoDetail
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		if !strings.Contains(d.Type, "RetryInfo") || d.RetryDelay == "" {
			continue
		}
		if dur, err := time.ParseDuration(strings.TrimSpace(d.RetryDelay)); err == nil && dur > 0 {
			retryDelay = dur
			break
		}
	}
	return message, retryDelay
}

// parseRetryAfter reads a Retry-After header expressed in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryHint returns the upstream's recommended wait: the structured
// RetryInfo detail first, then the Retry-After header.
func retryHint(body []byte, h http.Header) (time.Duration, string) {
	if _, d := parseErrorBody(body); d > 0 {
		return d, "retry_info"
	}
	if d := parseRetryAfter(h); d > 0 {
		return d, "retry_after"
	}
	return 0, ""
}

// computeWait picks the wait before the next attempt. attempt is zero
// based: the wait after the first failure uses attempt 0.
func (c RetryConfig) computeWait(attempt int, body []byte, h http.Header) (time.Duration, string) {
	wait, source := retryHint(body, h)
	if wait == 0 {
		wait = c.InitialBackoff << uint(attempt)
		source = "backoff"
	}
	if c.MaxJitter > 0 {
		wait += time.Duration(rand.Int63n(int64(c.MaxJitter)))
	}
	return wait, source
}

// sleepContext waits for d or until ctx ends, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isContextCanceled reports whether err, or the context itself, says the
// caller went away. Deadlines are not cancellation.
func isContextCanceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}
