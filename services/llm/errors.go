// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCanceled is returned when the caller's context ends while a request
// is in flight or while waiting between attempts. It wraps
// context.Canceled so both errors.Is checks succeed.
var ErrCanceled = fmt.Errorf("upstream request canceled: %w", context.Canceled)

// UpstreamError is a terminal non-success response from the upstream API.
// Status is 0 when no response was received at all.
type UpstreamError struct {
	Status int
	Body   string
	Model  string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream request to %s failed: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("upstream %s returned status %d", e.Model, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RateLimitError is returned once retries and the fallback model have
// both been exhausted on rate limiting.
type RateLimitError struct {
	// Message is the upstream's human readable explanation.
	Message string
	// RetryAfter is the recommended wait, zero when none was derivable.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return "upstream rate limited: " + e.Message
}

// IsCanceled reports whether err came from caller cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
