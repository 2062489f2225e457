// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"io"
)

// Upstream role names. The completion API calls the assistant "model".
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one text fragment of an upstream content block.
type Part struct {
	Text string `json:"text"`
}

// Content is one turn of conversation in the upstream request shape.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// StreamOutcome records which model produced an open stream.
type StreamOutcome int

const (
	// OutcomePrimary means the configured primary model answered.
	OutcomePrimary StreamOutcome = iota
	// OutcomeFallback means the primary was rate limited and the
	// fallback model answered on its single attempt.
	OutcomeFallback
)

func (o StreamOutcome) String() string {
	switch o {
	case OutcomePrimary:
		return "primary"
	case OutcomeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// StreamResult is an open upstream event stream.
//
// The caller owns Body and must close it. Closing Body releases the
// upstream connection.
type StreamResult struct {
	Body    io.ReadCloser
	Model   string
	Outcome StreamOutcome
}

// StreamClient opens a streaming completion against the upstream API.
//
// # Description
//
// Implementations own retry, backoff and failover policy. A returned
// error is terminal for the request: transient failures have already
// been retried.
//
// # Outputs
//
//   - *StreamResult: Open stream. Caller must close Body.
//   - error: ErrCanceled, *RateLimitError or *UpstreamError.
type StreamClient interface {
	Send(ctx context.Context, contents []Content) (*StreamResult, error)
}
