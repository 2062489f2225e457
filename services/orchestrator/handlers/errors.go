// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

// StatusClientClosedRequest is the non-standard status recorded when the
// client went away before a response could be produced.
const StatusClientClosedRequest = 499

// ErrInvalidRequest marks request bodies that failed decoding or
// validation.
var ErrInvalidRequest = errors.New("invalid request")

// clientError is what a failed request is reduced to before anything is
// written to the client.
type clientError struct {
	Status     int
	Code       observability.ErrorCode
	Message    string
	RetryAfter int
}

// classifyError maps an error from any stage of a completion onto its
// client-facing status and sanitized body.
//
// # Description
//
// Only the category and a fixed message leave the process. Upstream
// bodies, SQL errors and token details are logged by the caller and
// never echoed. Cancellation is checked first so that a client abort
// during a retry wait is never reported as an upstream failure.
func classifyError(err error) clientError {
	var (
		rateLimited *llm.RateLimitError
		upstream    *llm.UpstreamError
	)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClientGone):
		return clientError{Status: StatusClientClosedRequest, Code: observability.ErrorCodeAborted, Message: "Request aborted"}
	case errors.Is(err, ErrInvalidRequest):
		return clientError{Status: http.StatusBadRequest, Code: observability.ErrorCodeValidation, Message: "Invalid request body"}
	case errors.Is(err, extensions.ErrUnauthorized):
		return clientError{Status: http.StatusUnauthorized, Code: observability.ErrorCodeUnauthorized, Message: "Unauthorized"}
	case errors.Is(err, store.ErrNotFound):
		return clientError{Status: http.StatusNotFound, Code: observability.ErrorCodeNotFound, Message: "Conversation not found"}
	case errors.As(err, &rateLimited):
		return clientError{
			Status:     http.StatusTooManyRequests,
			Code:       observability.ErrorCodeRateLimited,
			Message:    "Upstream rate limit: " + rateLimited.Message,
			RetryAfter: int(math.Ceil(rateLimited.RetryAfter.Seconds())),
		}
	case errors.As(err, &upstream):
		msg := fmt.Sprintf("Upstream error: %d", upstream.Status)
		if upstream.Status == 0 {
			msg = "Upstream error: unreachable"
		}
		return clientError{Status: http.StatusBadGateway, Code: observability.ErrorCodeUpstream, Message: msg}
	case errors.Is(err, ErrUpstreamRead):
		return clientError{Status: http.StatusBadGateway, Code: observability.ErrorCodeUpstreamRead, Message: "Upstream stream interrupted"}
	case errors.Is(err, ErrAnswerTooLarge):
		return clientError{Status: http.StatusBadGateway, Code: observability.ErrorCodeAnswerTooLong, Message: "Upstream answer too large"}
	default:
		return clientError{Status: http.StatusInternalServerError, Code: observability.ErrorCodeInternal, Message: sanitizeErrorForClient(err.Error())}
	}
}

// writeError sends the classified error as a plain text body. Nothing is
// written for aborted requests, since nobody is listening.
func writeError(c *gin.Context, ce clientError) {
	if ce.Status == StatusClientClosedRequest {
		c.Status(ce.Status)
		c.Abort()
		return
	}
	if ce.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(ce.RetryAfter))
	}
	c.Header("Cache-Control", "no-cache")
	c.String(ce.Status, ce.Message)
	c.Abort()
}

// sanitizeErrorForClient removes internal details from error messages.
//
// # Description
//
// Internal error details (stack traces, file paths, connection strings)
// must not be exposed to clients. The full text is logged at debug level
// and a generic message is returned.
func sanitizeErrorForClient(errMsg string) string {
	slog.Debug("Sanitizing error for client", "original_error", errMsg)
	return "Internal error"
}
