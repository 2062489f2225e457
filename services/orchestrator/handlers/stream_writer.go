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
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Response headers of POST /v1/chat.
const (
	HeaderConversationID = "X-Conversation-Id"
	HeaderSessionID      = "X-Session-Id"
)

// DeltaWriter is the outbound half of a relay.
//
// # Description
//
// Start commits the response status and headers and flushes them, so the
// client sees the stream open before the first delta. WriteDelta writes
// one delta verbatim and flushes it.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type DeltaWriter interface {
	Start(conversationID, sessionID string) error
	WriteDelta(delta string) error
	Started() bool
}

// textStreamWriter streams deltas as a chunked text/plain body.
type textStreamWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	started bool
	mu      sync.Mutex
}

// NewTextStreamWriter wraps w. It fails when w cannot flush, since deltas
// would otherwise sit in the server's buffer.
func NewTextStreamWriter(w http.ResponseWriter) (DeltaWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &textStreamWriter{writer: w, flusher: flusher}, nil
}

func (w *textStreamWriter) Start(conversationID, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}
	SetTextStreamHeaders(w.writer)
	if conversationID != "" {
		w.writer.Header().Set(HeaderConversationID, conversationID)
	}
	if sessionID != "" {
		w.writer.Header().Set(HeaderSessionID, sessionID)
	}
	w.writer.WriteHeader(http.StatusOK)
	w.flusher.Flush()
	w.started = true
	return nil
}

func (w *textStreamWriter) WriteDelta(delta string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return fmt.Errorf("write before start")
	}
	if _, err := io.WriteString(w.writer, delta); err != nil {
		return fmt.Errorf("write delta: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *textStreamWriter) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// SetTextStreamHeaders sets the headers of a progressively delivered
// plain text body.
func SetTextStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ DeltaWriter = (*textStreamWriter)(nil)
