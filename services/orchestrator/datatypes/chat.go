// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the chat service.
//
// This file contains the request and response types of the completion
// endpoints. Persisted shapes live in conversation.go.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100

	// MaxIdentifierLength bounds client supplied session and conversation ids.
	MaxIdentifierLength = 128
)

// Message roles accepted from clients.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count, against
// MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Request Types
// =============================================================================

// Message is one turn of a conversation as exchanged with clients.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"maxbytes"`
}

// CompletionRequest is the body of POST /v1/chat.
//
// # Description
//
// Carries the full message history the client wants answered. The
// optional SessionID ties the request to a client session (the in-memory
// history and, when no ConversationID is given, the durable conversation).
// ConversationID addresses an existing conversation directly.
//
// # Validation
//
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Role: "user" or "assistant"
//   - Messages[].Content: max 32768 bytes
//   - SessionID, ConversationID: optional, max 128 characters
//
// # Limitations
//
//   - History beyond 100 messages must be truncated by the client.
type CompletionRequest struct {
	Messages       []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	SessionID      string    `json:"sessionId,omitempty" validate:"omitempty,max=128"`
	ConversationID string    `json:"conversationId,omitempty" validate:"omitempty,max=128"`
}

// Validate validates the CompletionRequest fields.
func (r *CompletionRequest) Validate() error {
	return chatValidate.Struct(r)
}

// LastUserMessage returns the most recent user message with non-blank
// content.
func (r *CompletionRequest) LastUserMessage() (Message, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return m, true
		}
	}
	return Message{}, false
}

// HistoryForSession returns the messages worth caching for the session:
// everything except assistant turns with no content.
func (r *CompletionRequest) HistoryForSession() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == RoleAssistant && strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// =============================================================================
// Response Types
// =============================================================================

// SessionHistoryResponse is the body of GET /v1/chat.
type SessionHistoryResponse struct {
	Messages []Message `json:"messages"`
}

// ErrorResponse is the JSON error body of non-streaming endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}
