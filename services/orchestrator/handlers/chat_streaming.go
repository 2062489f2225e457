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
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
)

// persistTimeout bounds the trailing write of the assistant answer.
const persistTimeout = 10 * time.Second

// =============================================================================
// Handler
// =============================================================================

// CompletionHandler serves POST /v1/chat.
//
// # Description
//
// One request moves through these stages, in order:
//
//	Validating -> Authenticating -> ResolvingConversation ->
//	PersistingUserMessage -> StreamingUpstream -> PersistingAssistantMessage -> Done
//
// Any stage before StreamingUpstream can fail with a plain error status.
// Once the stream has opened the status is committed; a client
// disconnect (Aborted) or an upstream read failure (Failed) ends the
// response and nothing further is persisted.
//
// # Thread Safety
//
// Safe for concurrent use. The only shared mutable state is the session
// store and the metrics, both synchronized.
type CompletionHandler struct {
	client        llm.StreamClient
	conversations store.ConversationStore
	sessions      *ttl.SessionStore
	relay         *StreamRelay
	metrics       *observability.Metrics
	audit         extensions.AuditLogger
	tracer        trace.Tracer
	now           func() time.Time

	// pending tracks post-completion tasks still running.
	pending sync.WaitGroup
}

// NewCompletionHandler wires a CompletionHandler.
//
// # Inputs
//
//   - client: Upstream streaming client. Must not be nil.
//   - conversations: Durable conversation store. Must not be nil.
//   - sessions: Process-local session cache. Must not be nil.
//   - relay: Delta relay. Nil uses plain memory accumulation.
//   - metrics: May be nil to disable metrics.
//   - opts: Extension points. Only AuditLogger is used here.
//
// # Limitations
//
//   - Panics on nil client, conversations or sessions.
func NewCompletionHandler(
	client llm.StreamClient,
	conversations store.ConversationStore,
	sessions *ttl.SessionStore,
	relay *StreamRelay,
	metrics *observability.Metrics,
	opts extensions.ServiceOptions,
) *CompletionHandler {
	if client == nil {
		panic("NewCompletionHandler: client must not be nil")
	}
	if conversations == nil {
		panic("NewCompletionHandler: conversations must not be nil")
	}
	if sessions == nil {
		panic("NewCompletionHandler: sessions must not be nil")
	}
	if relay == nil {
		relay = NewStreamRelay(nil)
	}
	audit := opts.AuditLogger
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &CompletionHandler{
		client:        client,
		conversations: conversations,
		sessions:      sessions,
		relay:         relay,
		metrics:       metrics,
		audit:         audit,
		tracer:        otel.Tracer("aleutian.orchestrator.handlers.completion"),
		now:           time.Now,
	}
}

// Wait blocks until every post-completion task has finished. Called on
// shutdown after the HTTP server stopped accepting requests.
func (h *CompletionHandler) Wait() {
	h.pending.Wait()
}

// HandleCompletionStream processes POST /v1/chat.
//
// # Description
//
// Request Body (datatypes.CompletionRequest):
//   - messages: Required. 1-100 messages with role user|assistant.
//   - sessionId: Optional. Client session key.
//   - conversationId: Optional. Existing conversation owned by the caller.
//
// # Outputs
//
// On success the body is the concatenation of the answer's deltas as
// text/plain, flushed per delta, with X-Conversation-Id and X-Session-Id
// headers sent before the first delta.
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Invalid body
//   - 401 Unauthorized: No resolvable identity
//   - 404 Not Found: conversationId unknown or not owned by the caller
//   - 429 Too Many Requests: Upstream rate limit, with Retry-After
//   - 499: Client went away before the stream opened
//   - 502 Bad Gateway: Upstream returned a terminal error
//   - 500 Internal Server Error: Anything else
//
// # Limitations
//
//   - The user message is persisted before the upstream call, so a client
//     retry of the same request stores it twice.
func (h *CompletionHandler) HandleCompletionStream(c *gin.Context) {
	startTime := h.now()
	endpoint := observability.EndpointCompletion

	ctx, span := h.tracer.Start(c.Request.Context(), "CompletionHandler.HandleCompletionStream")
	defer span.End()

	requestID := c.GetHeader("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := slog.With("requestId", requestID)
	span.SetAttributes(attribute.String("request.id", requestID))

	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)

	success := false
	defer func() {
		h.metrics.RecordRequest(endpoint, success)
		h.metrics.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
	}()

	// Validating
	req, err := bindCompletionRequest(c)
	if err != nil {
		h.fail(c, span, logger, "validate", err)
		return
	}
	span.SetAttributes(attribute.Int("request.message_count", len(req.Messages)))

	// Authenticating
	authInfo, err := requireIdentity(c)
	if err != nil {
		h.fail(c, span, logger, "authenticate", err)
		return
	}
	userID := authInfo.UserID
	span.SetAttributes(attribute.String("user.id", userID))
	logger = logger.With("userId", userID)

	// ResolvingConversation
	conv, sid, err := h.resolveConversation(ctx, userID, req)
	if err != nil {
		h.fail(c, span, logger, "resolve_conversation", err)
		return
	}
	span.SetAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("session.id", sid),
	)
	logger = logger.With("conversationId", conv.ID, "sessionId", sid)

	// PersistingUserMessage
	if err := h.persistUserMessage(ctx, userID, conv, sid, req); err != nil {
		h.fail(c, span, logger, "persist_user_message", err)
		return
	}

	// StreamingUpstream
	result, err := h.client.Send(ctx, toContents(req.Messages))
	if err != nil {
		h.fail(c, span, logger, "upstream", err)
		return
	}
	defer result.Body.Close()
	span.SetAttributes(
		attribute.String("upstream.model", result.Model),
		attribute.String("upstream.outcome", result.Outcome.String()),
	)
	if result.Outcome == llm.OutcomeFallback {
		logger.Warn("Serving completion from fallback model", "model", result.Model)
	}

	writer, err := NewTextStreamWriter(c.Writer)
	if err != nil {
		h.fail(c, span, logger, "stream_setup", err)
		return
	}
	if err := writer.Start(conv.ID, sid); err != nil {
		h.fail(c, span, logger, "stream_setup", err)
		return
	}

	relayed, err := h.relay.Relay(ctx, llm.NewDeltaReader(result.Body), writer)
	if err != nil {
		h.streamFailed(ctx, span, logger, userID, conv.ID, result.Model, err)
		return
	}

	success = true
	h.metrics.RecordDeltas(result.Model, relayed.Deltas)
	if relayed.Deltas > 0 {
		h.metrics.RecordTimeToFirstDelta(result.Model, relayed.FirstDelta.Seconds())
	}
	span.SetAttributes(
		attribute.Int("response.deltas", relayed.Deltas),
		attribute.String("response.hash", relayed.Hash),
	)
	span.SetStatus(codes.Ok, "")
	logger.Info("Completion streamed",
		"model", result.Model,
		"outcome", result.Outcome.String(),
		"deltas", relayed.Deltas,
		"bytes", len(relayed.Text),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	_ = h.audit.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.completion",
		UserID:       userID,
		Action:       "send",
		ResourceType: "conversation",
		ResourceID:   conv.ID,
		Outcome:      "success",
		Metadata: map[string]any{
			"request_id":  requestID,
			"model":       result.Model,
			"answer_hash": relayed.Hash,
		},
	})

	// PersistingAssistantMessage
	if relayed.Text != "" {
		h.persistAnswer(ctx, logger, userID, conv.ID, sid, relayed.Text)
	}
}

// =============================================================================
// Stages
// =============================================================================

func bindCompletionRequest(c *gin.Context) (*datatypes.CompletionRequest, error) {
	var req datatypes.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return &req, nil
}

// requireIdentity reads what IdentityMiddleware resolved.
func requireIdentity(c *gin.Context) (*extensions.AuthInfo, error) {
	if err := middleware.GetAuthError(c); err != nil {
		return nil, err
	}
	info := middleware.GetAuthInfo(c)
	if info == nil || info.UserID == "" {
		return nil, fmt.Errorf("%w: no identity on request", extensions.ErrUnauthorized)
	}
	return info, nil
}

// resolveConversation finds or creates the conversation the request
// continues, and the session key its history is cached under.
//
// # Description
//
// An explicit conversationId must belong to userID; anything else is
// store.ErrNotFound. Without one, the caller's conversation for sessionId
// is reused, or a new conversation is created. When the client sent no
// sessionId a fresh one is generated and returned in X-Session-Id.
func (h *CompletionHandler) resolveConversation(
	ctx context.Context,
	userID string,
	req *datatypes.CompletionRequest,
) (*datatypes.Conversation, string, error) {
	ctx, span := h.tracer.Start(ctx, "CompletionHandler.resolveConversation")
	defer span.End()

	if req.ConversationID != "" {
		conv, err := h.conversations.FindConversation(ctx, userID, req.ConversationID)
		if err != nil {
			return nil, "", fmt.Errorf("find conversation: %w", err)
		}
		sid := req.SessionID
		if sid == "" && conv.ClientSessionID != nil {
			sid = *conv.ClientSessionID
		}
		if sid == "" {
			sid = datatypes.NewSessionID()
		}
		return conv, sid, nil
	}

	sid := req.SessionID
	if sid != "" {
		conv, err := h.conversations.FindConversationBySession(ctx, userID, sid)
		if err == nil {
			return conv, sid, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", fmt.Errorf("find conversation by session: %w", err)
		}
	} else {
		sid = datatypes.NewSessionID()
	}

	conv := datatypes.NewConversation(userID, sid, h.now())
	if err := h.conversations.CreateConversation(ctx, conv); err != nil {
		return nil, "", fmt.Errorf("create conversation: %w", err)
	}
	span.SetAttributes(attribute.Bool("conversation.created", true))
	return conv, sid, nil
}

// persistUserMessage stores the newest non-empty user message and
// replaces the session cache with the incoming history.
func (h *CompletionHandler) persistUserMessage(
	ctx context.Context,
	userID string,
	conv *datatypes.Conversation,
	sid string,
	req *datatypes.CompletionRequest,
) error {
	if msg, ok := req.LastUserMessage(); ok {
		stored := datatypes.NewStoredMessage(conv.ID, msg, h.now())
		if err := h.conversations.AppendMessage(ctx, userID, stored); err != nil {
			return fmt.Errorf("append user message: %w", err)
		}
	}
	h.sessions.Put(sid, req.HistoryForSession())
	return nil
}

// persistAnswer runs the post-completion task: the assistant message is
// appended to the conversation and to the session cache.
//
// # Description
//
// The task runs on a context detached from the request, so it survives
// the response being finished. Its error, if any, is logged and counted
// and also delivered on the returned channel, which is buffered and
// closed when the task ends. Nothing is reported to the client.
func (h *CompletionHandler) persistAnswer(
	parent context.Context,
	logger *slog.Logger,
	userID, conversationID, sid, text string,
) <-chan error {
	errCh := make(chan error, 1)
	msg := datatypes.Message{Role: datatypes.RoleAssistant, Content: text}
	stored := datatypes.NewStoredMessage(conversationID, msg, h.now())
	detached := context.WithoutCancel(parent)

	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		defer close(errCh)

		ctx, cancel := context.WithTimeout(detached, persistTimeout)
		defer cancel()
		ctx, span := h.tracer.Start(ctx, "CompletionHandler.persistAnswer")
		defer span.End()

		h.sessions.Append(sid, msg)

		if err := h.conversations.AppendMessage(ctx, userID, stored); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "append assistant message")
			h.metrics.RecordPersistenceFailure("message")
			logger.Error("Failed to persist assistant message",
				"error", err,
				"messageId", stored.ID,
			)
			errCh <- fmt.Errorf("append assistant message: %w", err)
			return
		}
		logger.Debug("Assistant message persisted", "messageId", stored.ID)
	}()
	return errCh
}

// =============================================================================
// Failure Paths
// =============================================================================

// fail reports an error raised before the stream opened.
func (h *CompletionHandler) fail(c *gin.Context, span trace.Span, logger *slog.Logger, stage string, err error) {
	ce := classifyError(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	span.SetAttributes(attribute.Int("http.status_code", ce.Status))
	h.metrics.RecordError(observability.EndpointCompletion, ce.Code)

	switch {
	case ce.Status == StatusClientClosedRequest:
		h.metrics.RecordClientDisconnect(observability.EndpointCompletion)
		logger.Info("Client went away before the stream opened", "stage", stage)
	case ce.Status >= http.StatusInternalServerError:
		logger.Error("Completion failed", "stage", stage, "status", ce.Status, "error", err)
	default:
		logger.Warn("Completion rejected", "stage", stage, "status", ce.Status, "error", err)
	}

	writeError(c, ce)
}

// streamFailed reports an error raised after the stream opened. The
// status is already committed; the response just ends.
func (h *CompletionHandler) streamFailed(
	ctx context.Context,
	span trace.Span,
	logger *slog.Logger,
	userID, conversationID, model string,
	err error,
) {
	ce := classifyError(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(ce.Code))
	h.metrics.RecordError(observability.EndpointCompletion, ce.Code)

	outcome := "failed"
	if ce.Code == observability.ErrorCodeAborted {
		outcome = "aborted"
		h.metrics.RecordClientDisconnect(observability.EndpointCompletion)
		logger.Info("Client disconnected mid-stream, answer discarded", "model", model)
	} else {
		logger.Error("Stream failed, answer discarded", "model", model, "error", err)
	}

	_ = h.audit.Log(context.WithoutCancel(ctx), extensions.AuditEvent{
		EventType:    "chat.completion",
		UserID:       userID,
		Action:       "send",
		ResourceType: "conversation",
		ResourceID:   conversationID,
		Outcome:      outcome,
		Metadata:     map[string]any{"model": model, "error_code": string(ce.Code)},
	})
}

// toContents maps the request history onto the upstream message shape.
func toContents(msgs []datatypes.Message) []llm.Content {
	roles := make([]string, len(msgs))
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
		texts[i] = m.Content
	}
	return llm.ToContents(roles, texts)
}
