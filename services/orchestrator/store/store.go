// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists conversations and messages.
//
// Every operation is scoped by the owning user id. A record owned by a
// different user is indistinguishable from a missing one: both yield
// ErrNotFound.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// ErrNotFound is returned when a record does not exist or is not owned by
// the requesting user.
var ErrNotFound = errors.New("store: not found")

// ErrUnknownSessionToken is returned for missing or expired session
// tokens. It wraps extensions.ErrUnauthorized.
var ErrUnknownSessionToken = fmt.Errorf("%w: unknown session token", extensions.ErrUnauthorized)

// ConversationStore is the durable persistence collaborator.
//
// # Description
//
// Conversations and messages are written once and read back by owner.
// Messages are immutable; they can be appended and deleted, never edited.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *datatypes.Conversation) error
	FindConversation(ctx context.Context, userID, conversationID string) (*datatypes.Conversation, error)
	FindConversationBySession(ctx context.Context, userID, sessionID string) (*datatypes.Conversation, error)
	UpdateConversationTitle(ctx context.Context, userID, conversationID string, title *string) error
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	AppendMessage(ctx context.Context, userID string, msg *datatypes.StoredMessage) error
	ListMessages(ctx context.Context, userID, conversationID string) ([]datatypes.StoredMessage, error)
	FindMessage(ctx context.Context, userID, messageID string) (*datatypes.StoredMessage, error)
	DeleteMessage(ctx context.Context, userID, messageID string) error
}

// SessionTokenLookup resolves an opaque session token, as carried by the
// session cookie, to the user id it was issued for.
type SessionTokenLookup = extensions.SessionTokenStore
