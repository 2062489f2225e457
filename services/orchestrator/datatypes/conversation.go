// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Conversation is a durable chat thread owned by exactly one user.
//
// A conversation is created lazily on the first send that resolves to no
// existing one. It is only ever read or mutated on behalf of UserID.
type Conversation struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Title           *string   `json:"title,omitempty"`
	ClientSessionID *string   `json:"clientSessionId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// StoredMessage is an immutable persisted message.
//
// IDs are ULIDs, so lexical order matches creation order within a
// conversation.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Message drops persistence metadata.
func (m StoredMessage) Message() Message {
	return Message{Role: m.Role, Content: m.Content}
}

// NewConversation builds an unsaved conversation for userID.
func NewConversation(userID string, clientSessionID string, now time.Time) *Conversation {
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now.UTC(),
	}
	if clientSessionID != "" {
		sid := clientSessionID
		conv.ClientSessionID = &sid
	}
	return conv
}

// NewStoredMessage builds an unsaved message with a time ordered id.
func NewStoredMessage(conversationID string, msg Message, now time.Time) *StoredMessage {
	return &StoredMessage{
		ID:             ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      now.UTC(),
	}
}

// NewSessionID returns a fresh client session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
