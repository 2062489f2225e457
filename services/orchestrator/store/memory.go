// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// MemoryStore is an in-process ConversationStore used when no database
// is configured, and in tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]datatypes.Conversation
	messages      map[string]datatypes.StoredMessage
	tokens        map[string]memoryToken
	now           func() time.Time
}

type memoryToken struct {
	userID    string
	expiresAt time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]datatypes.Conversation),
		messages:      make(map[string]datatypes.StoredMessage),
		tokens:        make(map[string]memoryToken),
		now:           time.Now,
	}
}

// PutSessionToken registers a cookie session token for userID.
func (s *MemoryStore) PutSessionToken(token, userID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = memoryToken{userID: userID, expiresAt: expiresAt}
}

// LookupSessionToken implements SessionTokenLookup.
func (s *MemoryStore) LookupSessionToken(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok || !s.now().Before(t.expiresAt) {
		return "", ErrUnknownSessionToken
	}
	return t.userID, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *datatypes.Conversation) error {
	if conv == nil || conv.ID == "" || conv.UserID == "" {
		return errors.New("store: invalid conversation")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return errors.New("store: conversation already exists")
	}
	s.conversations[conv.ID] = cloneConversation(*conv)
	return nil
}

func (s *MemoryStore) FindConversation(ctx context.Context, userID, conversationID string) (*datatypes.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, ErrNotFound
	}
	out := cloneConversation(conv)
	return &out, nil
}

// FindConversationBySession returns the newest conversation of userID
// bound to sessionID.
func (s *MemoryStore) FindConversationBySession(ctx context.Context, userID, sessionID string) (*datatypes.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *datatypes.Conversation
	for _, conv := range s.conversations {
		if conv.UserID != userID || conv.ClientSessionID == nil || *conv.ClientSessionID != sessionID {
			continue
		}
		if found == nil || conv.CreatedAt.After(found.CreatedAt) {
			c := cloneConversation(conv)
			found = &c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) UpdateConversationTitle(ctx context.Context, userID, conversationID string, title *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return ErrNotFound
	}
	conv.Title = cloneString(title)
	s.conversations[conversationID] = conv
	return nil
}

// DeleteConversation removes the conversation and its messages.
func (s *MemoryStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return ErrNotFound
	}
	delete(s.conversations, conversationID)
	for id, m := range s.messages {
		if m.ConversationID == conversationID {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, userID string, msg *datatypes.StoredMessage) error {
	if msg == nil || msg.ID == "" {
		return errors.New("store: invalid message")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok || conv.UserID != userID {
		return ErrNotFound
	}
	s.messages[msg.ID] = *msg
	return nil
}

// ListMessages returns the conversation's messages in creation order.
func (s *MemoryStore) ListMessages(ctx context.Context, userID, conversationID string) ([]datatypes.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, ErrNotFound
	}
	out := make([]datatypes.StoredMessage, 0)
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) FindMessage(ctx context.Context, userID, messageID string) (*datatypes.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok || !s.ownsLocked(userID, m.ConversationID) {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, userID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || !s.ownsLocked(userID, m.ConversationID) {
		return ErrNotFound
	}
	delete(s.messages, messageID)
	return nil
}

func (s *MemoryStore) ownsLocked(userID, conversationID string) bool {
	conv, ok := s.conversations[conversationID]
	return ok && conv.UserID == userID
}

func cloneConversation(c datatypes.Conversation) datatypes.Conversation {
	c.Title = cloneString(c.Title)
	c.ClientSessionID = cloneString(c.ClientSessionID)
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

var (
	_ ConversationStore  = (*MemoryStore)(nil)
	_ SessionTokenLookup = (*MemoryStore)(nil)
)
