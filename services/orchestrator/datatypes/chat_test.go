// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CompletionRequest Validation Tests
// =============================================================================

func TestCompletionRequest_Validate(t *testing.T) {
	many := make([]Message, MaxMessagesPerRequest+1)
	for i := range many {
		many[i] = Message{Role: RoleUser, Content: "x"}
	}

	tests := []struct {
		name    string
		req     CompletionRequest
		wantErr bool
	}{
		{
			name: "single user message",
			req:  CompletionRequest{Messages: []Message{{Role: "user", Content: "Hello"}}},
		},
		{
			name: "with session and conversation",
			req: CompletionRequest{
				Messages:       []Message{{Role: "user", Content: "Hi"}, {Role: "assistant", Content: ""}},
				SessionID:      "s-1",
				ConversationID: "c-1",
			},
		},
		{name: "no messages", req: CompletionRequest{}, wantErr: true},
		{name: "empty messages", req: CompletionRequest{Messages: []Message{}}, wantErr: true},
		{name: "too many messages", req: CompletionRequest{Messages: many}, wantErr: true},
		{
			name:    "system role rejected",
			req:     CompletionRequest{Messages: []Message{{Role: "system", Content: "x"}}},
			wantErr: true,
		},
		{
			name:    "missing role",
			req:     CompletionRequest{Messages: []Message{{Content: "x"}}},
			wantErr: true,
		},
		{
			name: "content at limit",
			req: CompletionRequest{Messages: []Message{
				{Role: "user", Content: strings.Repeat("a", MaxMessageContentBytes)},
			}},
		},
		{
			name: "content over limit",
			req: CompletionRequest{Messages: []Message{
				{Role: "user", Content: strings.Repeat("a", MaxMessageContentBytes+1)},
			}},
			wantErr: true,
		},
		{
			name: "session id too long",
			req: CompletionRequest{
				Messages:  []Message{{Role: "user", Content: "x"}},
				SessionID: strings.Repeat("s", MaxIdentifierLength+1),
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCompletionRequest_LastUserMessage(t *testing.T) {
	req := CompletionRequest{Messages: []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
		{Role: "user", Content: "   "},
		{Role: "assistant", Content: ""},
	}}

	msg, ok := req.LastUserMessage()
	require.True(t, ok)
	assert.Equal(t, "second", msg.Content)

	_, ok = (&CompletionRequest{Messages: []Message{{Role: "assistant", Content: "only"}}}).LastUserMessage()
	assert.False(t, ok)
}

func TestCompletionRequest_HistoryForSession(t *testing.T) {
	req := CompletionRequest{Messages: []Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: ""},
		{Role: "assistant", Content: "a"},
		{Role: "user", Content: ""},
	}}

	assert.Equal(t, []Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "a"},
		{Role: "user", Content: ""},
	}, req.HistoryForSession())
}

// =============================================================================
// Conversation Tests
// =============================================================================

func TestNewConversation(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	conv := NewConversation("user-1", "sess-1", now)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "user-1", conv.UserID)
	require.NotNil(t, conv.ClientSessionID)
	assert.Equal(t, "sess-1", *conv.ClientSessionID)
	assert.Nil(t, conv.Title)
	assert.Equal(t, now, conv.CreatedAt)

	assert.Nil(t, NewConversation("user-1", "", now).ClientSessionID)
}

func TestNewStoredMessage_IDsSortByTime(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	first := NewStoredMessage("c", Message{Role: "user", Content: "a"}, base)
	second := NewStoredMessage("c", Message{Role: "assistant", Content: "b"}, base.Add(time.Millisecond))

	assert.Len(t, first.ID, 26)
	assert.Less(t, first.ID, second.ID)
	assert.Equal(t, Message{Role: "assistant", Content: "b"}, second.Message())
}

func TestSessionEntry_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, SessionEntry{ExpiresAt: now.Add(time.Second)}.Expired(now))
	assert.True(t, SessionEntry{ExpiresAt: now}.Expired(now))
}
