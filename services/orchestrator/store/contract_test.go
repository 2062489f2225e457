// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// runConversationStoreContract exercises behavior every ConversationStore
// must share.
func runConversationStoreContract(t *testing.T, s ConversationStore) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and find by owner", func(t *testing.T) {
		conv := datatypes.NewConversation("alice", "sess-a", base)
		require.NoError(t, s.CreateConversation(ctx, conv))

		got, err := s.FindConversation(ctx, "alice", conv.ID)
		require.NoError(t, err)
		assert.Equal(t, conv.ID, got.ID)
		require.NotNil(t, got.ClientSessionID)
		assert.Equal(t, "sess-a", *got.ClientSessionID)

		_, err = s.FindConversation(ctx, "mallory", conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.FindConversation(ctx, "alice", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("find by session is owner scoped and newest first", func(t *testing.T) {
		older := datatypes.NewConversation("bob", "sess-b", base)
		newer := datatypes.NewConversation("bob", "sess-b", base.Add(time.Second))
		other := datatypes.NewConversation("carol", "sess-b", base.Add(2*time.Second))
		require.NoError(t, s.CreateConversation(ctx, older))
		require.NoError(t, s.CreateConversation(ctx, newer))
		require.NoError(t, s.CreateConversation(ctx, other))

		got, err := s.FindConversationBySession(ctx, "bob", "sess-b")
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)

		_, err = s.FindConversationBySession(ctx, "bob", "sess-none")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update title", func(t *testing.T) {
		conv := datatypes.NewConversation("dave", "", base)
		require.NoError(t, s.CreateConversation(ctx, conv))

		title := "Trip planning"
		require.NoError(t, s.UpdateConversationTitle(ctx, "dave", conv.ID, &title))
		got, err := s.FindConversation(ctx, "dave", conv.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Title)
		assert.Equal(t, title, *got.Title)

		assert.ErrorIs(t, s.UpdateConversationTitle(ctx, "eve", conv.ID, &title), ErrNotFound)
	})

	t.Run("append and list messages in order", func(t *testing.T) {
		conv := datatypes.NewConversation("frank", "", base)
		require.NoError(t, s.CreateConversation(ctx, conv))

		first := datatypes.NewStoredMessage(conv.ID, datatypes.Message{Role: "user", Content: "hi"}, base)
		second := datatypes.NewStoredMessage(conv.ID, datatypes.Message{Role: "assistant", Content: "hello"}, base.Add(time.Millisecond))
		require.NoError(t, s.AppendMessage(ctx, "frank", second))
		require.NoError(t, s.AppendMessage(ctx, "frank", first))

		msgs, err := s.ListMessages(ctx, "frank", conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "hi", msgs[0].Content)
		assert.Equal(t, "hello", msgs[1].Content)

		_, err = s.ListMessages(ctx, "grace", conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		intruder := datatypes.NewStoredMessage(conv.ID, datatypes.Message{Role: "user", Content: "x"}, base)
		assert.ErrorIs(t, s.AppendMessage(ctx, "grace", intruder), ErrNotFound)
	})

	t.Run("find and delete message by owner", func(t *testing.T) {
		conv := datatypes.NewConversation("heidi", "", base)
		require.NoError(t, s.CreateConversation(ctx, conv))
		msg := datatypes.NewStoredMessage(conv.ID, datatypes.Message{Role: "user", Content: "q"}, base)
		require.NoError(t, s.AppendMessage(ctx, "heidi", msg))

		got, err := s.FindMessage(ctx, "heidi", msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "q", got.Content)

		_, err = s.FindMessage(ctx, "ivan", msg.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteMessage(ctx, "ivan", msg.ID), ErrNotFound)

		require.NoError(t, s.DeleteMessage(ctx, "heidi", msg.ID))
		_, err = s.FindMessage(ctx, "heidi", msg.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete conversation removes messages", func(t *testing.T) {
		conv := datatypes.NewConversation("judy", "", base)
		require.NoError(t, s.CreateConversation(ctx, conv))
		msg := datatypes.NewStoredMessage(conv.ID, datatypes.Message{Role: "user", Content: "q"}, base)
		require.NoError(t, s.AppendMessage(ctx, "judy", msg))

		assert.ErrorIs(t, s.DeleteConversation(ctx, "mallory", conv.ID), ErrNotFound)
		require.NoError(t, s.DeleteConversation(ctx, "judy", conv.ID))

		_, err := s.FindConversation(ctx, "judy", conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindMessage(ctx, "judy", msg.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
