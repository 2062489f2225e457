// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// DefaultSessionTTL is how long a session's history stays cached after
// its last write.
const DefaultSessionTTL = time.Hour

// SessionStore is a process-local cache of recent conversation turns,
// keyed by client session id.
//
// # Description
//
// The store is a read-back convenience, not the source of truth; the
// durable store is. Every write refreshes the written entry's expiry and
// sweeps all expired entries. There is no background timer. Reads never
// return an expired entry even if it has not been swept yet.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
//
// # Limitations
//
//   - Contents are lost on restart.
//   - No indexing, filtering or cross-session queries.
type SessionStore struct {
	mu      sync.Mutex
	entries map[string]datatypes.SessionEntry
	ttl     time.Duration
	clock   Clock
}

// SessionStoreOption configures a SessionStore.
type SessionStoreOption func(*SessionStore)

// WithClock replaces the wall clock.
func WithClock(c Clock) SessionStoreOption {
	return func(s *SessionStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithTTL overrides DefaultSessionTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewSessionStore returns an empty store.
func NewSessionStore(opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		entries: make(map[string]datatypes.SessionEntry),
		ttl:     DefaultSessionTTL,
		clock:   SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the cached messages for sid, or an empty slice.
func (s *SessionStore) Get(sid string) []datatypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[sid]
	if !ok || entry.Expired(s.clock.Now()) {
		return []datatypes.Message{}
	}
	return cloneMessages(entry.Messages)
}

// Put replaces the cached messages for sid and refreshes its expiry.
func (s *SessionStore) Put(sid string, msgs []datatypes.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.sweepLocked(now)
	s.entries[sid] = datatypes.SessionEntry{
		Messages:  cloneMessages(msgs),
		ExpiresAt: now.Add(s.ttl),
	}
}

// Append adds msg to the entry for sid, creating it if absent or expired,
// and extends its expiry.
func (s *SessionStore) Append(sid string, msg datatypes.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.sweepLocked(now)
	entry := s.entries[sid]
	entry.Messages = append(cloneMessages(entry.Messages), msg)
	entry.ExpiresAt = now.Add(s.ttl)
	s.entries[sid] = entry
}

// Len returns the number of entries, expired or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *SessionStore) sweepLocked(now time.Time) {
	evicted := 0
	for sid, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, sid)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("Swept expired sessions", "evicted", evicted, "remaining", len(s.entries))
	}
}

func cloneMessages(msgs []datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, len(msgs))
	copy(out, msgs)
	return out
}
