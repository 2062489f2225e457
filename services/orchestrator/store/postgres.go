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
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

var storeTracer = otel.Tracer("aleutian.orchestrator.store")

// PostgresStore is a ConversationStore backed by PostgreSQL.
//
// # Description
//
// Expects three tables in the configured schema:
//
//	conversations(id, user_id, title, client_session_id, created_at)
//	messages(id, conversation_id, role, content, created_at)
//	sessions(session_token, user_id, expires)
//
// Schema management is outside this package.
//
// # Ownership
//
// PostgresStore does NOT own the pool. The caller must close it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the schema used by this store (default: "public").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed ConversationStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "public"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// NewPool opens and pings a pgx pool for databaseURL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Info("Connected to PostgreSQL", "max_conns", cfg.MaxConns)
	return pool, nil
}

func (s *PostgresStore) table(name string) string {
	return pgIdent(s.schema, name)
}

// =============================================================================
// Conversations
// =============================================================================

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *datatypes.Conversation) error {
	if conv == nil || conv.ID == "" || conv.UserID == "" {
		return errors.New("store: invalid conversation")
	}
	ctx, span := storeTracer.Start(ctx, "PostgresStore.CreateConversation")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, user_id, title, client_session_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		conv.ID, conv.UserID, conv.Title, conv.ClientSessionID, conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindConversation(ctx context.Context, userID, conversationID string) (*datatypes.Conversation, error) {
	ctx, span := storeTracer.Start(ctx, "PostgresStore.FindConversation")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, client_session_id, created_at
		 FROM `+s.table("conversations")+`
		 WHERE id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	return scanConversation(row)
}

// FindConversationBySession returns the newest conversation of userID
// bound to sessionID.
func (s *PostgresStore) FindConversationBySession(ctx context.Context, userID, sessionID string) (*datatypes.Conversation, error) {
	ctx, span := storeTracer.Start(ctx, "PostgresStore.FindConversationBySession")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, client_session_id, created_at
		 FROM `+s.table("conversations")+`
		 WHERE user_id = $1 AND client_session_id = $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, sessionID,
	)
	return scanConversation(row)
}

func (s *PostgresStore) UpdateConversationTitle(ctx context.Context, userID, conversationID string, title *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversations")+` SET title = $3 WHERE id = $1 AND user_id = $2`,
		conversationID, userID, title,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and its messages in one
// transaction.
func (s *PostgresStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+s.table("messages")+` m
		 USING `+s.table("conversations")+` c
		 WHERE m.conversation_id = c.id AND c.id = $1 AND c.user_id = $2`,
		conversationID, userID,
	); err != nil {
		return fmt.Errorf("delete conversation messages: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+s.table("conversations")+` WHERE id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

// =============================================================================
// Messages
// =============================================================================

// AppendMessage inserts msg only when its conversation belongs to userID.
func (s *PostgresStore) AppendMessage(ctx context.Context, userID string, msg *datatypes.StoredMessage) error {
	if msg == nil || msg.ID == "" {
		return errors.New("store: invalid message")
	}
	ctx, span := storeTracer.Start(ctx, "PostgresStore.AppendMessage")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (id, conversation_id, role, content, created_at)
		 SELECT $1, c.id, $3, $4, $5
		 FROM `+s.table("conversations")+` c
		 WHERE c.id = $2 AND c.user_id = $6`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt, userID,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns the conversation's messages in creation order.
func (s *PostgresStore) ListMessages(ctx context.Context, userID, conversationID string) ([]datatypes.StoredMessage, error) {
	if _, err := s.FindConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM `+s.table("messages")+`
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]datatypes.StoredMessage, 0)
	for rows.Next() {
		var m datatypes.StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindMessage(ctx context.Context, userID, messageID string) (*datatypes.StoredMessage, error) {
	var m datatypes.StoredMessage
	err := s.pool.QueryRow(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.created_at
		 FROM `+s.table("messages")+` m
		 JOIN `+s.table("conversations")+` c ON c.id = m.conversation_id
		 WHERE m.id = $1 AND c.user_id = $2`,
		messageID, userID,
	).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, userID, messageID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table("messages")+` m
		 USING `+s.table("conversations")+` c
		 WHERE m.conversation_id = c.id AND m.id = $1 AND c.user_id = $2`,
		messageID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// Session Tokens
// =============================================================================

// LookupSessionToken resolves an unexpired cookie session token.
func (s *PostgresStore) LookupSessionToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM `+s.table("sessions")+`
		 WHERE session_token = $1 AND expires > now()`,
		token,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUnknownSessionToken
	}
	if err != nil {
		return "", fmt.Errorf("lookup session token: %w", err)
	}
	return userID, nil
}

func scanConversation(row pgx.Row) (*datatypes.Conversation, error) {
	var c datatypes.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.ClientSessionID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

var (
	_ ConversationStore  = (*PostgresStore)(nil)
	_ SessionTokenLookup = (*PostgresStore)(nil)
)
