// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when credentials are missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// AuthSource records which credential resolved an identity.
type AuthSource string

const (
	AuthSourceBearer   AuthSource = "bearer"
	AuthSourceCookie   AuthSource = "cookie"
	AuthSourceDisabled AuthSource = "disabled"
)

// AuthInfo is the resolved identity of a caller.
//
// # Description
//
// UserID is the opaque owner id every conversation and message is scoped
// by. Email is informational and may be empty.
type AuthInfo struct {
	UserID string
	Email  string
	Source AuthSource
}

// AuthProvider validates a bearer token.
//
// # Description
//
// Validate returns the identity the token was issued for. It must return
// an error wrapping ErrUnauthorized for any token it does not accept, so
// callers can tell a rejected credential from an infrastructure failure.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// SessionTokenStore resolves the opaque session token carried by the
// session cookie. It is consulted only when no bearer token is present.
type SessionTokenStore interface {
	LookupSessionToken(ctx context.Context, token string) (userID string, err error)
}

// NopAuthProvider accepts every request as a single local user. Used
// when authentication is disabled for local development.
type NopAuthProvider struct{}

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Source: AuthSourceDisabled}, nil
}

// NopSessionTokenStore rejects every session token.
type NopSessionTokenStore struct{}

func (NopSessionTokenStore) LookupSessionToken(_ context.Context, _ string) (string, error) {
	return "", ErrUnauthorized
}

var (
	_ AuthProvider      = (*NopAuthProvider)(nil)
	_ SessionTokenStore = NopSessionTokenStore{}
)
