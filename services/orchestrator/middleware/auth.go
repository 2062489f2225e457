// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the chat service.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

const (
	authInfoKey  = "aleutian_auth_info"
	authErrorKey = "aleutian_auth_error"

	// DefaultSessionCookieName is the cookie consulted when no bearer
	// token is present.
	DefaultSessionCookieName = "chat.session-token"
)

// SetAuthInfo stores the resolved identity in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the identity stored by IdentityMiddleware, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// GetAuthError returns why identity resolution failed, or nil.
func GetAuthError(c *gin.Context) error {
	if v, exists := c.Get(authErrorKey); exists {
		if err, ok := v.(error); ok {
			return err
		}
	}
	return nil
}

// IdentityResolver turns request credentials into an AuthInfo.
//
// # Description
//
// The bearer token is tried first through the AuthProvider. When it is
// absent or rejected, the session cookie is looked up through the
// SessionTokenStore. When neither yields a user, the result wraps
// extensions.ErrUnauthorized. Any other error is an infrastructure
// failure (for example the token store being unreachable).
type IdentityResolver struct {
	provider   extensions.AuthProvider
	sessions   extensions.SessionTokenStore
	cookieName string
}

// NewIdentityResolver builds a resolver. A nil sessions store disables
// the cookie fallback.
func NewIdentityResolver(provider extensions.AuthProvider, sessions extensions.SessionTokenStore, cookieName string) *IdentityResolver {
	if provider == nil {
		panic("NewIdentityResolver: provider must not be nil")
	}
	if sessions == nil {
		sessions = extensions.NopSessionTokenStore{}
	}
	if cookieName == "" {
		cookieName = DefaultSessionCookieName
	}
	return &IdentityResolver{provider: provider, sessions: sessions, cookieName: cookieName}
}

// Resolve returns the caller's identity.
func (r *IdentityResolver) Resolve(ctx context.Context, req *http.Request) (*extensions.AuthInfo, error) {
	var bearerErr error
	if token := bearerToken(req); token != "" {
		info, err := r.provider.Validate(ctx, token)
		if err == nil && info != nil && info.UserID != "" {
			return info, nil
		}
		if err != nil && !errors.Is(err, extensions.ErrUnauthorized) {
			return nil, fmt.Errorf("validate bearer token: %w", err)
		}
		bearerErr = err
	} else if _, ok := r.provider.(*extensions.NopAuthProvider); ok {
		return r.provider.Validate(ctx, "")
	}

	token := r.sessionCookie(req)
	if token == "" {
		if bearerErr != nil {
			return nil, bearerErr
		}
		return nil, fmt.Errorf("%w: no credentials", extensions.ErrUnauthorized)
	}

	userID, err := r.sessions.LookupSessionToken(ctx, token)
	if err != nil {
		if errors.Is(err, extensions.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: unknown session token", extensions.ErrUnauthorized)
		}
		return nil, fmt.Errorf("lookup session token: %w", err)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: unknown session token", extensions.ErrUnauthorized)
	}
	return &extensions.AuthInfo{UserID: userID, Source: extensions.AuthSourceCookie}, nil
}

// IdentityMiddleware resolves the caller and stores the result without
// aborting. Handlers decide whether an identity is required, so request
// validation can run first.
func IdentityMiddleware(resolver *IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := resolver.Resolve(c.Request.Context(), c.Request)
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				slog.Error("Identity resolution failed", "error", err, "path", c.FullPath())
			}
			c.Set(authErrorKey, err)
		} else {
			SetAuthInfo(c, info)
		}
		c.Next()
	}
}

// AuthMiddleware rejects requests without a resolvable identity.
func AuthMiddleware(resolver *IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := resolver.Resolve(c.Request.Context(), c.Request)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			slog.Error("Identity resolution failed", "error", err, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}
		SetAuthInfo(c, info)
		c.Next()
	}
}

func bearerToken(req *http.Request) string {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

func (r *IdentityResolver) sessionCookie(req *http.Request) string {
	cookie, err := req.Cookie(r.cookieName)
	if err != nil {
		return ""
	}
	value, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return strings.TrimSpace(cookie.Value)
	}
	return strings.TrimSpace(value)
}
