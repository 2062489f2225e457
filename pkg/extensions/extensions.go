// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable collaborators of the chat
// service: identity resolution and audit logging.
//
// # Description
//
// The service never authenticates users itself. It resolves a caller
// through an AuthProvider (bearer tokens) and, failing that, a
// SessionTokenStore (the session cookie). Deployments choose the
// implementations through ServiceOptions.
//
// # Examples
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(jwtProvider).
//	    WithSessionTokens(pgStore)
package extensions

// ServiceOptions bundles the collaborators handed to the service.
type ServiceOptions struct {
	AuthProvider  AuthProvider
	SessionTokens SessionTokenStore
	AuditLogger   AuditLogger
}

// DefaultOptions returns options with authentication disabled and
// auditing off.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		SessionTokens: NopSessionTokenStore{},
		AuditLogger:   &NopAuditLogger{},
	}
}

func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

func (opts ServiceOptions) WithSessionTokens(store SessionTokenStore) ServiceOptions {
	opts.SessionTokens = store
	return opts
}

func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
