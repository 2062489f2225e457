// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

func isolate(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"PORT", "GEMINI_MODEL", "DATABASE_URL", "AUTH_DISABLED", "JWT_SECRET", "JWT_ISSUER", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(key, "")
	}
	return t.TempDir()
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\ngemini_model: from-file\nlog_format: text\n"), 0600))

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path,
		"--env-file", filepath.Join(dir, "none.env"),
		"--port", "9500",
		"--auth-disabled",
	}))

	var flags serverFlags
	flags.configPath, _ = cmd.Flags().GetString("config")
	flags.envFile, _ = cmd.Flags().GetString("env-file")
	flags.port, _ = cmd.Flags().GetInt("port")
	flags.authDisabled, _ = cmd.Flags().GetBool("auth-disabled")

	cfg, err := loadConfig(cmd, flags)

	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.Port)
	assert.True(t, cfg.AuthDisabled)
	assert.Equal(t, "from-file", cfg.GeminiModel, "unset flags keep file values")
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestTokenCmd_SignsVerifiableToken(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("JWT_SECRET=s3cret\n"), 0600))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--env-file", envFile, "--user", "alice"})

	require.NoError(t, cmd.Execute())

	provider, err := extensions.NewJWTAuthProvider("s3cret", "")
	require.NoError(t, err)
	info, err := provider.Validate(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", info.UserID)
}

func TestTokenCmd_RequiresSecret(t *testing.T) {
	dir := isolate(t)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--env-file", filepath.Join(dir, "none.env"), "--user", "alice"})

	assert.Error(t, cmd.Execute())
}
