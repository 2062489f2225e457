// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// configKeys are cleared so the host environment cannot leak into tests.
var configKeys = []string{
	"PORT", "GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_FALLBACK_MODEL",
	"GEMINI_BASE_URL", "UPSTREAM_RPS", "DATABASE_URL", "JWT_SECRET",
	"JWT_ISSUER", "SESSION_COOKIE_NAME", "AUTH_DISABLED", "SESSION_TTL",
	"CORS_ALLOWED_ORIGINS", "OTEL_EXPORTER_OTLP_ENDPOINT", "ACCUMULATOR_MODE",
	"MAX_ANSWER_BYTES",
	"GIN_MODE", "LOG_LEVEL", "LOG_FORMAT", "LOG_DIR",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

// testConfig returns a config that needs no network besides upstreamURL.
func testConfig(upstreamURL string) Config {
	return Config{
		GeminiAPIKey:    "test-key",
		GeminiBaseURL:   upstreamURL,
		AuthDisabled:    true,
		AccumulatorMode: "plain",
		GinMode:         gin.TestMode,
	}
}

// fakeGemini streams text as one event per word.
func fakeGemini(t *testing.T, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range strings.SplitAfter(text, " ") {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", word)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// =============================================================================
// Config Tests
// =============================================================================

// TestApplyConfigDefaults_AllDefaults verifies default values are applied.
func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	// Arrange
	cfg := Config{}

	// Act
	result := applyConfigDefaults(cfg)

	// Assert
	assert.Equal(t, 12210, result.Port, "default port should be 12210")
	assert.Equal(t, "chat.session-token", result.SessionCookieName)
	assert.Equal(t, time.Hour, result.SessionTTL)
	assert.Equal(t, 30*time.Second, result.ShutdownTimeout)
	assert.Equal(t, "auto", result.AccumulatorMode)
	assert.Equal(t, 512*1024, result.MaxAnswerBytes)
	assert.Equal(t, "json", result.LogFormat)
	assert.Empty(t, result.OTelEndpoint, "tracing export is opt-in")
}

// TestApplyConfigDefaults_PreservesCustomValues verifies custom values are not overwritten.
func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	// Arrange
	cfg := Config{
		Port:              8080,
		SessionCookieName: "sid",
		SessionTTL:        time.Minute,
		AccumulatorMode:   "locked",
		LogFormat:         "text",
	}

	// Act
	result := applyConfigDefaults(cfg)

	// Assert
	assert.Equal(t, 8080, result.Port)
	assert.Equal(t, "sid", result.SessionCookieName)
	assert.Equal(t, time.Minute, result.SessionTTL)
	assert.Equal(t, "locked", result.AccumulatorMode)
	assert.Equal(t, "text", result.LogFormat)
}

// TestLoadConfig_Precedence verifies YAML < .env < environment.
func TestLoadConfig_Precedence(t *testing.T) {
	// Arrange
	clearEnv(t)
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "chat.yaml", `
port: 9000
gemini_model: from-yaml
gemini_fallback_model: fallback-from-yaml
session_ttl: 2h
cors_allowed_origins:
  - https://yaml.example
`)
	envPath := writeFile(t, dir, ".env", "GEMINI_MODEL=from-dotenv\nPORT=9001\nJWT_SECRET=dotenv-secret\n")
	t.Setenv("PORT", "9100")

	// Act
	cfg, err := LoadConfig(yamlPath, envPath)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port, "environment beats .env and YAML")
	assert.Equal(t, "from-dotenv", cfg.GeminiModel, ".env beats YAML")
	assert.Equal(t, "fallback-from-yaml", cfg.GeminiFallbackModel)
	assert.Equal(t, "dotenv-secret", cfg.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, []string{"https://yaml.example"}, cfg.CORSAllowedOrigins)
	assert.Empty(t, os.Getenv("JWT_SECRET"), ".env values do not leak into the process")
}

// TestLoadConfig_MissingDotenvIsSkipped verifies .env files are optional.
func TestLoadConfig_MissingDotenvIsSkipped(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "env-key")

	cfg, err := LoadConfig("", filepath.Join(t.TempDir(), "absent.env"))

	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.GeminiAPIKey)
}

// TestLoadConfig_MissingYAMLFails verifies an explicit config file must exist.
func TestLoadConfig_MissingYAMLFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// TestLoadConfig_MalformedYAML verifies parse errors are reported.
func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "chat.yaml", "port: [not a number\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

// TestApplyEnv_AllKeys verifies every key maps to its field.
func TestApplyEnv_AllKeys(t *testing.T) {
	// Arrange
	env := map[string]string{
		"PORT":                        "8081",
		"GEMINI_API_KEY":              "key",
		"GEMINI_MODEL":                "m",
		"GEMINI_FALLBACK_MODEL":       "fm",
		"GEMINI_BASE_URL":             "http://upstream",
		"UPSTREAM_RPS":                "2.5",
		"DATABASE_URL":                "postgres://db",
		"JWT_SECRET":                  "s",
		"JWT_ISSUER":                  "iss",
		"SESSION_COOKIE_NAME":         "cookie",
		"AUTH_DISABLED":               "true",
		"SESSION_TTL":                 "90m",
		"CORS_ALLOWED_ORIGINS":        " https://a.example, ,https://b.example ",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
		"ACCUMULATOR_MODE":            "plain",
		"MAX_ANSWER_BYTES":            "1048576",
		"GIN_MODE":                    "release",
		"LOG_LEVEL":                   "debug",
		"LOG_FORMAT":                  "text",
		"LOG_DIR":                     "/tmp/logs",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	var cfg Config

	// Act
	err := applyEnv(&cfg, lookup)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, Config{
		Port:                8081,
		GeminiAPIKey:        "key",
		GeminiModel:         "m",
		GeminiFallbackModel: "fm",
		GeminiBaseURL:       "http://upstream",
		UpstreamRPS:         2.5,
		DatabaseURL:         "postgres://db",
		JWTSecret:           "s",
		JWTIssuer:           "iss",
		SessionCookieName:   "cookie",
		AuthDisabled:        true,
		SessionTTL:          90 * time.Minute,
		CORSAllowedOrigins:  []string{"https://a.example", "https://b.example"},
		OTelEndpoint:        "collector:4317",
		AccumulatorMode:     "plain",
		MaxAnswerBytes:      1 << 20,
		GinMode:             "release",
		LogLevel:            "debug",
		LogFormat:           "text",
		LogDir:              "/tmp/logs",
	}, cfg)
}

// TestApplyEnv_InvalidValues verifies malformed values are all reported.
func TestApplyEnv_InvalidValues(t *testing.T) {
	env := map[string]string{
		"PORT":             "eighty",
		"UPSTREAM_RPS":     "-1",
		"AUTH_DISABLED":    "maybe",
		"SESSION_TTL":      "forever",
		"MAX_ANSWER_BYTES": "0",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	cfg := Config{Port: 7000}

	err := applyEnv(&cfg, lookup)

	require.Error(t, err)
	for key := range env {
		assert.Contains(t, err.Error(), key)
	}
	assert.Equal(t, 7000, cfg.Port, "invalid values leave fields untouched")
}

// =============================================================================
// Constructor Tests
// =============================================================================

// TestNew_WithNilOptions verifies New works with nil options.
func TestNew_WithNilOptions(t *testing.T) {
	// Arrange
	cfg := testConfig("http://127.0.0.1:1")

	// Act
	svc, err := New(cfg, nil)

	// Assert
	require.NoError(t, err)
	require.NotNil(t, svc)
	assert.NotNil(t, svc.Router())

	s := svc.(*service)
	assert.IsType(t, &extensions.NopAuthProvider{}, s.opts.AuthProvider)
	assert.IsType(t, &extensions.SlogAuditLogger{}, s.opts.AuditLogger)
	assert.Same(t, s.conversations, s.opts.SessionTokens, "the store resolves session cookies")
	assert.Nil(t, s.pool, "no database configured")
}

// TestNew_RequiresAPIKey verifies a missing upstream key is fatal.
func TestNew_RequiresAPIKey(t *testing.T) {
	cfg := testConfig("")
	cfg.GeminiAPIKey = ""

	_, err := New(cfg, nil)

	assert.Error(t, err)
}

// TestNew_RequiresIdentitySource verifies auth cannot be left undecided.
func TestNew_RequiresIdentitySource(t *testing.T) {
	cfg := testConfig("")
	cfg.AuthDisabled = false

	_, err := New(cfg, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

// TestNew_RejectsUnknownAccumulatorMode verifies mode validation.
func TestNew_RejectsUnknownAccumulatorMode(t *testing.T) {
	cfg := testConfig("")
	cfg.AccumulatorMode = "paranoid"

	_, err := New(cfg, nil)

	assert.Error(t, err)
}

// TestNew_JWTSecretEnablesJWT verifies bearer tokens are verified.
func TestNew_JWTSecretEnablesJWT(t *testing.T) {
	// Arrange
	cfg := testConfig(fakeGemini(t, "hi").URL)
	cfg.AuthDisabled = false
	cfg.JWTSecret = "secret"
	svc, err := New(cfg, nil)
	require.NoError(t, err)
	s := svc.(*service)
	require.IsType(t, &extensions.JWTAuthProvider{}, s.opts.AuthProvider)

	body := `{"messages":[{"role":"user","content":"hello"}]}`

	// Act
	anonymous := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(anonymous, req)

	token, err := s.opts.AuthProvider.(*extensions.JWTAuthProvider).Sign("user-1", "", time.Minute)
	require.NoError(t, err)
	signed := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	svc.Router().ServeHTTP(signed, req)
	s.completion.Wait()

	// Assert
	assert.Equal(t, http.StatusUnauthorized, anonymous.Code)
	assert.Equal(t, http.StatusOK, signed.Code)
	assert.Equal(t, "hi", signed.Body.String())
}

// TestNew_CustomOptionsTakePrecedence verifies injected collaborators win.
func TestNew_CustomOptionsTakePrecedence(t *testing.T) {
	cfg := testConfig("")
	cfg.AuthDisabled = false
	audit := &extensions.NopAuditLogger{}
	provider := &extensions.NopAuthProvider{}

	svc, err := New(cfg, &extensions.ServiceOptions{AuthProvider: provider, AuditLogger: audit})

	require.NoError(t, err)
	s := svc.(*service)
	assert.Same(t, provider, s.opts.AuthProvider)
	assert.Same(t, audit, s.opts.AuditLogger)
}

// =============================================================================
// Router Tests
// =============================================================================

// TestRouter_HealthAndMetrics verifies the ambient endpoints.
func TestRouter_HealthAndMetrics(t *testing.T) {
	svc, err := New(testConfig(""), nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

// TestRouter_CompletionEndToEnd streams through the real client and then
// reads the session history back.
func TestRouter_CompletionEndToEnd(t *testing.T) {
	// Arrange
	upstream := fakeGemini(t, "Hello there friend")
	svc, err := New(testConfig(upstream.URL), nil)
	require.NoError(t, err)
	s := svc.(*service)

	// Act
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"sessionId":"s-e2e"}`))
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(w, req)
	s.completion.Wait()

	history := httptest.NewRecorder()
	svc.Router().ServeHTTP(history, httptest.NewRequest(http.MethodGet, "/v1/chat?sessionId=s-e2e", nil))

	// Assert
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello there friend", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Conversation-Id"))
	assert.JSONEq(t,
		`{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"Hello there friend"}]}`,
		history.Body.String())
}

// TestRouter_AnswerLimitFromConfig verifies MaxAnswerBytes reaches the
// relay: the overflowing delta is not forwarded and no answer is cached.
func TestRouter_AnswerLimitFromConfig(t *testing.T) {
	// Arrange
	upstream := fakeGemini(t, "Hello there friend")
	cfg := testConfig(upstream.URL)
	cfg.MaxAnswerBytes = 8
	svc, err := New(cfg, nil)
	require.NoError(t, err)
	s := svc.(*service)

	// Act
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"sessionId":"s-cap"}`))
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(w, req)
	s.completion.Wait()

	history := httptest.NewRecorder()
	svc.Router().ServeHTTP(history, httptest.NewRequest(http.MethodGet, "/v1/chat?sessionId=s-cap", nil))

	// Assert
	assert.Equal(t, "Hello ", w.Body.String())
	assert.JSONEq(t, `{"messages":[{"role":"user","content":"hi"}]}`, history.Body.String())
}

// TestRouter_ClientAbortReleasesUpstream verifies that a client hanging up
// mid-stream cancels the upstream request and persists no answer.
func TestRouter_ClientAbortReleasesUpstream(t *testing.T) {
	// Arrange
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"first \"}]}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer upstream.Close()

	svc, err := New(testConfig(upstream.URL), nil)
	require.NoError(t, err)
	s := svc.(*service)
	front := httptest.NewServer(svc.Router())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, front.URL+"/v1/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}],"sessionId":"s-abort"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	// Act
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var got []byte
	buf := make([]byte, 64)
	for !strings.Contains(string(got), "first ") {
		n, err := resp.Body.Read(buf)
		got = append(got, buf[:n]...)
		require.NoError(t, err)
	}
	cancel()
	resp.Body.Close()

	// Assert
	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request still open after the client left")
	}
	front.Close()
	s.completion.Wait()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	history := httptest.NewRecorder()
	svc.Router().ServeHTTP(history, httptest.NewRequest(http.MethodGet, "/v1/chat?sessionId=s-abort", nil))
	assert.JSONEq(t, `{"messages":[{"role":"user","content":"hi"}]}`, history.Body.String())
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

// TestServe_GracefulShutdown verifies serve answers requests and returns
// cleanly once its context is canceled.
func TestServe_GracefulShutdown(t *testing.T) {
	// Arrange
	svc, err := New(testConfig(""), nil)
	require.NoError(t, err)
	s := svc.(*service)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	// Act
	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	cancel()

	// Assert
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

// TestRun_PortInUse verifies a listen failure is reported.
func TestRun_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig("")
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	svc, err := New(cfg, nil)
	require.NoError(t, err)

	err = svc.Run(context.Background())

	assert.Error(t, err)
}
