// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds chat service configuration options.
//
// # Description
//
// Config centralizes all configuration for the service. Values come from
// an optional YAML file, a .env file and the environment (see LoadConfig),
// then command line flags. Zero values are replaced by applyConfigDefaults.
//
// # Required Fields
//
//   - GeminiAPIKey
//   - JWTSecret, unless AuthDisabled is set
//
// # Examples
//
//	// Local development without identity checks
//	cfg := Config{GeminiAPIKey: key, AuthDisabled: true}
//
//	// Durable store and signed identities
//	cfg := Config{
//	    GeminiAPIKey: key,
//	    DatabaseURL:  "postgres://chat@localhost/chat",
//	    JWTSecret:    secret,
//	}
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int `yaml:"port"`

	// GeminiAPIKey authenticates upstream calls.
	GeminiAPIKey string `yaml:"gemini_api_key"`

	// GeminiModel is the primary model. Default: gemini-2.5-flash
	GeminiModel string `yaml:"gemini_model"`

	// GeminiFallbackModel is tried once when the primary stays rate
	// limited. Empty disables the fallback.
	GeminiFallbackModel string `yaml:"gemini_fallback_model"`

	// GeminiBaseURL overrides the public endpoint.
	GeminiBaseURL string `yaml:"gemini_base_url"`

	// UpstreamRPS paces upstream attempts. Zero means unlimited.
	UpstreamRPS float64 `yaml:"upstream_rps"`

	// DatabaseURL selects the Postgres store. Empty keeps conversations
	// in memory.
	DatabaseURL string `yaml:"database_url"`

	// JWTSecret verifies bearer tokens (HMAC).
	JWTSecret string `yaml:"jwt_secret"`

	// JWTIssuer, when set, must match the token's "iss".
	JWTIssuer string `yaml:"jwt_issuer"`

	// SessionCookieName names the session cookie.
	// Default: chat.session-token
	SessionCookieName string `yaml:"session_cookie_name"`

	// AuthDisabled treats every caller without a bearer token as the
	// local user. For single user deployments only.
	AuthDisabled bool `yaml:"auth_disabled"`

	// SessionTTL bounds how long session histories stay cached.
	// Default: 1h
	SessionTTL time.Duration `yaml:"session_ttl"`

	// CORSAllowedOrigins lists browser origins allowed to call the API.
	// "*" allows any origin without credentials.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// OTelEndpoint is the OTLP gRPC collector. Empty disables tracing
	// export.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// AccumulatorMode is one of auto, locked, plain. Default: auto
	AccumulatorMode string `yaml:"accumulator_mode"`

	// MaxAnswerBytes caps one assembled answer. A longer stream fails and
	// nothing is persisted. Default: 512 KiB
	MaxAnswerBytes int `yaml:"max_answer_bytes"`

	// ShutdownTimeout bounds how long in-flight streams may drain.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// GinMode sets the Gin framework mode: debug, release or test.
	GinMode string `yaml:"gin_mode"`

	// LogLevel, LogFormat (json or text) and LogDir configure the
	// process logger.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogDir    string `yaml:"log_dir"`
}

const (
	defaultPort            = 12210
	defaultShutdownTimeout = 30 * time.Second
	defaultCookieName      = "chat.session-token"
)

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = defaultCookieName
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = ttl.DefaultSessionTTL
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.AccumulatorMode == "" {
		cfg.AccumulatorMode = "auto"
	}
	if cfg.MaxAnswerBytes <= 0 {
		cfg.MaxAnswerBytes = handlers.DefaultMaxAnswerBytes
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	return cfg
}

// =============================================================================
// Loading
// =============================================================================

// LoadConfig reads configuration from path (optional YAML), then the
// given .env files (".env" when none are named), then the environment.
// Later sources win. Missing .env files are skipped; a missing YAML file
// is an error because it was asked for.
//
// .env values are merged in memory. The process environment is never
// modified.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	dotenv := make(map[string]string)
	for _, file := range envFiles {
		values, err := godotenv.Read(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return cfg, fmt.Errorf("read %s: %w", file, err)
		}
		for k, v := range values {
			if _, seen := dotenv[k]; !seen {
				dotenv[k] = v
			}
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment values onto cfg. Blank values are
// ignored. All malformed values are reported together.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("PORT: invalid value %q", v))
		} else {
			cfg.Port = port
		}
	}
	str("GEMINI_API_KEY", &cfg.GeminiAPIKey)
	str("GEMINI_MODEL", &cfg.GeminiModel)
	str("GEMINI_FALLBACK_MODEL", &cfg.GeminiFallbackModel)
	str("GEMINI_BASE_URL", &cfg.GeminiBaseURL)
	if v, ok := get("UPSTREAM_RPS"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps < 0 {
			errs = append(errs, fmt.Errorf("UPSTREAM_RPS: invalid value %q", v))
		} else {
			cfg.UpstreamRPS = rps
		}
	}
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("JWT_SECRET", &cfg.JWTSecret)
	str("JWT_ISSUER", &cfg.JWTIssuer)
	str("SESSION_COOKIE_NAME", &cfg.SessionCookieName)
	if v, ok := get("AUTH_DISABLED"); ok {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("AUTH_DISABLED: invalid value %q", v))
		} else {
			cfg.AuthDisabled = disabled
		}
	}
	if v, ok := get("SESSION_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("SESSION_TTL: invalid duration %q", v))
		} else {
			cfg.SessionTTL = d
		}
	}
	if v, ok := get("CORS_ALLOWED_ORIGINS"); ok {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTelEndpoint)
	str("ACCUMULATOR_MODE", &cfg.AccumulatorMode)
	if v, ok := get("MAX_ANSWER_BYTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("MAX_ANSWER_BYTES: invalid value %q", v))
		} else {
			cfg.MaxAnswerBytes = n
		}
	}
	str("GIN_MODE", &cfg.GinMode)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("LOG_DIR", &cfg.LogDir)

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
