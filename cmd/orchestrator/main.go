// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the chat completion HTTP server.
//
// Configuration is read from an optional YAML file (--config), a .env
// file, the environment and finally flags, later sources winning.
//
// # Environment Variables
//
//   - PORT: HTTP server port (default: 12210)
//   - GEMINI_API_KEY: upstream API key (required)
//   - GEMINI_MODEL, GEMINI_FALLBACK_MODEL: primary and fallback models
//   - DATABASE_URL: Postgres store (default: in memory)
//   - JWT_SECRET or AUTH_DISABLED=true: identity source (one required)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	# Build
//	go build -o chat-server ./cmd/orchestrator
//
//	# Run
//	./chat-server --config chat.yaml
//
//	# Mint a bearer token for local testing
//	./chat-server token --user alice
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/orchestrator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// serverFlags are the command line overrides for orchestrator.Config.
type serverFlags struct {
	configPath   string
	envFile      string
	port         int
	model        string
	database     string
	authDisabled bool
	logLevel     string
	logFormat    string
}

func newRootCmd() *cobra.Command {
	var flags serverFlags

	rootCmd := &cobra.Command{
		Use:           "chat-server",
		Short:         "Streaming chat completion proxy",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML config file")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Path to a .env file (skipped when missing)")

	f := rootCmd.Flags()
	f.IntVarP(&flags.port, "port", "p", 0, "HTTP port (overrides PORT)")
	f.StringVar(&flags.model, "model", "", "Primary Gemini model (overrides GEMINI_MODEL)")
	f.StringVar(&flags.database, "database-url", "", "Postgres URL (overrides DATABASE_URL)")
	f.BoolVar(&flags.authDisabled, "auth-disabled", false, "Treat unauthenticated callers as the local user")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&flags.logFormat, "log-format", "", "json or text")

	rootCmd.AddCommand(newTokenCmd(&flags))
	return rootCmd
}

// loadConfig layers flags the user set explicitly over LoadConfig.
func loadConfig(cmd *cobra.Command, flags serverFlags) (orchestrator.Config, error) {
	cfg, err := orchestrator.LoadConfig(flags.configPath, flags.envFile)
	if err != nil {
		return cfg, err
	}

	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Port = flags.port
	}
	if changed("model") {
		cfg.GeminiModel = flags.model
	}
	if changed("database-url") {
		cfg.DatabaseURL = flags.database
	}
	if changed("auth-disabled") {
		cfg.AuthDisabled = flags.authDisabled
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = flags.logFormat
	}
	return cfg, nil
}

func runServer(ctx context.Context, cfg orchestrator.Config) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "chat",
		JSON:    cfg.LogFormat != "text",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting chat service",
		"port", cfg.Port,
		"model", cfg.GeminiModel,
		"fallback_model", cfg.GeminiFallbackModel,
		"durable_store", cfg.DatabaseURL != "",
	)

	// Enterprise builds pass custom ServiceOptions here.
	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		slog.Error("Failed to create chat service", "error", err)
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		slog.Error("Chat service error", "error", err)
		return err
	}
	return nil
}

// newTokenCmd mints a bearer token signed with JWT_SECRET.
func newTokenCmd(flags *serverFlags) *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := orchestrator.LoadConfig(flags.configPath, flags.envFile)
			if err != nil {
				return err
			}
			provider, err := extensions.NewJWTAuthProvider(cfg.JWTSecret, cfg.JWTIssuer)
			if err != nil {
				return fmt.Errorf("JWT_SECRET must be set: %w", err)
			}
			token, err := provider.Sign(userID, email, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Subject (user id) of the token")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
