// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the chat server's process logger.
//
// Records go to the console as JSON or text. When LogDir is set they are
// also appended, always as JSON, to "{service}_{YYYY-MM-DD}.log" in that
// directory, named after the day the process started.
//
//	logger := logging.New(logging.Config{Level: slog.LevelInfo, Service: "chat", JSON: true})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// Nothing is redacted here. Tokens, API keys and message content must not
// be passed as attributes.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ParseLevel maps LOG_LEVEL onto a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Config holds logger settings.
type Config struct {
	// Level is the minimum level written. The zero value is info.
	Level slog.Level

	// LogDir, when set, adds a JSON log file in that directory.
	LogDir string

	// Service names the file and is attached to every record.
	Service string

	// JSON selects JSON console output instead of text.
	JSON bool

	// Output replaces stdout as the console destination.
	Output io.Writer
}

// Logger owns the process slog.Logger and its log file.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger. If the log file cannot be opened the problem is
// logged to the console and the logger runs console only.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if config.JSON {
		handler = slog.NewJSONHandler(out, opts)
	}

	l := &Logger{}
	var fileErr error
	if config.LogDir != "" {
		if l.file, fileErr = openLogFile(config.LogDir, config.Service, time.Now()); fileErr == nil {
			handler = teeHandler{handler, slog.NewJSONHandler(l.file, opts)}
		}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	l.slog = slog.New(handler)

	if fileErr != nil {
		l.slog.Warn("File logging disabled", "log_dir", config.LogDir, "error", fileErr)
	}
	return l
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close flushes and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Sync(), l.file.Close())
	l.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

func openLogFile(dir, service string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if service == "" {
		service = "chat"
	}
	name := service + "_" + day.Format(time.DateOnly) + ".log"
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// teeHandler writes every record to the console handler and the file
// handler.
type teeHandler [2]slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t[0].Enabled(ctx, level) || t[1].Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t[0].WithAttrs(attrs), t[1].WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t[0].WithGroup(name), t[1].WithGroup(name)}
}
