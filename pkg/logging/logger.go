// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging assembles the slog destinations shared by the engine
// packages. Planner, executor, and verifier all take a plain
// *slog.Logger; this package owns what they cannot: choosing handlers,
// opening the optional log file, and closing it on shutdown.
//
// Typical setup for a host process:
//
//	logger, err := logging.New(logging.Config{
//	    Level:   slog.LevelInfo,
//	    Dir:     "~/.taskweave/logs",
//	    Service: "engine",
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	eng, err := engine.New(engine.Options{Logger: logger.Slog(), ...})
//
// Stderr output is human-readable text unless Config.JSON is set; the
// log file, named {service}_{YYYY-MM-DD}.log, is always JSON. Nothing
// here redacts attribute values, so callers must keep secrets out of
// log attributes themselves.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Config selects the logging destinations. The zero value logs Info and
// above to stderr as text.
type Config struct {
	// Level is the minimum level written to any destination.
	Level slog.Level

	// Dir, when set, adds a daily JSON log file under this directory.
	// A leading ~ expands to the user's home directory and missing
	// directories are created.
	Dir string

	// Service tags every record with a "service" attribute and names
	// the log file. Empty means "taskweave".
	Service string

	// JSON switches stderr from text to JSON records.
	JSON bool

	// Quiet drops the stderr destination; useful when the file is the
	// only wanted output.
	Quiet bool
}

// Logger bundles a configured slog.Logger with the file handle backing
// it, so hosts have one thing to close on shutdown.
//
// Thread Safety: safe for concurrent use; Close may be called once
// logging has stopped.
type Logger struct {
	slog *slog.Logger
	file *os.File
}

// New builds a logger for the configured destinations. It fails only
// when the log directory or file cannot be prepared.
func New(cfg Config) (*Logger, error) {
	service := cfg.Service
	if service == "" {
		service = "taskweave"
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	l := &Logger{}
	if cfg.Dir != "" {
		dir := expandPath(cfg.Dir)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		l.file = file
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(math.MaxInt),
		})
	case 1:
		handler = handlers[0]
	default:
		handler = teeHandler(handlers)
	}

	l.slog = slog.New(handler).With(slog.String("service", service))
	return l, nil
}

// Default returns a stderr-only logger at Info level. It cannot fail
// because no file is involved.
func Default() *Logger {
	l, _ := New(Config{})
	return l
}

// Slog returns the configured logger for slog-native components.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file, if any. Safe to call more than
// once; later calls are no-ops.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	return errors.Join(file.Sync(), file.Close())
}

// teeHandler fans each record out to every destination, so stderr and
// the file can disagree on format but never on content.
type teeHandler []slog.Handler

func (h teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithAttrs(attrs)
	}
	return out
}

func (h teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithGroup(name)
	}
	return out
}

// expandPath resolves a leading ~ against the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
