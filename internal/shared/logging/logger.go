// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the process-wide log sink.
type Options struct {
	Level slog.Level
	// File enables rotation into the named file instead of stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu     sync.RWMutex
	output io.Writer = os.Stdout
	level  slog.LevelVar
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Configure points every logger returned by New at the sink described by
// opts. The returned closer releases the log file, if any.
func Configure(opts Options) (io.Closer, error) {
	level.Set(opts.Level)
	if opts.File == "" {
		setOutput(os.Stdout)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 50),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 14),
		Compress:   opts.Compress,
	}
	setOutput(rotator)
	return rotator, nil
}

// SetOutput redirects loggers created afterwards to w.
func SetOutput(w io.Writer) { setOutput(w) }

func setOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
}

// New returns a slog.Logger configured for structured, JSON-oriented output.
func New(subsystem string) *slog.Logger {
	mu.RLock()
	w := output
	mu.RUnlock()
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: &level})
	return slog.New(handler).With("subsystem", subsystem)
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
