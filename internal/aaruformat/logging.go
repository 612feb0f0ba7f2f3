package aaruformat

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the small injectable logging seam the core uses for diagnostic,
// non-fatal events: a corrupt block skipped on append, the dedup ratio
// reported at Close, a compression demotion.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// slogLogger adapts log/slog.Logger to Logger. No third-party logging
// library appears anywhere in the reference pack, and slog is the
// structured stdlib logger that LogEntry shape already matches in spirit —
// see DESIGN.md.
type slogLogger struct{ l *slog.Logger }

// NewDefaultLogger returns a Logger writing structured text records to
// stderr, the default used when a writer/reader is not given an explicit
// Logger.
func NewDefaultLogger() Logger {
	return &slogLogger{l: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}

func (s *slogLogger) Info(msg string, args ...any)  { s.l.Log(context.Background(), slog.LevelInfo, msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Log(context.Background(), slog.LevelWarn, msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Log(context.Background(), slog.LevelError, msg, args...) }

// noopLogger discards everything, used by tests that don't want log noise.
type noopLogger struct{}

func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
