// Package logging provides the structured Logger every component accepts
// through its constructor. No component reaches for a package-level
// logger; each is handed one explicitly, matching the single injected
// Clock used for time.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the minimal logging surface components depend on. It mirrors
// the shape used across the rest of the codebase: leveled methods plus a
// context-aware variant for trace correlation, and WithComponent so a
// worker, the HTTP surface, and the heartbeat ingestor each tag their own
// lines without constructing a new logger from scratch.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	WithComponent(component string) Logger
}

type zlogger struct {
	z zerolog.Logger
}

// New builds a Logger. format is "json" (production) or "console"
// (development, human-readable); level is any zerolog-parseable level
// string ("debug", "info", "warn", "error").
func New(format, level string) Logger {
	return newWithWriter(os.Stdout, format, level)
}

func newWithWriter(w io.Writer, format, level string) Logger {
	var out io.Writer = w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return &zlogger{z: z}
}

func (l *zlogger) event(e *zerolog.Event, msg string, fields map[string]interface{}) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (l *zlogger) Info(msg string, fields map[string]interface{})  { l.event(l.z.Info(), msg, fields) }
func (l *zlogger) Warn(msg string, fields map[string]interface{})  { l.event(l.z.Warn(), msg, fields) }
func (l *zlogger) Error(msg string, fields map[string]interface{}) { l.event(l.z.Error(), msg, fields) }
func (l *zlogger) Debug(msg string, fields map[string]interface{}) { l.event(l.z.Debug(), msg, fields) }

func (l *zlogger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.event(l.z.Info().Ctx(ctx), msg, fields)
}

func (l *zlogger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.event(l.z.Error().Ctx(ctx), msg, fields)
}

func (l *zlogger) WithComponent(component string) Logger {
	return &zlogger{z: l.z.With().Str("component", component).Logger()}
}

// NoOp discards everything; used in tests that don't care about log
// output.
type NoOp struct{}

func (NoOp) Info(string, map[string]interface{})                           {}
func (NoOp) Warn(string, map[string]interface{})                           {}
func (NoOp) Error(string, map[string]interface{})                          {}
func (NoOp) Debug(string, map[string]interface{})                          {}
func (NoOp) InfoContext(context.Context, string, map[string]interface{})   {}
func (NoOp) ErrorContext(context.Context, string, map[string]interface{})  {}
func (n NoOp) WithComponent(string) Logger                                 { return n }
